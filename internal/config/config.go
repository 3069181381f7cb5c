// Package config loads the arbiter.yaml configuration. The file is optional
// and never written back.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Arbiter/internal/engine"
)

const (
	FileName = "arbiter.yaml"
	EnvName  = "ARBITERCONFIG"

	ConsoleStderr  = "stderr"
	ConsoleStdout  = "stdout"
	ConsoleDiscard = "discard"
)

type Config struct {
	Version  int      `yaml:"version" validate:"eq=0"`
	Verbose  bool     `yaml:"verbose"`
	Console  string   `yaml:"console" validate:"oneof=stderr stdout discard"`
	Engine   Engine   `yaml:"engine"`
	Basefind Basefind `yaml:"basefind"`
	BinDiff  BinDiff  `yaml:"bindiff"`
	Stress   Stress   `yaml:"stress"`
}

type Engine struct {
	// StepDelay slows down long running commands of the simulated engine.
	StepDelay time.Duration `yaml:"step_delay" validate:"gte=0"`
}

type Basefind struct {
	engine.BasefindOptions `yaml:",inline"`
	ProgressRate           float64 `yaml:"progress_rate" validate:"gte=0"`
}

type BinDiff struct {
	Level        int     `yaml:"level" validate:"gte=0,lte=2"`
	CompareLogic string  `yaml:"compare_logic" validate:"oneof=functions blocks"`
	ProgressRate float64 `yaml:"progress_rate" validate:"gte=0"`
}

type Stress struct {
	Workers int `yaml:"workers" validate:"gte=1"`
	Rounds  int `yaml:"rounds" validate:"gte=1"`
}

func Default() Config {
	return Config{
		Console:  ConsoleStderr,
		Basefind: Basefind{BasefindOptions: engine.DefaultBasefindOptions(), ProgressRate: 10},
		BinDiff:  BinDiff{CompareLogic: engine.CompareFunctions, ProgressRate: 10},
		Stress:   Stress{Workers: 8, Rounds: 1000},
	}
}

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlName)
	return v
}

// Load decodes the yaml document on top of the defaults. Unknown keys are an
// error.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}

// Locate returns the config file to load: the ARBITERCONFIG environment
// variable, then flagPath, then arbiter.yaml in the user config directory
// or in the current one. It returns "" when there is none.
func Locate(flagPath string) string {
	if envConfig, ok := os.LookupEnv(EnvName); ok {
		return envConfig
	}
	if flagPath != "" {
		return flagPath
	}
	for _, d := range searchDirs() {
		path := filepath.Join(d, FileName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func searchDirs() []string {
	var dirs []string
	if d, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(d, "arbiter"))
	}
	return append(dirs, ".")
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Writer returns where the engine console goes.
func (c Config) Writer() io.Writer {
	switch c.Console {
	case ConsoleStdout:
		return os.Stdout
	case ConsoleDiscard:
		return io.Discard
	default:
		return os.Stderr
	}
}
