package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/Arbiter/internal/config"
	"github.com/CZERTAINLY/Arbiter/internal/log"
)

var (
	configPath string // actual config file used (if loaded)
	cfg        config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+config.FileName+" in the user config directory or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initArbiter

	rootCmd.AddCommand(cmdCmd)
	rootCmd.AddCommand(basefindCmd)
	rootCmd.AddCommand(bindiffCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("arbiter failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "arbiter",
	Short:        "Tool sharing one analysis engine between commands, tasks and scans",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of an arbiter",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("arbiter: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("arbiter: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initArbiter(cmd *cobra.Command, _ []string) error {
	configPath = config.Locate(flagConfigFilePath)
	if configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			for _, d := range config.Details(err) {
				slog.Error("config error", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, cfg.Verbose))
	slog.Debug("arbiter run", "configPath", configPath)
	slog.Debug("arbiter run", "config", cfg)
	return nil
}
