package engine

// BaseAlignment is the smallest alignment a base address search accepts.
const BaseAlignment = 0x1000

// BasefindOptions configures a base address search.
type BasefindOptions struct {
	MaxThreads   int    `yaml:"max_threads" validate:"gte=0"`
	PointerSize  int    `yaml:"pointer_size" validate:"oneof=0 32 64"`
	StartAddress uint64 `yaml:"start_address"`
	EndAddress   uint64 `yaml:"end_address" validate:"gtfield=StartAddress"`
	Alignment    uint64 `yaml:"alignment" validate:"gte=4096"`
	MinScore     uint32 `yaml:"min_score" validate:"gte=1"`
	MinStringLen uint32 `yaml:"min_string_len" validate:"gte=1"`
}

// DefaultBasefindOptions mirrors the engine's own defaults.
func DefaultBasefindOptions() BasefindOptions {
	return BasefindOptions{
		StartAddress: 0,
		EndAddress:   0xf0000000,
		Alignment:    BaseAlignment,
		MinScore:     1,
		MinStringLen: 10,
	}
}

// BasefindStatus is reported by each search thread.
type BasefindStatus struct {
	Index      int // search thread
	Percentage int
}

// BasefindScore is a candidate base address with the number of string
// references it explains.
type BasefindScore struct {
	Candidate uint64
	Score     uint32
}

// Compare logic for DiffOptions.
const (
	CompareFunctions = "functions"
	CompareBlocks    = "blocks"
)

// DiffOptions configures a comparison against another file.
type DiffOptions struct {
	File         string `yaml:"file" validate:"required"`
	Level        int    `yaml:"level" validate:"gte=0,lte=2"`
	CompareLogic string `yaml:"compare_logic" validate:"oneof=functions blocks"`
}

// DiffStatus is reported while matching functions.
type DiffStatus struct {
	Left    int // functions still unmatched
	Matched int
	Total   int
}

// Function describes a function of either image.
type Function struct {
	Offset uint64
	Size   uint64
	Name   string
	Blocks int
}

// Match pairs a function of the loaded image with one of the other file.
type Match struct {
	Original   Function
	Modified   Function
	Similarity float64
}

// SimilarityType names the similarity bucket of a match.
func (m Match) SimilarityType() string {
	switch {
	case m.Similarity >= 1.0:
		return "COMPLETE"
	case m.Similarity >= 0.5:
		return "PARTIAL"
	default:
		return "UNLIKE"
	}
}

// DiffResult is the outcome of Differ.Diff.
type DiffResult struct {
	Matches    []Match
	UnmatchedA []Function // only in the loaded image
	UnmatchedB []Function // only in the other file
}
