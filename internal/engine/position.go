package engine

// History distinguishes ordinary seeks from seek history navigation, so
// views can update without recording a new history entry.
type History int

const (
	HistorySeek History = iota
	HistoryUndo
	HistoryRedo
)

func (h History) String() string {
	switch h {
	case HistorySeek:
		return "seek"
	case HistoryUndo:
		return "undo"
	case HistoryRedo:
		return "redo"
	default:
		return "unknown"
	}
}

// PositionChange is published once per guarded operation that moved the
// cursor. Offset is the cursor after the operation.
type PositionChange struct {
	Offset  uint64
	History History
}
