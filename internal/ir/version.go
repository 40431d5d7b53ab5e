package ir

// Version constants for the row format and engine.
const (
	// FormatVersion is the stored row/change format version.
	FormatVersion = "1"

	// EngineVersion is the rowsync engine version.
	EngineVersion = "0.1.0"
)
