package enums

import (
	"fmt"
	"slices"
	"strings"
)

// OutputFormat represents the output format of query results.
type OutputFormat int

const (
	OutputFormatUnspecified OutputFormat = iota
	OutputFormatTable
	OutputFormatTab
	OutputFormatJSON
	OutputFormatYAML
)

var outputFormatNames = []string{"UNSPECIFIED", "TABLE", "TAB", "JSON", "YAML"}

func (f OutputFormat) String() string {
	if int(f) < 0 || int(f) >= len(outputFormatNames) {
		return fmt.Sprintf("OutputFormat(%d)", int(f))
	}
	return outputFormatNames[f]
}

// OutputFormatString parses a case-insensitive format name.
func OutputFormatString(s string) (OutputFormat, error) {
	i := slices.Index(outputFormatNames, strings.ToUpper(s))
	if i <= 0 {
		return OutputFormatUnspecified, fmt.Errorf("%q does not belong to OutputFormat values", s)
	}
	return OutputFormat(i), nil
}

// DMLMode represents how consecutive DML statements are executed.
type DMLMode int

const (
	// DMLModeTransactional runs consecutive DML statements one by one in a single read-write transaction.
	DMLModeTransactional DMLMode = iota

	// DMLModeBatch runs consecutive DML statements as one batch DML call in a single read-write transaction.
	DMLModeBatch

	// DMLModePartitionedNonAtomic runs each DML statement as partitioned DML.
	DMLModePartitionedNonAtomic
)

var dmlModeNames = []string{"TRANSACTIONAL", "BATCH", "PARTITIONED_NON_ATOMIC"}

func (m DMLMode) String() string {
	if int(m) < 0 || int(m) >= len(dmlModeNames) {
		return fmt.Sprintf("DMLMode(%d)", int(m))
	}
	return dmlModeNames[m]
}

// DMLModeString parses a case-insensitive DML mode name.
func DMLModeString(s string) (DMLMode, error) {
	i := slices.Index(dmlModeNames, strings.ToUpper(s))
	if i < 0 {
		return DMLModeTransactional, fmt.Errorf("%q does not belong to DMLMode values", s)
	}
	return DMLMode(i), nil
}

// ParseMode represents how statements are classified.
type ParseMode int

const (
	// ParseModeFallback parses statements with memefish and falls back to lexical detection on a parse error.
	ParseModeFallback ParseMode = iota

	// ParseModeNoMemefish classifies statements by their first token only.
	ParseModeNoMemefish

	// ParseModeMemefishOnly rejects statements memefish can't parse.
	ParseModeMemefishOnly
)

var parseModeNames = []string{"FALLBACK", "NO_MEMEFISH", "MEMEFISH_ONLY"}

func (m ParseMode) String() string {
	if int(m) < 0 || int(m) >= len(parseModeNames) {
		return fmt.Sprintf("ParseMode(%d)", int(m))
	}
	return parseModeNames[m]
}

// ParseModeString parses a case-insensitive parse mode name.
func ParseModeString(s string) (ParseMode, error) {
	i := slices.Index(parseModeNames, strings.ToUpper(s))
	if i < 0 {
		return ParseModeFallback, fmt.Errorf("%q does not belong to ParseMode values", s)
	}
	return ParseMode(i), nil
}
