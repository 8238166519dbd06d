package repair

import "fmt"

// ErrorCode classifies a recovery error.
type ErrorCode int

const (
	// CodeIOFailure is an OS-level stat/open/map failure.
	CodeIOFailure ErrorCode = iota + 1
	// CodeEmpty means the base file has zero length.
	CodeEmpty
	// CodeNotADatabase means the header signature does not match.
	CodeNotADatabase
	// CodeCorrupt means a geometry invariant was violated, a page reference
	// was out of range, or a mapped range came back short.
	CodeCorrupt
	// CodeNotice is informational, used by hints.
	CodeNotice
)

func (c ErrorCode) String() string {
	switch c {
	case CodeIOFailure:
		return "IOFailure"
	case CodeEmpty:
		return "Empty"
	case CodeNotADatabase:
		return "NotADatabase"
	case CodeCorrupt:
		return "Corrupt"
	case CodeNotice:
		return "Notice"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ErrorLevel is the severity attached to a published event. Nothing this
// package reports is fatal to the process.
type ErrorLevel int

const (
	// LevelIgnore marks recoverable errors the caller may skip past.
	LevelIgnore ErrorLevel = iota + 1
	// LevelNotice marks informational events.
	LevelNotice
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelIgnore:
		return "Ignore"
	case LevelNotice:
		return "Notice"
	}
	return fmt.Sprintf("ErrorLevel(%d)", int(l))
}

const errorSourceRepair = "Repair"

// Error is the structured event this package reports and records. It is
// published to the notifier and stored as the owner's last error; it is never
// thrown and never terminates the process.
type Error struct {
	Code    ErrorCode
	Level   ErrorLevel
	Message string
	Source  string
	Path    string
	// Page is the page number the error is tagged with, 0 when untagged.
	Page int
	// Cause is the underlying OS error for CodeIOFailure events.
	Cause error
	// Infos carries extra key/value payload for notice events.
	Infos map[string]interface{}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Page > 0 {
		return fmt.Sprintf("%s: %s (path: %s, page: %d)", e.Code, msg, e.Path, e.Page)
	}
	return fmt.Sprintf("%s: %s (path: %s)", e.Code, msg, e.Path)
}

// Unwrap exposes the underlying OS error, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsCorruption reports whether the error is a data-integrity signal rather
// than a system failure.
func (e *Error) IsCorruption() bool {
	return e != nil && e.Code == CodeCorrupt
}

func (e *Error) setInfo(key string, value interface{}) {
	if e.Infos == nil {
		e.Infos = make(map[string]interface{})
	}
	e.Infos[key] = value
}
