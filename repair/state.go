package repair

// initState tracks the one-shot initialization lifecycle. Transitions:
// uninitialized -> initializing -> initialized | failed. There is no re-entry
// out of failed; callers construct a fresh instance instead.
type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateInitialized
	stateFailed
)

func (s initState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateInitialized:
		return "initialized"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}
