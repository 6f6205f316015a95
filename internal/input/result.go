package input

import "fmt"

// InjectionResult is the outcome of delivering an injected event.
type InjectionResult int32

const (
	// InjectionPending is internal to the dispatcher and never returned to
	// an injector.
	InjectionPending InjectionResult = iota
	InjectionSucceeded
	InjectionPermissionDenied
	InjectionFailed
	InjectionTimedOut
)

func (r InjectionResult) String() string {
	switch r {
	case InjectionPending:
		return "pending"
	case InjectionSucceeded:
		return "succeeded"
	case InjectionPermissionDenied:
		return "permission_denied"
	case InjectionFailed:
		return "failed"
	case InjectionTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("injection_result(%d)", int32(r))
	}
}

// Terminal reports whether r is one of the final outcomes.
func (r InjectionResult) Terminal() bool {
	return r >= InjectionSucceeded && r <= InjectionTimedOut
}

// SyncMode selects how long InjectInputEvent blocks.
type SyncMode int32

const (
	// SyncNone returns as soon as the event is queued.
	SyncNone SyncMode = iota
	// SyncWaitForResult waits until targets were resolved.
	SyncWaitForResult
	// SyncWaitForFinished additionally waits until every foreground
	// dispatch of the event has completed.
	SyncWaitForFinished
)

func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncWaitForResult:
		return "wait_for_result"
	case SyncWaitForFinished:
		return "wait_for_finished"
	default:
		return fmt.Sprintf("sync_mode(%d)", int32(m))
	}
}

// ParseSyncMode accepts the String forms plus "" (none) and the legacy
// boolean spellings "true"/"false".
func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "none", "false":
		return SyncNone, nil
	case "wait_for_result", "result", "true":
		return SyncWaitForResult, nil
	case "wait_for_finished", "finished":
		return SyncWaitForFinished, nil
	default:
		return SyncNone, fmt.Errorf("unknown sync mode %q", s)
	}
}
