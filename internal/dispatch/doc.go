// Package dispatch delivers key and motion events from producers to the
// channels chosen by a Policy.
//
// A single loop goroutine (Run, or an external driver calling DispatchOnce)
// owns delivery. Any goroutine may call NotifyKey, NotifyMotion,
// NotifyConfigurationChanged, InjectInputEvent, PreemptInputDispatch and
// channel registration; these only queue state and wake the loop.
//
// Key features:
//   - One mutex guards all state; the Policy is never called while it is held
//   - Lifecycle notifications are deferred into a command queue
//   - Reference-counted, generation-checked entry pools
//   - FIFO outbound queue per connection
//   - MOVE batching, sample coalescing and streaming into in-flight publications
//   - Synthetic key repeat
//
// Timeout handling:
//   - Each dispatch cycle has a deadline (target timeout or DefaultTimeout)
//   - On expiry the connection becomes not responding and the policy is asked
//     whether to keep waiting or abandon it
//   - A completion on a not responding connection restores it
//
// Error handling:
//   - Transport error → connection broken, outbound drained, policy notified
//   - No targets → FAILED
//   - Injection denied → PERMISSION_DENIED
//   - Target unregistered during resolution → skipped
//   - Stale key → dropped as FAILED
package dispatch
