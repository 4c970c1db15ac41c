// ABOUTME: Package manager owns the message lifecycle between the HTTP facade and remote agents
// ABOUTME: Live and Fake variants share recording, dispatch, and failure bookkeeping

// Package manager records user messages, routes each one on its own
// goroutine, and writes everything routing produces back into the store.
//
// SendMessage returns as soon as the message is stored and dispatched;
// callers poll Messages, Tasks and PendingMessages for progress. A stalled
// agent holds up only the message it is working on. At most MaxInFlight
// messages route at once; past that the message is still kept, with a
// failed task explaining why, and ErrBusy is returned.
//
// Stopping cancels whatever is still routing once the timeout passes, and
// each canceled message gets a failed task.
//
// Live routes through the agent registry and routing host. Fake answers
// every message itself and never touches the network.
package manager
