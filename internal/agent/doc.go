// Package agent tracks remote agents and talks to them.
//
// # Registry
//
// The Registry maps a normalized agent URL to a Connection:
//
//	reg := agent.NewRegistry(a2a.NewClient(nil, logger), logger,
//	    agent.WithCardStore(cards),
//	    agent.WithDiscoveryTimeout(10*time.Second),
//	)
//
// Key operations:
//
//   - Register(ctx, url): fetch the card and (re)register the agent
//   - RegisterAll(ctx, urls): register a bootstrap list concurrently
//   - Unregister(ctx, url): remove the agent; always succeeds
//   - List(): cards in registration order
//   - Get(url): resolve a URL to its Connection
//
// Discovery failures never fail Register. A placeholder card named
// "Unknown Agent" with empty skills and capabilities is stored instead, so
// the registration survives and can be retried by registering again.
//
// # Connection
//
// Connection.SendMessage sends one message and folds the agent's events
// into a task snapshot:
//
//  1. A full Task event replaces the snapshot
//  2. A status update replaces the snapshot's status
//  3. An artifact update adds, replaces, or extends an artifact
//
// The call returns on the first reply Message or the first snapshot in a
// terminal state (completed, canceled, failed, input-required, unknown).
// If the stream ends first, the last snapshot is returned together with
// ErrStreamIncomplete. Transport failures are returned as errors and are not
// retried.
//
// GetTaskStatus and CancelTask return descriptive placeholder text; the
// remote protocol subset in use has no status query or cancellation.
package agent
