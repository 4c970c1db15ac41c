// Package a2a implements the subset of the agent-to-agent protocol that
// conclave needs to talk to remote agents.
//
// # Discovery
//
// Every agent publishes an AgentCard at WellKnownCardPath. FetchCard adds an
// http scheme to bare host:port URLs and falls back to LegacyCardPath when the
// agent answers 404.
//
// # Messaging
//
// Messages are sent as JSON-RPC 2.0 calls:
//
//   - message/send returns a single result
//   - message/stream returns a Server-Sent Events stream whose data lines are
//     JSON-RPC responses
//
// Each result is a StreamEvent holding a Task, a Message, a
// TaskStatusUpdateEvent, or a TaskArtifactUpdateEvent.
//
// # Parts
//
// Part is a tagged union over text, structured data, and files. Decoding
// accepts the kind-discriminated form, the older type-discriminated form, and
// parts wrapped in a root object, so clients written against either shape
// interoperate. Encoding always produces the kind form.
package a2a
