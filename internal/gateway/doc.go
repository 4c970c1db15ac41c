// ABOUTME: Package gateway wires conclave together and serves its HTTP and gRPC surfaces
// ABOUTME: See gateway.go for lifecycle and api.go for the JSON routes

// Package gateway orchestrates the conclave server components.
//
// # Overview
//
// The Gateway owns the application manager (live or fake), the agent
// registry, the attachment cache, the metrics registry, and the listeners.
// New builds everything from a config.Config; Run opens message dispatch,
// registers bootstrap agents, and serves until its context ends.
//
// # HTTP API
//
// Every route except file download is a POST whose body is
// {"params": ...} and whose response is {"result": ...}:
//
//   - /conversation/create, /conversation/delete, /conversation/list
//   - /message/send - records a message and starts routing it, returns {message_id, context_id}
//   - /message/list - messages of one conversation, file bytes replaced by URIs
//   - /message/pending - messages still being routed
//   - /task/list, /events/get - file bytes in tasks and events replaced by URIs
//   - /agent/register, /agent/unregister, /agent/list
//   - GET /message/file/{id} - cached attachment bytes
//   - GET /health, /health/ready, and the metrics path
//
// Errors are {"error": "..."}: 400 for malformed input, 404 for an unknown
// conversation or attachment, 503 when host.max_in_flight messages are
// already routing or the send rate limit is hit.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is on) a gRPC server exposes
// the standard grpc.health.v1 service, SERVING while message dispatch is open.
//
// # Listeners
//
// Without Tailscale the servers bind server.http_addr and server.grpc_addr.
// With Tailscale a tsnet node serves HTTP on :80 (or :443 with TLS or
// Funnel) and gRPC on :50051.
package gateway
