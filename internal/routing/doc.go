// ABOUTME: Package routing decides which remote agent handles a user message
// ABOUTME: Keyword and LLM policies plug into a Host that exposes the A2A host tools

// Package routing turns a user message into a call on one registered agent.
//
// A Policy inspects the message text and the registry's cards and returns a
// Decision: a host tool to call (send_message, get_task_status or
// cancel_task) with its target agent, or a clarification for the user.
// KeywordPolicy is deterministic and needs no network; LLMPolicy delegates
// the choice to an OpenAI-compatible chat model using tool calls.
//
// Host applies the decision. A session whose last task ended in
// input-required is routed back to the same agent and task without
// consulting the policy.
package routing
