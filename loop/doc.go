// Package loop is the control plane of the agent: it decides, turn over
// turn, whether the model should keep calling tools, fix problems, summarize,
// or stop.
//
// The decision machinery is pure and caller-owned. ResolveState maps
// completion events to control states through a fixed table; Packet carries
// loop progress into the conversation inside a delimited envelope the model
// can read back; BuildContinuation composes the message that drives the next
// turn; CheckNoToolCompletion is the heuristic of last resort against a model
// that stops calling tools without declaring completion.
//
// Session ties the machinery to collaborators: an llm.Client for transport, a
// Dispatcher for tool execution, an optional TranscriptStore for persistence.
// One Session drives one task at a time; concurrent sessions are independent
// instances sharing nothing.
package loop
