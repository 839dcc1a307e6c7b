// Package protocol carries the small set of wire constants MOON shares with
// the host agent's gateway RPC surface.
package protocol

// ProtocolVersion is bumped whenever the host-agent RPC contracts this
// module depends on (chat.send, sessions listing) change shape.
const ProtocolVersion = 1

// MethodChatSend is the gateway RPC method used to request a context
// compaction for a given session key.
const MethodChatSend = "chat.send"
