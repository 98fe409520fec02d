// Package ctxkey defines typed keys for context.Value.
package ctxkey

// Key is the context key type, avoiding collisions with other packages'
// string keys.
type Key string

const (
	// RequestID is the server-generated or propagated request id.
	RequestID Key = "ctx_request_id"
)
