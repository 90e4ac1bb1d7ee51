package lsp

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Standard errors returned by the Client.
var (
	// ErrClientNotStarted indicates Start has not been called.
	ErrClientNotStarted = errors.New("lsp client not started")

	// ErrClientStopped indicates the client was stopped. A stopped client
	// belongs to a worker that is gone; callers should wait for the next one.
	ErrClientStopped = errors.New("lsp client stopped")

	// ErrConnectionClosed indicates the worker closed its side of the stream.
	ErrConnectionClosed = errors.New("lsp connection closed")
)

// JSON-RPC error codes used by the client.
const (
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
)

// RequestError wraps a failed request with its method name.
type RequestError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found" reply.
func IsMethodNotFound(err error) bool {
	var rpcErr *jsonrpc2.Error
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}
