package provider

import (
	"errors"
	"sync/atomic"

	"github.com/dshills/lspkeeper/internal/lsp"
)

// ErrNoClient is returned when no usable client is bound.
var ErrNoClient = errors.New("no language server client")

// Base holds the current client of a provider. It implements
// service.Consumer and is safe for concurrent use.
type Base struct {
	client atomic.Pointer[lsp.Client]
}

// SetClient replaces the current client. Nil clears it.
func (b *Base) SetClient(c *lsp.Client) {
	b.client.Store(c)
}

// Client returns the current client, or nil.
func (b *Base) Client() *lsp.Client {
	return b.client.Load()
}

// ActiveClient returns the current client if it can take requests.
func (b *Base) ActiveClient() (*lsp.Client, error) {
	c := b.client.Load()
	if c == nil || c.Stopped() {
		return nil, ErrNoClient
	}
	return c, nil
}
