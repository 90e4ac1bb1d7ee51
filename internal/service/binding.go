package service

import (
	"sync"

	"github.com/dshills/lspkeeper/internal/lsp"
)

// Consumer is a feature that needs the current Client.
//
// SetClient is called synchronously with the current client when the
// consumer is bound, and again every time the client changes. A nil client
// means there is none. SetClient must not call BindClient or Stop on the
// same Service.
type Consumer interface {
	SetClient(client *lsp.Client)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(client *lsp.Client)

// SetClient calls f.
func (f ConsumerFunc) SetClient(client *lsp.Client) {
	f(client)
}

// Binding links a Consumer to a Service.
type Binding struct {
	svc      *Service
	consumer Consumer
	once     sync.Once
}

// Unbind stops updates to the consumer. It is safe to call more than once,
// including from inside SetClient.
func (b *Binding) Unbind() {
	b.once.Do(func() {
		b.svc.unbind(b)
	})
}
