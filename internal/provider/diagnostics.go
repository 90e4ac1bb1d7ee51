package provider

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dshills/lspkeeper/internal/lsp"
)

const methodPublishDiagnostics = "textDocument/publishDiagnostics"

// DiagnosticsHandler receives every diagnostics publication.
type DiagnosticsHandler func(params lsp.PublishDiagnosticsParams)

// DiagnosticsOption configures Diagnostics.
type DiagnosticsOption func(*Diagnostics)

// WithDiagnosticsLogger sets the logger.
func WithDiagnosticsLogger(log logr.Logger) DiagnosticsOption {
	return func(d *Diagnostics) {
		d.log = log
	}
}

// Diagnostics listens for published diagnostics on whichever client is
// current and keeps the latest set per document.
//
// Diagnostics from a replaced worker are dropped when the new client is
// bound: the new worker republishes what it finds.
type Diagnostics struct {
	Base

	handler DiagnosticsHandler
	log     logr.Logger

	mu     sync.RWMutex
	byURI  map[lsp.DocumentURI][]lsp.Diagnostic
	source *lsp.Client
}

// NewDiagnostics creates a diagnostics consumer. handler may be nil.
func NewDiagnostics(handler DiagnosticsHandler, opts ...DiagnosticsOption) *Diagnostics {
	d := &Diagnostics{
		handler: handler,
		log:     logr.Discard(),
		byURI:   make(map[lsp.DocumentURI][]lsp.Diagnostic),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetClient registers the diagnostics route on c and forgets what the
// previous client reported.
func (d *Diagnostics) SetClient(c *lsp.Client) {
	d.mu.Lock()
	prev := d.source
	d.source = c
	if prev != c {
		clear(d.byURI)
	}
	d.mu.Unlock()

	if prev != nil && prev != c {
		prev.OnNotification(methodPublishDiagnostics, nil)
	}
	if c != nil {
		c.OnNotification(methodPublishDiagnostics, d.handlerFor(c))
	}
	d.Base.SetClient(c)
}

func (d *Diagnostics) handlerFor(c *lsp.Client) lsp.NotificationHandler {
	return func(_ context.Context, raw json.RawMessage) {
		var params lsp.PublishDiagnosticsParams
		if err := json.Unmarshal(raw, &params); err != nil {
			d.log.Error(err, "invalid diagnostics notification")
			return
		}

		d.mu.Lock()
		if d.source != c {
			d.mu.Unlock()
			return
		}
		if len(params.Diagnostics) == 0 {
			delete(d.byURI, params.URI)
		} else {
			d.byURI[params.URI] = slices.Clone(params.Diagnostics)
		}
		d.mu.Unlock()

		d.log.V(1).Info("diagnostics published", "uri", params.URI, "count", len(params.Diagnostics))
		if d.handler != nil {
			d.handler(params)
		}
	}
}

// Get returns the latest diagnostics for uri.
func (d *Diagnostics) Get(uri lsp.DocumentURI) []lsp.Diagnostic {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.byURI[uri])
}

// URIs returns the documents that currently have diagnostics, sorted.
func (d *Diagnostics) URIs() []lsp.DocumentURI {
	d.mu.RLock()
	defer d.mu.RUnlock()

	uris := make([]lsp.DocumentURI, 0, len(d.byURI))
	for uri := range d.byURI {
		uris = append(uris, uri)
	}
	slices.Sort(uris)
	return uris
}

// Count returns the number of diagnostics per severity across all documents.
func (d *Diagnostics) Count() map[lsp.DiagnosticSeverity]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[lsp.DiagnosticSeverity]int)
	for _, diags := range d.byURI {
		for _, diag := range diags {
			counts[diag.Severity]++
		}
	}
	return counts
}
