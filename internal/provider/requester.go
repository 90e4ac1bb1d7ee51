package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/dshills/lspkeeper/internal/lsp"
)

// DefaultRequestTimeout bounds a single request.
const DefaultRequestTimeout = 10 * time.Second

// Requester issues document requests against the current client.
type Requester struct {
	Base

	timeout time.Duration
}

// NewRequester creates a Requester. A non-positive timeout uses
// DefaultRequestTimeout.
func NewRequester(timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Requester{timeout: timeout}
}

func (r *Requester) call(ctx context.Context, method string, params, result any) error {
	c, err := r.ActiveClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return c.Call(ctx, method, params, result)
}

func position(path string, pos lsp.Position) lsp.TextDocumentPositionParams {
	return lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.FilePathToURI(path)},
		Position:     pos,
	}
}

// Hover returns hover information, or nil when the server has none.
func (r *Requester) Hover(ctx context.Context, path string, pos lsp.Position) (*lsp.Hover, error) {
	var result *lsp.Hover
	if err := r.call(ctx, "textDocument/hover", lsp.HoverParams{TextDocumentPositionParams: position(path, pos)}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Completion returns completion items. Servers may answer with a bare
// item array; it is returned as a complete list.
func (r *Requester) Completion(ctx context.Context, path string, pos lsp.Position) (*lsp.CompletionList, error) {
	var raw json.RawMessage
	if err := r.call(ctx, "textDocument/completion", lsp.CompletionParams{TextDocumentPositionParams: position(path, pos)}, &raw); err != nil {
		return nil, err
	}
	return parseCompletion(raw)
}

func parseCompletion(raw json.RawMessage) (*lsp.CompletionList, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &lsp.CompletionList{}, nil
	}

	if raw[0] == '[' {
		var items []lsp.CompletionItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return &lsp.CompletionList{Items: items}, nil
	}

	var list lsp.CompletionList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// Format returns the edits that format the whole document.
func (r *Requester) Format(ctx context.Context, path string, opts lsp.FormattingOptions) ([]lsp.TextEdit, error) {
	params := lsp.DocumentFormattingParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.FilePathToURI(path)},
		Options:      opts,
	}
	var edits []lsp.TextEdit
	if err := r.call(ctx, "textDocument/formatting", params, &edits); err != nil {
		return nil, err
	}
	return edits, nil
}

// Rename returns the workspace edit renaming the symbol at pos.
func (r *Requester) Rename(ctx context.Context, path string, pos lsp.Position, newName string) (*lsp.WorkspaceEdit, error) {
	params := lsp.RenameParams{TextDocumentPositionParams: position(path, pos), NewName: newName}
	var edit *lsp.WorkspaceEdit
	if err := r.call(ctx, "textDocument/rename", params, &edit); err != nil {
		return nil, err
	}
	return edit, nil
}

// DocumentSymbols returns the symbol tree of a document.
func (r *Requester) DocumentSymbols(ctx context.Context, path string) ([]lsp.DocumentSymbol, error) {
	params := lsp.DocumentSymbolParams{TextDocument: lsp.TextDocumentIdentifier{URI: lsp.FilePathToURI(path)}}
	var symbols []lsp.DocumentSymbol
	if err := r.call(ctx, "textDocument/documentSymbol", params, &symbols); err != nil {
		return nil, err
	}
	return symbols, nil
}

// Highlights returns the ranges related to the symbol at pos.
func (r *Requester) Highlights(ctx context.Context, path string, pos lsp.Position) ([]lsp.DocumentHighlight, error) {
	params := lsp.DocumentHighlightParams{TextDocumentPositionParams: position(path, pos)}
	var highlights []lsp.DocumentHighlight
	if err := r.call(ctx, "textDocument/documentHighlight", params, &highlights); err != nil {
		return nil, err
	}
	return highlights, nil
}
