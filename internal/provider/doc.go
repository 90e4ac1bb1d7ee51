// Package provider contains consumers that follow a service's current
// client.
//
// Each provider binds to a service once and keeps working across worker
// restarts. Requests made while no client is bound fail with ErrNoClient.
//
//	diags := provider.NewDiagnostics(func(p lsp.PublishDiagnosticsParams) {
//	    fmt.Println(p.URI, len(p.Diagnostics))
//	})
//	svc.BindClient(diags)
//
// Requester is bound the same way by programs that have documents open and
// want hover, completion, formatting, rename, symbols or highlights.
package provider
