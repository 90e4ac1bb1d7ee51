// Package lsp provides the communication handle to one language server
// worker.
//
// A Client frames JSON-RPC 2.0 messages with Content-Length headers over the
// worker's standard streams. It does not interpret payloads: consumers use
// Call, Notify and OnNotification with the protocol types in this package.
//
//	client := lsp.NewClient(handle.Stream(), lsp.WithRootURI(lsp.FilePathToURI(root)))
//	client.AddLanguage("vala")
//	if err := client.Start(ctx); err != nil {
//	    return err
//	}
//	defer client.Stop()
//
//	var hover lsp.Hover
//	err := client.Call(ctx, "textDocument/hover", params, &hover)
//
// # Lifecycle
//
// A Client lives exactly as long as its worker. Stop closes the streams and
// every later Call or Notify returns ErrClientStopped, so a consumer holding
// an outdated Client gets an error instead of writing into a dead pipe.
package lsp
