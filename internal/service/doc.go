// Package service composes the supervisor, the client and the descriptor
// watcher into one always-current language server connection per project.
//
// Consumers never hold on to a client by themselves. They bind once and are
// told about every replacement:
//
//	reg := service.NewRegistry(service.DefaultConfig())
//	defer reg.Close()
//
//	binding, err := reg.BindClient(root, service.ConsumerFunc(func(c *lsp.Client) {
//	    // c is the new current client, or nil
//	}))
//	if err != nil {
//	    return err
//	}
//	defer binding.Unbind()
//
// The first binding starts the worker. When the worker exits the current
// client is stopped and a new client is published once the replacement is
// running. A change of the project descriptor (meson.build by default)
// restarts the worker through the same path.
package service
