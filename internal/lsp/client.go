package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/sourcegraph/jsonrpc2"
)

// ClientState is the lifecycle state of a Client.
type ClientState int32

const (
	// ClientCreated means Start has not been called.
	ClientCreated ClientState = iota
	// ClientActive means the connection is open.
	ClientActive
	// ClientStopped means the client was stopped and will not be reused.
	ClientStopped
)

// String returns a human-readable state name.
func (s ClientState) String() string {
	switch s {
	case ClientCreated:
		return "created"
	case ClientActive:
		return "active"
	case ClientStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NotificationHandler handles a notification sent by the server.
// Handlers run on the connection's read goroutine and must not block.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithRootURI enables the initialize handshake for the given workspace root.
// Without it the client never sends initialize and Ready closes on Start.
func WithRootURI(uri DocumentURI) ClientOption {
	return func(c *Client) {
		c.rootURI = uri
	}
}

// WithClientInfo sets the client name reported during the handshake.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.info = &ClientInfo{Name: name, Version: version}
	}
}

// WithMessageTrace logs every JSON-RPC message at V(2).
func WithMessageTrace() ClientOption {
	return func(c *Client) {
		c.trace = true
	}
}

// Client is a framed JSON-RPC channel to one worker instance.
//
// A Client is bound to exactly one worker: once that worker is gone the
// Client is stopped and a new Client is built for the next worker.
// Client is safe for concurrent use.
type Client struct {
	rwc     io.ReadWriteCloser
	log     logr.Logger
	rootURI DocumentURI
	info    *ClientInfo
	trace   bool

	mu         sync.RWMutex
	languages  []string
	handlers   map[string]NotificationHandler
	conn       *jsonrpc2.Conn
	cancel     context.CancelFunc
	initResult *InitializeResult
	initErr    error

	state    atomic.Int32
	ready    chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewClient creates a client over rwc. Reads come from the worker's
// stdout and writes go to its stdin. The client owns rwc and closes it
// on Stop.
func NewClient(rwc io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		rwc:      rwc,
		log:      logr.Discard(),
		handlers: make(map[string]NotificationHandler),
		ready:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AddLanguage declares that this client serves documents tagged tag.
func (c *Client) AddLanguage(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.languages, tag) {
		c.languages = append(c.languages, tag)
	}
}

// Languages returns the declared language tags in insertion order.
func (c *Client) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.languages)
}

// Supports reports whether tag was declared with AddLanguage.
func (c *Client) Supports(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.languages, tag)
}

// State returns the client's lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Stopped reports whether Stop was called.
func (c *Client) Stopped() bool {
	return c.State() == ClientStopped
}

// OnNotification routes server notifications for method to fn.
// A nil fn removes the route. Unrouted notifications are dropped.
func (c *Client) OnNotification(method string, fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.handlers, method)
		return
	}
	c.handlers[method] = fn
}

// Start opens the connection. It returns immediately; when a root URI was
// configured the initialize handshake runs in the background and Ready
// closes once it finished. Calling Start on an active client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case ClientActive:
		return nil
	case ClientStopped:
		return ErrClientStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var connOpts []jsonrpc2.ConnOpt
	if c.trace {
		connOpts = append(connOpts, jsonrpc2.LogMessages(printfLogger{c.log.V(2)}))
	}

	stream := jsonrpc2.NewBufferedStream(c.rwc, jsonrpc2.VSCodeObjectCodec{})
	c.conn = jsonrpc2.NewConn(runCtx, stream, jsonrpc2.HandlerWithError(c.handle), connOpts...)
	c.state.Store(int32(ClientActive))

	if c.rootURI == "" {
		close(c.ready)
		return nil
	}

	go c.initialize(runCtx, c.conn)
	return nil
}

func (c *Client) initialize(ctx context.Context, conn *jsonrpc2.Conn) {
	defer close(c.ready)

	params := InitializeParams{
		ProcessID:    os.Getpid(),
		ClientInfo:   c.info,
		RootURI:      c.rootURI,
		Capabilities: DefaultClientCapabilities(),
		WorkspaceFolders: []WorkspaceFolder{
			{URI: c.rootURI, Name: string(c.rootURI)},
		},
	}

	var result InitializeResult
	err := conn.Call(ctx, "initialize", params, &result)
	if err == nil {
		err = conn.Notify(ctx, "initialized", struct{}{})
	}

	c.mu.Lock()
	if err != nil {
		c.initErr = c.wrap("initialize", err)
	} else {
		c.initResult = &result
	}
	c.mu.Unlock()

	switch {
	case err == nil:
		name := ""
		if result.ServerInfo != nil {
			name = result.ServerInfo.Name
		}
		c.log.V(1).Info("initialize handshake completed", "server", name)
	case c.Stopped():
		// The worker went away during the handshake.
	default:
		c.log.Error(err, "initialize handshake failed")
	}
}

// Ready returns a channel closed after the initialize handshake finished,
// successfully or not. It is closed by Start when no handshake is configured.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// InitializeResult returns the server's initialize reply.
func (c *Client) InitializeResult() (*InitializeResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initResult, c.initErr
}

// Done returns a channel closed when the connection is gone, either
// because Stop was called or because the worker closed its stdout.
// It returns nil before Start.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.DisconnectNotify()
}

// Call sends a request and decodes the reply into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, method, params, result); err != nil {
		return c.wrap(method, err)
	}
	return nil
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		return c.wrap(method, err)
	}
	return nil
}

// Stop marks the client stopped and closes the connection, which gives
// the worker EOF on stdin. It is idempotent and safe after the worker died.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		prev := ClientState(c.state.Swap(int32(ClientStopped)))
		conn, cancel := c.conn, c.cancel
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		if prev == ClientCreated || conn == nil {
			c.stopErr = c.rwc.Close()
			return
		}

		if err := conn.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			c.stopErr = err
		}
		c.log.V(1).Info("client stopped")
	})
	return c.stopErr
}

// connection returns the live connection or the reason there is none.
func (c *Client) connection() (*jsonrpc2.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.State() {
	case ClientCreated:
		return nil, ErrClientNotStarted
	case ClientStopped:
		return c.conn, ErrClientStopped
	}
	return c.conn, nil
}

func (c *Client) wrap(method string, err error) error {
	switch {
	case c.Stopped():
		err = ErrClientStopped
	case errors.Is(err, jsonrpc2.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
		err = ErrConnectionClosed
	}
	return &RequestError{Method: method, Err: err}
}

// handle answers messages initiated by the server.
func (c *Client) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	if req.Notif {
		c.mu.RLock()
		fn := c.handlers[req.Method]
		c.mu.RUnlock()
		if fn != nil {
			fn(ctx, params)
		} else {
			c.log.V(2).Info("dropping notification", "method", req.Method)
		}
		return nil, nil
	}

	switch req.Method {
	case "client/registerCapability", "client/unregisterCapability", "window/workDoneProgress/create":
		return nil, nil
	case "workspace/configuration":
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &jsonrpc2.Error{Code: CodeInvalidParams, Message: err.Error()}
		}
		return make([]any, len(p.Items)), nil
	}

	return nil, &jsonrpc2.Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method not supported: %s", req.Method),
	}
}

// printfLogger adapts logr to the jsonrpc2 message logger.
type printfLogger struct {
	log logr.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}
