// Package streamapp implements an App plugin: the "streaming sinks"
// northbound consumer named in the specification, fanning group snapshots
// out to every WebSocket client currently connected to this app's
// endpoint, using github.com/gorilla/websocket.
package streamapp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neurogate/gateway/internal/gatewayerr"
	"github.com/neurogate/gateway/internal/plugin"
)

// Setting is the JSON setting blob this app expects at Init/Setting.
type Setting struct {
	// ListenAddress is where the app's WebSocket endpoint listens, e.g.
	// ":8081". Empty disables the listener, so no client can connect and
	// HandleTransData has no one to forward to.
	ListenAddress string `json:"listen_address"`
	// Path is the HTTP path the WebSocket upgrader is mounted on.
	Path string `json:"path"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// snapshotMessage is the JSON frame written to every connected client for
// one group update.
type snapshotMessage struct {
	Driver    string                     `json:"driver"`
	Group     string                     `json:"group"`
	Timestamp int64                      `json:"timestamp"`
	Values    map[string]json.RawMessage `json:"values"`
}

// App is the streamapp plugin's Instance: an HTTP server accepting
// WebSocket upgrades, broadcasting every snapshot to all live connections.
type App struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	server  *http.Server
}

// New constructs a fresh App instance with no live listener.
func New() *App {
	return &App{clients: make(map[*websocket.Conn]chan []byte)}
}

// Module adapts New into the plugin.Module the registry expects.
type Module struct{}

// Descriptor returns the streamapp plugin's static metadata.
func (Module) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:     "streamapp",
		Version:  "1.0.0",
		Schema:   "1",
		NodeKind: plugin.KindApp,
		Kind:     "websocket",
	}
}

// Open returns a fresh, unstarted App.
func (Module) Open() (plugin.Instance, error) { return New(), nil }

// Close releases any resources Open allocated beyond what Uninit releases.
func (Module) Close(plugin.Instance) {}

// Init starts the WebSocket listener if setting.ListenAddress is set.
func (a *App) Init(_ context.Context, _ plugin.Callbacks, setting json.RawMessage) error {
	var s Setting
	if len(setting) > 0 {
		if err := json.Unmarshal(setting, &s); err != nil {
			return gatewayerr.Wrap(gatewayerr.GroupParameterInvalid, err)
		}
	}
	if s.ListenAddress == "" {
		return nil
	}
	path := s.Path
	if path == "" {
		path = "/stream"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, a.handleUpgrade)
	a.server = &http.Server{Addr: s.ListenAddress, Handler: mux}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return
		}
	}()
	return nil
}

func (a *App) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	out := make(chan []byte, 32)
	a.mu.Lock()
	a.clients[conn] = out
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.clients, conn)
			a.mu.Unlock()
			conn.Close()
		}()
		for msg := range out {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Drain and discard anything the client sends; this app is
	// publish-only, but the read loop must run to process control frames
	// (ping/pong/close) and notice when the client disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(out)
				return
			}
		}
	}()
}

// Uninit shuts the HTTP listener down and drops every client connection.
func (a *App) Uninit(ctx context.Context) error {
	a.mu.Lock()
	for conn, ch := range a.clients {
		close(ch)
		conn.Close()
	}
	a.clients = make(map[*websocket.Conn]chan []byte)
	a.mu.Unlock()

	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// Start/Stop are no-ops: the listener stays up across both states.
func (*App) Start(context.Context) error { return nil }
func (*App) Stop(context.Context) error  { return nil }

// Setting restarts the listener with a new address/path.
func (a *App) Setting(ctx context.Context, setting json.RawMessage) error {
	if err := a.Uninit(ctx); err != nil {
		return err
	}
	return a.Init(ctx, nil, setting)
}

// Request has no app-specific RPCs; unknown types are an error.
func (*App) Request(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, gatewayerr.New(gatewayerr.GroupParameterInvalid)
}

// HandleTransData broadcasts one group snapshot to every connected client,
// dropping it for any client whose outbound buffer is full rather than
// blocking the shared dispatch path on a slow reader (spec §4.6).
func (a *App) HandleTransData(_ context.Context, driver, group string, timestamp int64, values map[string]json.RawMessage) error {
	payload, err := json.Marshal(snapshotMessage{Driver: driver, Group: group, Timestamp: timestamp, Values: values})
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.EInternal, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range a.clients {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}
