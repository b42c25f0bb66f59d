package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	"github.com/alexjbarnes/timeline-sync/internal/history"
	"github.com/alexjbarnes/timeline-sync/internal/mcpserver"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/alexjbarnes/timeline-sync/internal/server"
	"github.com/alexjbarnes/timeline-sync/internal/session"
	"github.com/alexjbarnes/timeline-sync/internal/state"
	"github.com/alexjbarnes/timeline-sync/internal/transport"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testToken = "e2e-history-token"
	rowHeight = 56.0
	viewport  = 720.0
	waitFor   = 5 * time.Second
	tick      = 10 * time.Millisecond
)

// historyServer is an in-process history backend speaking the websocket
// protocol. Conversations are keyed by peer, or by "#" plus the room id.
type historyServer struct {
	URL string

	mu       sync.Mutex
	convs    map[string][]models.Message
	requests []models.HistoryRequest
	conn     *websocket.Conn
	ctx      context.Context
}

func newHistoryServer(t *testing.T) *historyServer {
	t.Helper()

	hs := &historyServer{convs: make(map[string][]models.Message)}

	ts := httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(ts.Close)

	hs.URL = "ws" + strings.TrimPrefix(ts.URL, "http")

	return hs
}

// seed stores rows with ids from..to, oldest first.
func (hs *historyServer) seed(conv string, from, to int64) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	for id := from; id <= to; id++ {
		hs.convs[conv] = append(hs.convs[conv], models.Message{
			ID:   id,
			TS:   1_700_000_000 + id,
			From: conv,
			Text: "message",
			Kind: models.MessageIn,
		})
	}
}

// push appends msg to a direct conversation and sends it live.
func (hs *historyServer) push(t *testing.T, peer string, msg models.Message) {
	t.Helper()

	hs.mu.Lock()
	defer hs.mu.Unlock()

	hs.convs[peer] = append(hs.convs[peer], msg)

	require.NotNil(t, hs.conn, "no client connected")
	data, err := json.Marshal(models.LiveMessage{Type: "message", Peer: peer, Message: msg})
	require.NoError(t, err)
	require.NoError(t, hs.conn.Write(hs.ctx, websocket.MessageText, data))
}

func (hs *historyServer) received() []models.HistoryRequest {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	return append([]models.HistoryRequest(nil), hs.requests...)
}

func (hs *historyServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	hs.mu.Lock()
	hs.conn = conn
	hs.ctx = ctx
	hs.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if gjson.GetBytes(data, "type").String() == "ping" {
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`)); err != nil {
				return
			}

			continue
		}

		var req models.HistoryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		out, err := json.Marshal(hs.answer(req))
		if err != nil {
			return
		}

		hs.mu.Lock()
		err = conn.Write(ctx, websocket.MessageText, out)
		hs.mu.Unlock()

		if err != nil {
			return
		}
	}
}

// answer builds the page for req: a delta when since_id is set,
// otherwise the newest rows before before_id (all rows when it is 0).
func (hs *historyServer) answer(req models.HistoryRequest) models.HistoryResult {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	hs.requests = append(hs.requests, req)

	conv := req.Peer
	if req.Room != "" {
		conv = "#" + req.Room
	}

	rows := append([]models.Message(nil), hs.convs[conv]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	res := models.HistoryResult{Type: "history", Peer: req.Peer, Room: req.Room, Preview: req.Preview}

	if req.SinceID != nil {
		var newer []models.Message

		for _, m := range rows {
			if m.ID > *req.SinceID {
				newer = append(newer, m)
			}
		}

		more := len(newer) > req.Limit
		if more {
			newer = newer[:req.Limit]
		}

		res.SinceID = req.SinceID
		res.Rows = newer
		res.HasMore = models.Bool(more)

		return res
	}

	var before int64
	if req.BeforeID != nil {
		before = *req.BeforeID
	}

	var older []models.Message

	for _, m := range rows {
		if before == 0 || m.ID < before {
			older = append(older, m)
		}
	}

	more := len(older) > req.Limit
	if more {
		older = older[len(older)-req.Limit:]
	}

	res.BeforeID = models.Int64(before)
	res.Rows = older
	res.HasMore = models.Bool(more)

	return res
}

// harness is the client stack wired the way main does it: bbolt state,
// cache, websocket transport, router, session and the MCP HTTP server.
type harness struct {
	URL       string
	StatePath string
	History   *historyServer
	Session   *session.Session
	Router    *history.Router
	Store     *cache.Store
	Client    *transport.Client

	closeOnce sync.Once
	closeFn   func()
}

func newHarness(t *testing.T, hs *historyServer, statePath string) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	if statePath == "" {
		statePath = filepath.Join(t.TempDir(), "state.db")
	}

	appState, err := state.LoadAt(statePath)
	require.NoError(t, err)

	store := cache.New(appState, logger)
	require.NoError(t, store.Hydrate())

	caps := models.DefaultDeviceCaps()
	caps.PrefetchAllowed = false

	client := transport.New(transport.Config{URL: hs.URL, Token: testToken}, logger)
	router := history.New(history.Config{Sender: client, Store: store, Caps: caps}, logger)

	sess := session.New(session.Config{
		Router:   router,
		Store:    store,
		Viewport: viewport,
		Estimate: func(models.Message) float64 { return rowHeight },
		OnOpen: func(key string) {
			_ = appState.SetLastSelected(key)
		},
	}, logger)

	client.SetHandler(sess)
	client.SetOnReconnect(sess.HandleReconnect)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, client.Connect(ctx))

	listenDone := make(chan struct{})

	go func() {
		defer close(listenDone)
		_ = client.Listen(ctx)
	}()

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "timeline-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{Session: sess, Connected: client.Connected})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		Health: func() server.Health {
			return server.Health{Status: "ok", Connected: client.Connected(), Selected: sess.Current()}
		},
		Logger: logger,
	}))

	h := &harness{
		URL:       ts.URL,
		StatePath: statePath,
		History:   hs,
		Session:   sess,
		Router:    router,
		Store:     store,
		Client:    client,
	}
	h.closeFn = func() {
		ts.Close()
		cancel()
		_ = client.Close()
		<-listenDone
		router.Close()
		_ = appState.Close()
	}
	t.Cleanup(h.Close)

	return h
}

// Close stops the stack. Safe to call more than once.
func (h *harness) Close() {
	h.closeOnce.Do(h.closeFn)
}

// mcpSession connects an MCP client over streamable HTTP.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	tr := &mcp.StreamableClientTransport{
		Endpoint:             h.URL + "/mcp",
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), tr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls name and decodes the JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	if dest != nil {
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}
}

func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}

// waitLoaded blocks until key has finished its first page.
func (h *harness) waitLoaded(t *testing.T, key string) {
	t.Helper()

	require.Eventually(t, func() bool {
		snap := h.Router.Snapshot(key)
		return snap.Loaded && !snap.Loading
	}, waitFor, tick)
}

// waitRendered blocks until the timeline of key has committed a frame
// of n rows. Results reach the cache before the refresh hook runs.
func (h *harness) waitRendered(t *testing.T, key string, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		v, err := h.Session.View(key)
		return err == nil && v.Total == n && len(v.Visible) > 0
	}, waitFor, tick)
}
