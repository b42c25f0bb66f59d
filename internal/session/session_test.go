package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alexjbarnes/timeline-sync/internal/cache"
	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/history"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	rowH     = 56.0
	viewport = 720.0
)

var alice = models.Target{Kind: models.KindDM, ID: "alice"}

type outbox struct {
	mu   sync.Mutex
	reqs []models.HistoryRequest
}

func (o *outbox) Send(req models.HistoryRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, req)
}

func (o *outbox) take() []models.HistoryRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.reqs
	o.reqs = nil
	return out
}

func newTestSession(t *testing.T) (*Session, *outbox) {
	t.Helper()

	caps := models.DefaultDeviceCaps()
	caps.PrefetchAllowed = false

	store := cache.New(nil, quietLogger)
	out := &outbox{}
	router := history.New(history.Config{Sender: out, Store: store, Caps: caps}, quietLogger)
	t.Cleanup(router.Close)

	s := New(Config{
		Router:   router,
		Store:    store,
		Viewport: viewport,
		Estimate: func(models.Message) float64 { return rowH },
	}, quietLogger)

	return s, out
}

func page(peer string, before int64, hasMore bool, from, to int64) models.HistoryResult {
	res := models.HistoryResult{
		Peer:     peer,
		BeforeID: models.Int64(before),
		HasMore:  models.Bool(hasMore),
	}

	for id := from; id <= to; id++ {
		res.Rows = append(res.Rows, models.Message{ID: id, Text: "m", Kind: models.MessageIn})
	}

	return res
}

// openLoaded opens alice and answers the tail request with ids 101..150.
func openLoaded(t *testing.T, s *Session, out *outbox) {
	t.Helper()

	_, err := s.Open(alice)
	require.NoError(t, err)

	reqs := out.take()
	require.Len(t, reqs, 1)
	require.Equal(t, int64(0), *reqs[0].BeforeID)

	require.NoError(t, s.HandleHistoryResult(page("alice", 0, true, 101, 150)))
}

func TestOpen_ColdThenTailRendersPinned(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	v, err := s.View(alice.Key())
	require.NoError(t, err)

	assert.Equal(t, 50, v.Total)
	assert.True(t, v.Sticky)
	assert.Equal(t, 50*rowH-viewport, v.ScrollTop)
	require.NotEmpty(t, v.Visible)
	assert.Equal(t, int64(150), v.Visible[len(v.Visible)-1].ID)
}

func TestOpen_InvalidTarget(t *testing.T) {
	s, out := newTestSession(t)

	_, err := s.Open(models.Target{Kind: "channel", ID: "x"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidTarget)
	assert.Empty(t, out.take())
}

func TestScroll_NearTopLoadsOlderAndKeepsPosition(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	before, err := s.Scroll(alice.Key(), 100)
	require.NoError(t, err)

	reqs := out.take()
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].BeforeID)
	assert.Equal(t, int64(101), *reqs[0].BeforeID)

	require.NoError(t, s.HandleHistoryResult(page("alice", 101, true, 81, 100)))

	after, err := s.View(alice.Key())
	require.NoError(t, err)

	assert.Equal(t, 70, after.Total)
	assert.Equal(t, before.ScrollTop+20*rowH, after.ScrollTop)
	assert.Equal(t, before.Visible[0].ID, after.Visible[0].ID)
	assert.True(t, after.Suppressed)
}

func TestScroll_NegativeRepins(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	_, err := s.Scroll(alice.Key(), 600)
	require.NoError(t, err)

	v, err := s.Scroll(alice.Key(), -1)
	require.NoError(t, err)

	assert.True(t, v.Sticky)
	assert.Equal(t, 50*rowH-viewport, v.ScrollTop)
}

func TestScroll_NotOpen(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Scroll("dm:bob", 0)
	assert.ErrorIs(t, err, apperrors.ErrUnknownConversation)

	_, err = s.View("")
	assert.ErrorIs(t, err, apperrors.ErrUnknownConversation)
}

func TestLiveMessage_IncomingKeepsScrolledPosition(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	_, err := s.Scroll(alice.Key(), 600)
	require.NoError(t, err)

	require.NoError(t, s.HandleLiveMessage(models.LiveMessage{
		Type:    "message",
		Peer:    "alice",
		Message: models.Message{ID: 151, Kind: models.MessageIn},
	}))

	v, err := s.View(alice.Key())
	require.NoError(t, err)
	assert.Equal(t, 51, v.Total)
	assert.False(t, v.Sticky)
	assert.Equal(t, 600.0, v.ScrollTop)
}

func TestLiveMessage_OwnMessageRepins(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	_, err := s.Scroll(alice.Key(), 600)
	require.NoError(t, err)

	require.NoError(t, s.HandleLiveMessage(models.LiveMessage{
		Type:    "message",
		Peer:    "alice",
		Message: models.Message{LocalID: "tmp-1", Kind: models.MessageOut},
	}))

	v, err := s.View(alice.Key())
	require.NoError(t, err)
	assert.True(t, v.Sticky)
	assert.Equal(t, 51*rowH-viewport, v.ScrollTop)
}

func TestLiveMessage_OtherConversationLeavesViewAlone(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	_, err := s.Scroll(alice.Key(), 600)
	require.NoError(t, err)

	require.NoError(t, s.HandleLiveMessage(models.LiveMessage{
		Type:    "message",
		Peer:    "bob",
		Message: models.Message{ID: 5, Kind: models.MessageOut},
	}))

	v, err := s.View(alice.Key())
	require.NoError(t, err)
	assert.False(t, v.Sticky)
	assert.Equal(t, 600.0, v.ScrollTop)
	assert.Equal(t, 1, s.Store().Len("dm:bob"))
}

func TestMediaLoaded_CorrectsAboveViewport(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	_, err := s.Scroll(alice.Key(), 1000)
	require.NoError(t, err)

	v, err := s.MediaLoaded(alice.Key(), "id:105", rowH+100)
	require.NoError(t, err)
	assert.Equal(t, 1100.0, v.ScrollTop)
}

func TestAddressedTo(t *testing.T) {
	tests := []struct {
		key  string
		msg  models.LiveMessage
		want bool
	}{
		{"dm:alice", models.LiveMessage{Peer: "alice"}, true},
		{"dm:alice", models.LiveMessage{Peer: "bob"}, false},
		{"group:team", models.LiveMessage{Room: "team"}, true},
		{"board:team", models.LiveMessage{Room: "team"}, true},
		{"dm:team", models.LiveMessage{Room: "team"}, false},
		{"group:team", models.LiveMessage{Peer: "team"}, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, addressedTo(tt.key, tt.msg), "%s %+v", tt.key, tt.msg)
	}
}

func TestReset(t *testing.T) {
	s, out := newTestSession(t)
	openLoaded(t, s, out)

	s.Reset()

	assert.Empty(t, s.Current())
	assert.Zero(t, s.Store().Len(alice.Key()))

	_, ok := s.Router().Selected()
	assert.False(t, ok)
}

func TestOpen_NotifiesOnOpen(t *testing.T) {
	caps := models.DefaultDeviceCaps()
	caps.PrefetchAllowed = false

	store := cache.New(nil, quietLogger)
	router := history.New(history.Config{Sender: &outbox{}, Store: store, Caps: caps}, quietLogger)
	t.Cleanup(router.Close)

	var opened []string

	s := New(Config{
		Router:   router,
		Store:    store,
		Viewport: viewport,
		OnOpen:   func(key string) { opened = append(opened, key) },
	}, quietLogger)

	_, err := s.Open(alice)
	require.NoError(t, err)

	_, err = s.Open(models.Target{Kind: "channel", ID: "x"})
	require.Error(t, err)

	assert.Equal(t, []string{"dm:alice"}, opened)
}
