package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	apperrors "github.com/alexjbarnes/timeline-sync/internal/errors"
	"github.com/alexjbarnes/timeline-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var tailRequestJSON = []byte(`{"type":"history","peer":"u1","before_id":0,"limit":200}`)

// newTestClient creates a connected Client with the mock connection
// injected.
func newTestClient(t *testing.T, conn wsConn, h Handler) *Client {
	t.Helper()

	c := New(Config{URL: "ws://history.test", Handler: h}, quietLogger)
	c.conn = conn
	c.touchLastMessage()
	c.setConnected(true)

	return c
}

func tailRequest() models.HistoryRequest {
	req := models.NewHistoryRequest(models.Target{Kind: models.KindDM, ID: "u1"}, 200)
	req.BeforeID = models.Int64(0)

	return req
}

// expectReads serves frames from in until the connection context ends.
// Closing in simulates the server dropping the connection.
func expectReads(conn *MockWSConn, in <-chan []byte) {
	conn.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
		select {
		case data, ok := <-in:
			if !ok {
				return 0, nil, errors.New("connection reset")
			}

			return websocket.MessageText, data, nil
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}).AnyTimes()
}

func listen(ctx context.Context, c *Client) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	return done
}

// --- Send / Enqueue ---

func TestEnqueue_NotConnected(t *testing.T) {
	c := New(Config{}, quietLogger)

	err := c.Enqueue(tailRequest())
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	// Send swallows the error.
	c.Send(tailRequest())
	assert.Empty(t, c.outCh)
}

func TestEnqueue_QueueFull(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestClient(t, NewMockWSConn(ctrl), NewMockHandler(ctrl))

	for range outboundChanSize {
		require.NoError(t, c.Enqueue(tailRequest()))
	}

	assert.ErrorContains(t, c.Enqueue(tailRequest()), "outbound queue full")
}

// --- Connect ---

func TestConnect_SetsReadLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	conn.EXPECT().SetReadLimit(int64(wsReadLimit))

	c := New(Config{}, quietLogger)
	c.dial = func(context.Context) (wsConn, error) { return conn, nil }

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Connected())
}

func TestConnect_DialError(t *testing.T) {
	c := New(Config{}, quietLogger)
	c.dial = func(context.Context) (wsConn, error) { return nil, errors.New("connection refused") }

	err := c.Connect(context.Background())
	assert.ErrorContains(t, err, "dialing websocket")
	assert.False(t, c.Connected())
}

// --- handleInbound ---

func TestHandleInbound_HistoryResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	c := newTestClient(t, NewMockWSConn(ctrl), h)

	var got models.HistoryResult

	h.EXPECT().HandleHistoryResult(gomock.Any()).DoAndReturn(func(res models.HistoryResult) error {
		got = res
		return nil
	})

	c.handleInbound([]byte(`{"type":"history","peer":"u1","before_id":0,"has_more":false,"rows":[{"id":7,"text":"hi","kind":"in"}]}`))

	assert.Equal(t, "u1", got.Peer)
	assert.True(t, got.IsBackward())
	require.NotNil(t, got.HasMore)
	assert.False(t, *got.HasMore)
	require.Len(t, got.Rows, 1)
	assert.Equal(t, int64(7), got.Rows[0].ID)
}

func TestHandleInbound_UntypedResult(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	c := newTestClient(t, NewMockWSConn(ctrl), h)

	h.EXPECT().HandleHistoryResult(gomock.Any()).Return(nil)

	c.handleInbound([]byte(`{"room":"g1","since_id":40,"rows":[]}`))
}

func TestHandleInbound_LiveMessage(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	c := newTestClient(t, NewMockWSConn(ctrl), h)

	h.EXPECT().HandleLiveMessage(models.LiveMessage{
		Type:    "message",
		Room:    "g1",
		Message: models.Message{ID: 9, Text: "new", Kind: models.MessageIn},
	}).Return(nil)

	c.handleInbound([]byte(`{"type":"message","room":"g1","message":{"id":9,"text":"new","kind":"in"}}`))
}

func TestHandleInbound_Skipped(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"pong", `{"type":"pong"}`},
		{"not json", `{broken`},
		{"unknown type", `{"type":"typing","peer":"u1"}`},
		{"rows wrong shape", `{"rows":"nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// No handler calls expected.
			c := newTestClient(t, NewMockWSConn(ctrl), NewMockHandler(ctrl))
			c.handleInbound([]byte(tt.data))
		})
	}
}

func TestHandleInbound_HandlerErrorIsNotFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := NewMockHandler(ctrl)
	c := newTestClient(t, NewMockWSConn(ctrl), h)

	h.EXPECT().HandleHistoryResult(gomock.Any()).Return(apperrors.ErrMalformedResult)

	assert.NotPanics(t, func() { c.handleInbound([]byte(`{"rows":[]}`)) })
}

// --- Event loop ---

func TestListen_WritesQueuedRequests(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		expectReads(conn, make(chan []byte))
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, tailRequestJSON).Return(nil)

		c := newTestClient(t, conn, NewMockHandler(ctrl))

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		c.Send(tailRequest())
		synctest.Wait()

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestListen_DispatchesInbound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		frames := make(chan []byte)
		expectReads(conn, frames)

		h := NewMockHandler(ctrl)
		h.EXPECT().HandleLiveMessage(gomock.Any()).Return(nil)
		h.EXPECT().HandleHistoryResult(gomock.Any()).Return(nil)

		c := newTestClient(t, conn, h)

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		frames <- []byte(`{"type":"message","peer":"u1","message":{"id":1}}`)
		frames <- []byte(`{"type":"pong"}`)
		frames <- []byte(`{"peer":"u1","before_id":0,"rows":[]}`)
		synctest.Wait()

		cancel()
		<-done
	})
}

func TestListen_IgnoresBinaryFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		sent := false
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(func(ctx context.Context) (websocket.MessageType, []byte, error) {
			if !sent {
				sent = true
				return websocket.MessageBinary, []byte{0x01}, nil
			}

			<-ctx.Done()

			return 0, nil, ctx.Err()
		}).AnyTimes()

		c := newTestClient(t, conn, NewMockHandler(ctrl))

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)
		synctest.Wait()

		assert.True(t, c.Connected())

		cancel()
		<-done
	})
}

func TestListen_HeartbeatPing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		expectReads(conn, make(chan []byte))
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"type":"ping"}`)).Return(nil).Times(1)

		c := newTestClient(t, conn, NewMockHandler(ctrl))

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		time.Sleep(heartbeatCheckAt + time.Second)
		synctest.Wait()

		cancel()
		<-done
	})
}

func TestListen_HeartbeatTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		expectReads(conn, make(chan []byte))
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"type":"ping"}`)).Return(nil).AnyTimes()
		conn.EXPECT().Close(websocket.StatusGoingAway, "timeout").Return(nil)

		c := newTestClient(t, conn, NewMockHandler(ctrl))
		c.dial = func(context.Context) (wsConn, error) { return nil, errors.New("auth failed (401)") }

		err := <-listen(t.Context(), c)

		assert.ErrorContains(t, err, "permanent reconnect error")
		assert.False(t, c.Connected())
	})
}

// --- Reconnect ---

func TestListen_ReconnectsAndNotifies(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)

		first := NewMockWSConn(ctrl)
		dropped := make(chan []byte)
		expectReads(first, dropped)

		second := NewMockWSConn(ctrl)
		expectReads(second, make(chan []byte))
		second.EXPECT().SetReadLimit(int64(wsReadLimit))
		second.EXPECT().Write(gomock.Any(), websocket.MessageText, tailRequestJSON).Return(nil)

		c := newTestClient(t, first, NewMockHandler(ctrl))
		c.dial = func(context.Context) (wsConn, error) { return second, nil }

		var reconnects atomic.Int32

		c.SetOnReconnect(func() {
			reconnects.Add(1)
			c.Send(tailRequest())
		})

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		close(dropped)
		synctest.Wait()

		assert.False(t, c.Connected(), "waiting out the backoff")
		assert.ErrorIs(t, c.Enqueue(tailRequest()), apperrors.ErrNotConnected)

		time.Sleep(reconnectMin * 2)
		synctest.Wait()

		assert.True(t, c.Connected())
		assert.Equal(t, int32(1), reconnects.Load())

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestListen_ReconnectBacksOff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)

		first := NewMockWSConn(ctrl)
		dropped := make(chan []byte)
		expectReads(first, dropped)

		second := NewMockWSConn(ctrl)
		expectReads(second, make(chan []byte))
		second.EXPECT().SetReadLimit(gomock.Any())

		c := newTestClient(t, first, NewMockHandler(ctrl))

		var dials atomic.Int32

		c.dial = func(context.Context) (wsConn, error) {
			if dials.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}

			return second, nil
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		close(dropped)

		// 2s, then 4s, then 8s, each with up to 50% jitter.
		time.Sleep(3 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(1), dials.Load())

		time.Sleep(30 * time.Second)
		synctest.Wait()
		assert.Equal(t, int32(3), dials.Load())
		assert.True(t, c.Connected())

		cancel()
		<-done
	})
}

func TestListen_StaleRequestsDroppedOnReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)

		first := NewMockWSConn(ctrl)
		first.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, errors.New("EOF"))
		first.EXPECT().Write(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

		second := NewMockWSConn(ctrl)
		expectReads(second, make(chan []byte))
		second.EXPECT().SetReadLimit(gomock.Any())

		c := newTestClient(t, first, NewMockHandler(ctrl))
		c.dial = func(context.Context) (wsConn, error) { return second, nil }

		// Queued before Listen starts; the loop may or may not write them
		// before it sees the read error, but none reach the second
		// connection.
		for range 3 {
			require.NoError(t, c.Enqueue(tailRequest()))
		}

		ctx, cancel := context.WithCancel(t.Context())
		done := listen(ctx, c)

		time.Sleep(reconnectMin * 2)
		synctest.Wait()

		assert.True(t, c.Connected())
		assert.Empty(t, c.outCh)

		cancel()
		<-done
	})
}

func TestListen_PermanentReadError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, errors.New("auth failed: token revoked"))

		c := newTestClient(t, conn, NewMockHandler(ctrl))

		err := <-listen(t.Context(), c)
		assert.ErrorContains(t, err, "permanent error")
	})
}

// --- Close ---

func TestClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "bye").Return(nil)

	c := newTestClient(t, conn, NewMockHandler(ctrl))

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
}

func TestClose_NeverConnected(t *testing.T) {
	c := New(Config{}, quietLogger)
	assert.NoError(t, c.Close())
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset"), false},
		{errors.New("heartbeat timeout"), false},
		{fmt.Errorf("dialing websocket: %w", errors.New("auth failed (401)")), true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, isPermanentError(tt.err), "%v", tt.err)
	}
}
