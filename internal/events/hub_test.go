package events

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func inProgress() models.SyncPayload {
	return models.SyncPayload{Status: models.StatusInProgress}
}

func finished() models.SyncPayload {
	return models.SyncPayload{Status: models.StatusFinished}
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub(quietLogger)

	a, cancelA := h.Subscribe()
	defer cancelA()
	b, cancelB := h.Subscribe()
	defer cancelB()

	h.Emit(models.EventSync, inProgress())

	assert.Equal(t, Message{Event: models.EventSync, Payload: inProgress()}, receive(t, a))
	assert.Equal(t, Message{Event: models.EventSync, Payload: inProgress()}, receive(t, b))
}

func TestHub_ReplaysLast(t *testing.T) {
	h := NewHub(quietLogger)

	_, ok := h.Last()
	assert.False(t, ok)

	h.Emit(models.EventSync, inProgress())
	h.Emit(models.EventSync, models.ErrorPayload("boom"))

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, models.StatusError, last.Payload.Status)

	ch, cancel := h.Subscribe()
	defer cancel()

	msg := receive(t, ch)
	require.NotNil(t, msg.Payload.ErrorMessage)
	assert.Equal(t, "boom", *msg.Payload.ErrorMessage)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(quietLogger)

	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			h.Emit(models.EventSync, finished())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber")
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	h := NewHub(quietLogger)

	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, h.Subscribers())

	_, ok := <-ch
	assert.False(t, ok)

	h.Emit(models.EventSync, finished())
}

func TestHub_Close(t *testing.T) {
	h := NewHub(quietLogger)

	ch, cancel := h.Subscribe()
	h.Close()

	_, ok := <-ch
	assert.False(t, ok)
	cancel()

	late, cancelLate := h.Subscribe()
	defer cancelLate()
	_, ok = <-late
	assert.False(t, ok)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))

	return msg
}

func waitForSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Subscribers() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_StreamsEvents(t *testing.T) {
	h := NewHub(quietLogger)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	waitForSubscribers(t, h, 1)

	h.Emit(models.EventSync, inProgress())
	h.Emit(models.EventSync, finished())

	assert.Equal(t, models.StatusInProgress, readMessage(t, conn).Payload.Status)

	msg := readMessage(t, conn)
	assert.Equal(t, models.EventSync, msg.Event)
	assert.Equal(t, models.StatusFinished, msg.Payload.Status)
}

func TestHandler_WireFormat(t *testing.T) {
	h := NewHub(quietLogger)
	h.Emit(models.EventSync, models.ErrorPayload("token expired"))

	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	assert.JSONEq(t, `{"event":"sync_event","payload":{"status":"Error","error_message":"token expired"}}`, string(data))
}

func TestHandler_DisconnectUnsubscribes(t *testing.T) {
	h := NewHub(quietLogger)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	waitForSubscribers(t, h, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitForSubscribers(t, h, 0)
}

func TestHandler_HubCloseEndsStream(t *testing.T) {
	h := NewHub(quietLogger)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv.URL)
	waitForSubscribers(t, h, 1)

	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
