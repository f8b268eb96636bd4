package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logsentry/backend/internal/stream"
)

// stubBus scripts the tail responses a subscriber loop sees. Each Tail
// call consumes the next batch; an exhausted script blocks for the tail
// interval and returns nothing, like an idle stream.
type stubBus struct {
	mu      sync.Mutex
	latest  string
	batches [][]stream.Entry
	errs    []error
	tails   []string // afterID of every Tail call, for cursor assertions
}

func (s *stubBus) Append(ctx context.Context, streamName string, fields map[string]any) (string, error) {
	return "", errors.New("not used")
}

func (s *stubBus) LatestID(ctx context.Context, streamName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == "" {
		return stream.ZeroID, nil
	}
	return s.latest, nil
}

func (s *stubBus) Tail(ctx context.Context, streamName, afterID string, block time.Duration, count int64) ([]stream.Entry, error) {
	s.mu.Lock()
	s.tails = append(s.tails, afterID)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return nil, err
	}
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (s *stubBus) EnsureExists(ctx context.Context, streamName string) error { return nil }

func (s *stubBus) tailCursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tails...)
}

func dial(t *testing.T, f *Fanout) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(f.EventsHandler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscriberReceivesNewEntries(t *testing.T) {
	bus := &stubBus{
		latest: "5-0",
		batches: [][]stream.Entry{{
			{ID: "6-0", Fields: map[string]string{"src_ip": "1.2.3.4"}},
			{ID: "7-0", Fields: map[string]string{"src_ip": "5.6.7.8"}},
		}},
	}
	conn := dial(t, NewFanout(bus, 50*time.Millisecond, nil))

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", data["src_ip"])

	msg = readMessage(t, conn)
	assert.Equal(t, "event", msg.Type)

	// With the script exhausted the loop degrades to idle pings.
	msg = readMessage(t, conn)
	assert.Equal(t, "ping", msg.Type)

	// The first tail starts at the connect-time latest id; after the batch
	// the cursor sits on the last delivered entry.
	cursors := bus.tailCursors()
	require.NotEmpty(t, cursors)
	assert.Equal(t, "5-0", cursors[0])
	assert.Equal(t, "7-0", cursors[len(cursors)-1])
}

func TestSubscriberStartsAtLatestNotHistory(t *testing.T) {
	// Entries older than the connect-time cursor are never replayed.
	bus := &stubBus{latest: "9-0"}
	conn := dial(t, NewFanout(bus, 50*time.Millisecond, nil))

	msg := readMessage(t, conn)
	assert.Equal(t, "ping", msg.Type)

	cursors := bus.tailCursors()
	require.NotEmpty(t, cursors)
	assert.Equal(t, "9-0", cursors[0])
}

func TestSubscriberToldWhenBackendDown(t *testing.T) {
	bus := &stubBus{errs: []error{errors.New("connection refused")}}
	conn := dial(t, NewFanout(bus, 50*time.Millisecond, nil))

	msg := readMessage(t, conn)
	require.Equal(t, "status", msg.Type)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "down", data["backend"])
	assert.Equal(t, stream.EventStream, data["stream"])
}

func TestPingOnIdleStream(t *testing.T) {
	conn := dial(t, NewFanout(&stubBus{}, 20*time.Millisecond, nil))

	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		assert.Equal(t, "ping", msg.Type)
	}
}
