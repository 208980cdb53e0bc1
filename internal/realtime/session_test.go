package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
)

// scriptedRunner streams fixed deltas, or blocks until cancelled.
type scriptedRunner struct {
	deltas    []string
	block     bool
	started   chan services.QueryRequest
	cancelled chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, req services.QueryRequest, sink services.Sink) (*services.QueryResult, error) {
	if r.started != nil {
		r.started <- req
	}
	if strings.TrimSpace(req.Question) == "" {
		err := apperr.Validation("question is required")
		_ = sink.Fail(err)
		return nil, err
	}
	_ = sink.Start("msg-1")
	if r.block {
		<-ctx.Done()
		close(r.cancelled)
		_ = sink.Fail(ctx.Err())
		return nil, ctx.Err()
	}
	for i, d := range r.deltas {
		_ = sink.Chunk(i, d)
	}
	res := &services.QueryResult{
		MessageID: "msg-1",
		SessionID: "session-1",
		Answer:    strings.Join(r.deltas, ""),
		Sources:   []models.Citation{{SourceDocumentID: "doc-1", ChunkID: "doc-1:0"}},
		CreatedAt: time.Now().UTC(),
	}
	_ = sink.Complete(res)
	return res, nil
}

func dial(t *testing.T, runner Runner) *websocket.Conn {
	t.Helper()
	h := NewHandler(runner, Options{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, models.Scope{OwnerID: "clinician-1"})
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := read(t, conn)
	require.Equal(t, FrameConnected, hello.Type)
	require.NotNil(t, hello.Capabilities)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSessionStreamsOneMessage(t *testing.T) {
	runner := &scriptedRunner{deltas: []string{"Reduce ", "the ", "dose."}}
	conn := dial(t, runner)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameMessage, Content: "metformin in CKD?"}))

	start := read(t, conn)
	assert.Equal(t, FrameMessageStart, start.Type)
	assert.Equal(t, "msg-1", start.MessageID)

	for i := range runner.deltas {
		f := read(t, conn)
		require.Equal(t, FrameMessageChunk, f.Type)
		require.NotNil(t, f.ChunkIndex)
		assert.Equal(t, i, *f.ChunkIndex)
		assert.Equal(t, runner.deltas[i], f.Delta)
	}

	done := read(t, conn)
	assert.Equal(t, FrameMessageComplete, done.Type)
	assert.Equal(t, "Reduce the dose.", done.Content)
	assert.Equal(t, "session-1", done.SessionID)
	require.Len(t, done.Sources, 1)
}

func TestSessionReportsValidationError(t *testing.T) {
	conn := dial(t, &scriptedRunner{})

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameMessage, Content: " "}))
	f := read(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, apperr.CodeOf(apperr.Validation("x")), f.Code)
}

func TestSessionPingAndBadFrames(t *testing.T) {
	conn := dial(t, &scriptedRunner{})

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FramePing}))
	assert.Equal(t, FramePong, read(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, CodeInvalidFrame, read(t, conn).Code)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "subscribe"}))
	assert.Equal(t, CodeUnsupported, read(t, conn).Code)
}

func TestSessionRejectsConcurrentMessageAndCancelsOnDisconnect(t *testing.T) {
	runner := &scriptedRunner{block: true, started: make(chan services.QueryRequest, 2), cancelled: make(chan struct{})}
	conn := dial(t, runner)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameMessage, Content: "first", SessionID: "s-1"}))
	req := <-runner.started
	assert.Equal(t, "s-1", req.SessionID)
	assert.Equal(t, FrameMessageStart, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: FrameMessage, Content: "second"}))
	busy := read(t, conn)
	assert.Equal(t, FrameError, busy.Type)
	assert.Equal(t, CodeBusy, busy.Code)

	require.NoError(t, conn.Close())
	select {
	case <-runner.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run was not cancelled after disconnect")
	}
}

func TestMessageStreamOrdering(t *testing.T) {
	var frames []ServerFrame
	m := newMessageStream(func(f ServerFrame) error {
		frames = append(frames, f)
		return nil
	})

	assert.ErrorIs(t, m.Chunk(0, "early"), ErrNotStarted)
	require.NoError(t, m.Start("m"))
	require.NoError(t, m.Chunk(0, "a"))
	assert.Error(t, m.Chunk(2, "skip"))
	require.NoError(t, m.Chunk(1, "b"))
	require.NoError(t, m.Complete(&services.QueryResult{MessageID: "m", Answer: "ab"}))

	assert.ErrorIs(t, m.Chunk(2, "late"), ErrTerminated)
	assert.ErrorIs(t, m.Complete(&services.QueryResult{}), ErrTerminated)
	assert.ErrorIs(t, m.Fail(errors.New("x")), ErrTerminated)

	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	assert.Equal(t, []string{FrameMessageStart, FrameMessageChunk, FrameMessageChunk, FrameMessageComplete}, types)
}

func TestFailHidesInternalDetail(t *testing.T) {
	var got ServerFrame
	m := newMessageStream(func(f ServerFrame) error { got = f; return nil })
	require.NoError(t, m.Fail(apperr.Internal("db", errors.New("connection string leaked"))))
	assert.Equal(t, FrameError, got.Type)
	assert.NotContains(t, got.Message, "leaked")
}
