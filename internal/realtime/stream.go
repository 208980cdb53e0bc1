package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"clinical-kb-platform/internal/apperr"
	"clinical-kb-platform/services"
)

var (
	ErrTerminated = errors.New("message already terminated")
	ErrNotStarted = errors.New("message not started")
)

// messageStream turns one orchestrator run into frames. Chunk indexes must
// arrive in order and exactly one terminal frame is written.
type messageStream struct {
	mu         sync.Mutex
	send       func(ServerFrame) error
	now        func() time.Time
	messageID  string
	next       int
	terminated bool
}

func newMessageStream(send func(ServerFrame) error) *messageStream {
	return &messageStream{send: send, now: func() time.Time { return time.Now().UTC() }}
}

func (m *messageStream) Start(messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	m.messageID = messageID
	return m.send(ServerFrame{Type: FrameMessageStart, MessageID: messageID, Timestamp: m.now()})
}

func (m *messageStream) Chunk(index int, delta string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.terminated:
		return ErrTerminated
	case m.messageID == "":
		return ErrNotStarted
	case index != m.next:
		return fmt.Errorf("chunk index %d out of order, expected %d", index, m.next)
	}
	i := index
	if err := m.send(ServerFrame{Type: FrameMessageChunk, MessageID: m.messageID, ChunkIndex: &i, Delta: delta, Timestamp: m.now()}); err != nil {
		return err
	}
	m.next++
	return nil
}

func (m *messageStream) Complete(res *services.QueryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	m.terminated = true
	return m.send(ServerFrame{
		Type:        FrameMessageComplete,
		MessageID:   res.MessageID,
		SessionID:   res.SessionID,
		Content:     res.Answer,
		Sources:     res.Sources,
		Degraded:    res.Degraded,
		PHIDetected: res.PHIDetected,
		Strategy:    res.Strategy,
		Timestamp:   res.CreatedAt,
	})
}

func (m *messageStream) Fail(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated {
		return ErrTerminated
	}
	m.terminated = true
	return m.send(ServerFrame{
		Type:      FrameError,
		MessageID: m.messageID,
		Code:      apperr.CodeOf(err),
		Message:   apperr.PublicMessage(err),
		Timestamp: m.now(),
	})
}
