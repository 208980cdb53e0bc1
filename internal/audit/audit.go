// Package audit writes the append-only, hash-chained audit trail.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinical-kb-platform/internal/database"
	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/internal/telemetry"
	"clinical-kb-platform/models"
)

const defaultBuffer = 256

// Logger chains events per actor: each event carries the hash of the
// actor's previous event. Writes are insert-only.
type Logger struct {
	store   database.AuditStore
	metrics *telemetry.Metrics
	now     func() time.Time

	mu         sync.Mutex
	lastHashes map[string]string

	queue chan *models.AuditEvent
	wg    sync.WaitGroup
	once  sync.Once
}

func NewLogger(store database.AuditStore, metrics *telemetry.Metrics) *Logger {
	return &Logger{
		store:      store,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		lastHashes: make(map[string]string),
	}
}

// Start launches the background writer used by LogAsync.
func (l *Logger) Start(buffer int) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	l.queue = make(chan *models.AuditEvent, buffer)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for e := range l.queue {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Log(ctx, e); err != nil {
				logger.Error("async audit logging failed", "action", e.Action, "error", err)
			}
			cancel()
		}
	}()
}

// Close drains queued events and stops the writer.
func (l *Logger) Close() {
	l.once.Do(func() {
		if l.queue != nil {
			close(l.queue)
			l.wg.Wait()
		}
	})
}

func (l *Logger) headFor(ctx context.Context, actorID string) (string, error) {
	if h, ok := l.lastHashes[actorID]; ok {
		return h, nil
	}
	// Resume the chain after a restart.
	last, err := l.store.ListAuditEvents(ctx, actorID, 1)
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return "", nil
	}
	return last[0].CurrentHash, nil
}

// Log stamps, chains and stores the event synchronously.
func (l *Logger) Log(ctx context.Context, e *models.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.headFor(ctx, e.ActorID)
	if err != nil {
		return fmt.Errorf("load audit chain head: %w", err)
	}
	e.PreviousHash = prev
	e.Timestamp = l.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CurrentHash = e.ComputeHash()

	if err := l.store.InsertAuditEvent(ctx, e); err != nil {
		return err
	}
	l.lastHashes[e.ActorID] = e.CurrentHash
	l.metrics.RecordAuditEvent(e.Action, e.Resource)
	logger.Debug("audit event logged", "action", e.Action, "resource", e.Resource, "resource_id", e.ResourceID)
	return nil
}

// LogAsync queues the event. It falls back to a synchronous write when the
// writer is not running or the buffer is full.
func (l *Logger) LogAsync(e *models.AuditEvent) {
	if l.queue != nil {
		select {
		case l.queue <- e:
			return
		default:
		}
	}
	if err := l.Log(context.Background(), e); err != nil {
		logger.Error("audit logging failed", "action", e.Action, "error", err)
	}
}

// Record is shorthand for the common case.
func (l *Logger) Record(actorID, action, resource, resourceID, requestID string, success bool, detail map[string]string) {
	if l == nil {
		return
	}
	l.LogAsync(&models.AuditEvent{
		ActorID:    actorID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		RequestID:  requestID,
		Success:    success,
		Detail:     detail,
	})
}

// VerifyChain recomputes every hash for the actor. It returns the number of
// events checked and the ID of the first broken event, if any.
func (l *Logger) VerifyChain(ctx context.Context, actorID string) (int, string, error) {
	events, err := l.store.ListAuditEvents(ctx, actorID, 0)
	if err != nil {
		return 0, "", err
	}
	var previous string
	for i, e := range events {
		if i > 0 && e.PreviousHash != previous {
			logger.Warn("audit chain broken", "event_id", e.ID, "reason", "previous hash mismatch")
			return i, e.ID, nil
		}
		if e.CurrentHash != e.ComputeHash() {
			logger.Warn("audit chain broken", "event_id", e.ID, "reason", "hash mismatch")
			return i, e.ID, nil
		}
		previous = e.CurrentHash
	}
	return len(events), "", nil
}

// Events returns the newest limit events for the actor, oldest first.
func (l *Logger) Events(ctx context.Context, actorID string, limit int) ([]*models.AuditEvent, error) {
	return l.store.ListAuditEvents(ctx, actorID, limit)
}
