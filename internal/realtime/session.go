package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"clinical-kb-platform/internal/logger"
	"clinical-kb-platform/models"
	"clinical-kb-platform/services"
)

var errClosed = errors.New("connection closed")

// Runner executes one question. *services.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req services.QueryRequest, sink services.Sink) (*services.QueryResult, error)
}

type Options struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxFrameBytes   int64
	MaxMessageChars int
	AllowedOrigins  []string
}

func (o *Options) withDefaults() {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.MaxMessageChars <= 0 {
		o.MaxMessageChars = 4000
	}
}

// Handler upgrades authenticated requests and runs one Session per
// connection.
type Handler struct {
	runner   Runner
	opts     Options
	upgrader websocket.Upgrader
	active   atomic.Int64
}

func NewHandler(runner Runner, opts Options) *Handler {
	opts.withDefaults()
	h := &Handler{runner: runner, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Active is the number of open connections.
func (h *Handler) Active() int64 { return h.active.Load() }

// Serve blocks until the connection closes. The caller has already
// authenticated the request and resolved scope.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, scope models.Scope) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		runner:     h.runner,
		opts:       h.opts,
		scope:      scope,
		out:        make(chan ServerFrame, 64),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.serve(r.Context())
}

// Session is one client connection. A single goroutine writes to the
// connection; the reader loop runs on the caller's goroutine.
type Session struct {
	id     string
	conn   *websocket.Conn
	runner Runner
	opts   Options
	scope  models.Scope

	out        chan ServerFrame
	stop       chan struct{}
	writerDone chan struct{}

	busy atomic.Bool
	wg   sync.WaitGroup

	mu            sync.Mutex
	lastSessionID string
}

func (s *Session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	log := logger.With("connection_id", s.id, "owner", logger.HashID(s.scope.OwnerID))
	log.Info("realtime session opened")

	go s.writeLoop()
	_ = s.send(ServerFrame{
		Type:         FrameConnected,
		ConnectionID: s.id,
		Capabilities: &Capabilities{
			Streaming:       true,
			MaxMessageChars: s.opts.MaxMessageChars,
			Strategies:      services.StrategyNames(),
			PHIRouting:      true,
		},
		Timestamp: time.Now().UTC(),
	})

	err := s.readLoop(ctx)
	// The client is gone; abandon whatever is in flight.
	cancel()
	s.wg.Wait()
	close(s.stop)
	<-s.writerDone
	_ = s.conn.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("realtime session read ended", "error", err)
	}
	log.Info("realtime session closed")
}

func (s *Session) readLoop(ctx context.Context) error {
	s.conn.SetReadLimit(s.opts.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			_ = s.sendError(CodeInvalidFrame, "frame is not valid JSON")
			continue
		}
		switch f.Type {
		case FramePing:
			_ = s.send(ServerFrame{Type: FramePong, Timestamp: time.Now().UTC()})
		case FrameMessage:
			s.startMessage(ctx, f)
		default:
			_ = s.sendError(CodeUnsupported, "unsupported frame type "+f.Type)
		}
	}
}

// startMessage runs f in the background. Only one message may be in
// flight per connection; extra messages are rejected, not queued.
func (s *Session) startMessage(ctx context.Context, f ClientFrame) {
	if !s.busy.CompareAndSwap(false, true) {
		_ = s.sendError(CodeBusy, "a message is already being answered")
		return
	}
	sessionID := f.SessionID
	if sessionID == "" {
		s.mu.Lock()
		sessionID = s.lastSessionID
		s.mu.Unlock()
	}
	req := services.QueryRequest{
		RequestID:         uuid.NewString(),
		Scope:             s.scope,
		SessionID:         sessionID,
		Question:          f.Content,
		DocumentIDs:       f.ContextDocuments,
		Filters:           f.Filters,
		ClinicalContextID: f.ClinicalContextID,
		Strategy:          f.Strategy,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		res, err := s.runner.Run(ctx, req, newMessageStream(s.send))
		if err == nil && res != nil {
			s.mu.Lock()
			s.lastSessionID = res.SessionID
			s.mu.Unlock()
		}
	}()
}

func (s *Session) send(f ServerFrame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.writerDone:
		return errClosed
	}
}

func (s *Session) sendError(code, message string) error {
	return s.send(ServerFrame{Type: FrameError, Code: code, Message: message, Timestamp: time.Now().UTC()})
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.out:
			if err := s.write(f); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.stop:
			// Flush terminal frames queued before shutdown.
			for {
				select {
				case f := <-s.out:
					if err := s.write(f); err != nil {
						return
					}
				default:
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(s.opts.WriteWait))
					return
				}
			}
		}
	}
}

func (s *Session) write(f ServerFrame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return s.conn.WriteJSON(f)
}
