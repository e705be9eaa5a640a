package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/whatsapp-gateway/internal/model"
	"github.com/LeventeLantos/whatsapp-gateway/internal/phone"
	"github.com/LeventeLantos/whatsapp-gateway/internal/queue"
	"github.com/LeventeLantos/whatsapp-gateway/internal/ratelimit"
)

const (
	DefaultReconnectDelay = 30 * time.Second
	DefaultSendTimeout    = 30 * time.Second
	DefaultConnectTimeout = 60 * time.Second
)

// Enqueuer is the part of the queue the manager needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (model.JobHandle, error)
}

type Config struct {
	ReconnectDelay time.Duration
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: DefaultReconnectDelay,
		SendTimeout:    DefaultSendTimeout,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// Info is a point-in-time view of a session. QRPayload is nil outside
// qr_ready.
type Info struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	QRPayload    *string   `json:"qrPayload"`
	LastActivity time.Time `json:"lastActivity"`
	LastError    string    `json:"lastError,omitempty"`
}

type session struct {
	id           string
	state        State
	qrPayload    string
	lastActivity time.Time
	lastError    string
	conn         Connection

	// gen identifies the current provider connection; events tagged with an
	// older generation are dropped.
	gen uint64
	// seq counts applied transitions; a reconnect timer only fires if seq is
	// unchanged since it was armed.
	seq   uint64
	timer *time.Timer
}

func (s *session) info() Info {
	in := Info{
		ID:           s.id,
		State:        s.state,
		LastActivity: s.lastActivity,
		LastError:    s.lastError,
	}
	if s.state == StateQRReady && s.qrPayload != "" {
		qr := s.qrPayload
		in.QRPayload = &qr
	}
	return in
}

func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

type Manager struct {
	provider Provider
	store    Store
	queue    Enqueuer
	limiter  *ratelimit.Limiter
	phones   phone.Normalizer
	cfg      Config
	now      func() time.Time
	renderQR func(string) string

	mu        sync.RWMutex
	sessions  map[string]*session
	listeners []func([]Info)
	closed    bool
	// nextGen is shared by all sessions so a re-created id never reuses a
	// generation of its predecessor.
	nextGen uint64
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithQRRenderer(render func(string) string) Option {
	return func(m *Manager) { m.renderQR = render }
}

func WithPhoneNormalizer(n phone.Normalizer) Option {
	return func(m *Manager) { m.phones = n }
}

func NewManager(provider Provider, store Store, q Enqueuer, limiter *ratelimit.Limiter, cfg Config, opts ...Option) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultMaxPerMinute)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	m := &Manager{
		provider: provider,
		store:    store,
		queue:    q,
		limiter:  limiter,
		cfg:      cfg,
		now:      time.Now,
		renderQR: RenderQR,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// OnChange registers a listener that receives the full session list after
// every transition, create and close. Listeners must not block.
func (m *Manager) OnChange(fn func([]Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []Info {
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

func (m *Manager) Create(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidSessionID
	}

	gen, err := m.register(id)
	if err != nil {
		return err
	}

	if err := m.store.Save(ctx, id); err != nil {
		m.mu.Lock()
		if s, ok := m.sessions[id]; ok && s.gen == gen {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return fmt.Errorf("persisting session %s: %w", id, err)
	}

	slog.Info("session created", "session_id", id)
	m.broadcast()
	go m.connect(id, gen, false)
	return nil
}

// Restore re-creates every persisted session. Sessions that are already
// registered are skipped.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	restored := 0
	for _, id := range ids {
		gen, err := m.register(id)
		if errors.Is(err, ErrSessionAlreadyExists) {
			continue
		}
		if err != nil {
			return err
		}
		restored++
		go m.connect(id, gen, false)
	}

	slog.Info("sessions restored", "count", restored)
	if restored > 0 {
		m.broadcast()
	}
	return nil
}

func (m *Manager) register(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrManagerClosed
	}
	if _, ok := m.sessions[id]; ok {
		return 0, ErrSessionAlreadyExists
	}
	s := &session{
		id:           id,
		state:        StateInitializing,
		lastActivity: m.now(),
		gen:          m.newGenLocked(),
	}
	m.sessions[id] = s
	return s.gen, nil
}

func (m *Manager) newGenLocked() uint64 {
	m.nextGen++
	return m.nextGen
}

func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	s.stopTimer()
	conn := s.conn
	s.conn = nil
	m.mu.Unlock()

	m.limiter.Forget(id)
	closeConn(id, conn)

	if f, ok := m.provider.(Forgetter); ok {
		if err := f.Forget(ctx, id); err != nil {
			slog.Warn("removing provider credentials failed", "session_id", id, "err", err)
		}
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}

	slog.Info("session closed", "session_id", id)
	m.broadcast()
	return nil
}

// Reconnect tears down the current connection and starts a new one under the
// same id. It is a no-op for a ready session.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	return m.reconnect(id, nil)
}

func (m *Manager) reconnect(id string, armedAt *uint64) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.state == StateReady {
		m.mu.Unlock()
		return nil
	}
	if armedAt != nil && s.seq != *armedAt {
		m.mu.Unlock()
		return nil
	}

	s.stopTimer()
	old := s.conn
	s.conn = nil
	s.gen = m.newGenLocked()
	gen := s.gen
	changed := m.applyLocked(s, Event{Kind: EventReconnectStarted}, "")
	m.mu.Unlock()

	closeConn(id, old)
	if changed {
		m.broadcast()
	}

	slog.Info("session reconnecting", "session_id", id)
	go m.connect(id, gen, true)
	return nil
}

func (m *Manager) connect(id string, gen uint64, reconnecting bool) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.provider.Connect(ctx, id, m.emitter(id, gen))

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.gen != gen {
		m.mu.Unlock()
		closeConn(id, conn)
		return
	}

	changed := false
	switch {
	case err != nil:
		ev := Event{Kind: EventFailure, Reason: err.Error()}
		if reconnecting && s.state == StateReconnecting {
			ev.Kind = EventReconnectFailed
		}
		slog.Error("session connect failed", "session_id", id, "err", err)
		changed = m.applyLocked(s, ev, "")
	default:
		s.conn = conn
		if s.state == StateReconnecting {
			changed = m.applyLocked(s, Event{Kind: EventReconnectSucceeded}, "")
		}
	}
	m.mu.Unlock()

	if changed {
		m.broadcast()
	}
}

func (m *Manager) emitter(id string, gen uint64) func(Event) {
	return func(ev Event) {
		m.handleProviderEvent(id, gen, ev)
	}
}

func (m *Manager) handleProviderEvent(id string, gen uint64, ev Event) {
	var qr string
	if ev.Kind == EventQR {
		qr = m.renderQR(ev.QRCode)
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.gen != gen {
		m.mu.Unlock()
		slog.Debug("stale provider event dropped", "session_id", id, "event", ev.Kind)
		return
	}

	changed := false
	// Any event from the new connection means the reconnect went through.
	if s.state == StateReconnecting && ev.Kind.fromProvider() && ev.Kind != EventFailure {
		changed = m.applyLocked(s, Event{Kind: EventReconnectSucceeded}, "")
	}
	if m.applyLocked(s, ev, qr) {
		changed = true
	}
	m.mu.Unlock()

	if changed {
		m.broadcast()
	}
}

// applyLocked runs the state machine for s and applies the resulting
// effects. It reports whether listeners should be notified.
func (m *Manager) applyLocked(s *session, ev Event, qr string) bool {
	from := s.state
	to, effects, err := Transition(from, ev)
	if err != nil {
		slog.Warn("invalid session transition", "session_id", s.id, "err", err)
		to = StateError
		effects = []Effect{EffectClearQR, EffectRecordError, EffectBroadcast}
		ev.Reason = err.Error()
	}
	if to == from && len(effects) == 0 {
		return false
	}

	s.state = to
	s.seq++
	s.lastActivity = m.now()
	if to != StateDisconnected {
		s.stopTimer()
	}
	if to == StateReady {
		s.lastError = ""
	}

	notify := false
	for _, eff := range effects {
		switch eff {
		case EffectSetQR:
			if qr == "" {
				qr = ev.QRCode
			}
			s.qrPayload = qr
		case EffectClearQR:
			s.qrPayload = ""
		case EffectRecordError:
			s.lastError = ev.Reason
		case EffectScheduleReconnect:
			m.scheduleReconnectLocked(s)
		case EffectBroadcast:
			notify = true
		}
	}
	if to != StateQRReady {
		s.qrPayload = ""
	}

	slog.Info("session state changed", "session_id", s.id, "from", from, "to", to, "event", ev.Kind)
	return notify
}

func (m *Manager) scheduleReconnectLocked(s *session) {
	s.stopTimer()
	id, armedAt := s.id, s.seq
	s.timer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		if err := m.reconnect(id, &armedAt); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Error("scheduled reconnect failed", "session_id", id, "err", err)
		}
	})
}

// SendMessage validates the request and hands it to the queue. The session
// does not have to be ready; readiness is checked at delivery time.
func (m *Manager) SendMessage(ctx context.Context, sessionID, rawPhone, message string, scheduledAt time.Time) (model.JobHandle, error) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return model.JobHandle{}, ErrSessionNotFound
	}
	if m.phones.Normalize(rawPhone) == "" {
		return model.JobHandle{}, ErrInvalidPhone
	}
	if strings.TrimSpace(message) == "" {
		return model.JobHandle{}, ErrInvalidMessage
	}

	return m.queue.Enqueue(ctx, queue.EnqueueRequest{
		SessionID:   sessionID,
		Phone:       rawPhone,
		Message:     message,
		ScheduledAt: scheduledAt,
	})
}

// ProcessQueuedMessage delivers one job through the session's connection.
// It is called by queue workers only.
func (m *Manager) ProcessQueuedMessage(ctx context.Context, job model.Job) (model.SendResult, error) {
	m.mu.RLock()
	s, ok := m.sessions[job.SessionID]
	var (
		state State
		conn  Connection
	)
	if ok {
		state, conn = s.state, s.conn
	}
	m.mu.RUnlock()

	if !ok {
		return model.SendResult{}, &NotReadyError{SessionID: job.SessionID}
	}
	if state != StateReady || conn == nil {
		return model.SendResult{}, &NotReadyError{SessionID: job.SessionID, State: state}
	}

	if err := m.limiter.Allow(job.SessionID); err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			return model.SendResult{}, &RateLimitError{SessionID: job.SessionID, RetryAfter: exceeded.RetryAfter, Err: err}
		}
		return model.SendResult{}, err
	}

	to := m.phones.Normalize(job.Phone)
	if to == "" {
		return model.SendResult{}, queue.Permanent(ErrInvalidPhone)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	receipt, err := conn.Send(sendCtx, to, job.Message)
	if err != nil {
		return model.SendResult{}, &ProviderError{SessionID: job.SessionID, Op: "send", Err: err}
	}

	now := m.now()
	m.mu.Lock()
	if s, ok := m.sessions[job.SessionID]; ok {
		s.lastActivity = now
	}
	m.mu.Unlock()

	ts := receipt.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return model.SendResult{
		Status:            "sent",
		ProviderMessageID: receipt.ID,
		Timestamp:         ts,
	}, nil
}

// Shutdown closes every connection and stops timers. Persisted session ids
// are kept so Restore can bring them back.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	conns := make(map[string]Connection, len(sessions))
	for id, s := range sessions {
		s.stopTimer()
		s.gen = m.newGenLocked()
		if s.conn != nil {
			conns[id] = s.conn
			s.conn = nil
		}
	}
	m.mu.Unlock()

	for id, conn := range conns {
		closeConn(id, conn)
	}
	slog.Info("session manager stopped", "sessions", len(sessions))
}

func (m *Manager) broadcast() {
	m.mu.RLock()
	list := m.listLocked()
	listeners := append([]func([]Info){}, m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(list)
	}
}

func closeConn(id string, conn Connection) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		slog.Warn("closing provider connection failed", "session_id", id, "err", err)
	}
}
