package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const operationReconnect = "reconnect"

const (
	requestQueued int32 = iota
	requestStarted
	requestAbandoned
)

type SessionStatus struct {
	Online            bool
	LastConnectedAt   *time.Time
	LastLostAt        *time.Time
	ReconnectAttempts int
	QueueDepth        int
	Processed         int64
	LastError         string
}

type sessionRequest struct {
	ctx      context.Context
	identity string
	op       Operation
	reply    chan Outcome
	state    atomic.Int32
}

// claim marks the request as started; replayed requests are already started.
func (r *sessionRequest) claim() bool {
	if r.state.CompareAndSwap(requestQueued, requestStarted) {
		return true
	}
	return r.state.Load() == requestStarted
}

func (r *sessionRequest) abandon() bool {
	return r.state.CompareAndSwap(requestQueued, requestAbandoned)
}

// SessionSerializer owns the delivery session. A single worker goroutine
// drains a request queue so the capability never sees concurrent calls.
type SessionSerializer struct {
	capability DeliveryCapability
	config     SessionConfig
	pacer      CallPacer
	logger     Logger
	now        func() time.Time

	requests  chan *sessionRequest
	quit      chan struct{}
	done      chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	depth     atomic.Int64

	mu     sync.RWMutex
	status SessionStatus
}

type SerializerOption func(*SessionSerializer)

func WithSerializerLogger(logger Logger) SerializerOption {
	return func(s *SessionSerializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSerializerPacer(pacer CallPacer) SerializerOption {
	return func(s *SessionSerializer) {
		s.pacer = pacer
	}
}

func WithSerializerClock(now func() time.Time) SerializerOption {
	return func(s *SessionSerializer) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSessionSerializer(capability DeliveryCapability, cfg SessionConfig, opts ...SerializerOption) (*SessionSerializer, error) {
	if capability == nil {
		return nil, fmt.Errorf("core: delivery capability is required")
	}
	defaults := DefaultConfig().Session
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = defaults.ReconnectMaxAttempts
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &SessionSerializer{
		capability: capability,
		config:     cfg,
		logger:     glog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
		requests:   make(chan *sessionRequest, cfg.QueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		runCtx:     runCtx,
		cancelRun:  cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Submit queues op for identity and waits for its outcome. A caller whose
// context ends while the request is still queued gets a transient failure and
// the request is dropped; once started, the outcome is always awaited.
func (s *SessionSerializer) Submit(ctx context.Context, identity string, op Operation) Outcome {
	if s == nil || s.capability == nil {
		return permanentOutcome("session serializer is not configured")
	}
	if op.Run == nil {
		return permanentOutcome("operation is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.start()

	req := &sessionRequest{
		ctx:      ctx,
		identity: strings.TrimSpace(identity),
		op:       op,
		reply:    make(chan Outcome, 1),
	}
	s.depth.Add(1)
	select {
	case <-s.quit:
		s.depth.Add(-1)
		return transientOutcome(ErrSerializerClosed.Error())
	default:
	}
	select {
	case s.requests <- req:
	case <-ctx.Done():
		s.depth.Add(-1)
		return transientOutcome("cancelled before queueing: " + ctx.Err().Error())
	case <-s.quit:
		s.depth.Add(-1)
		return transientOutcome(ErrSerializerClosed.Error())
	}

	select {
	case out := <-req.reply:
		return out
	case <-ctx.Done():
		if req.abandon() {
			return transientOutcome("cancelled while queued: " + ctx.Err().Error())
		}
		return <-req.reply
	case <-s.done:
		select {
		case out := <-req.reply:
			return out
		default:
		}
		if req.abandon() {
			return transientOutcome(ErrSerializerClosed.Error())
		}
		return <-req.reply
	}
}

// MarkLost records an externally observed session loss; the next operation
// triggers recovery.
func (s *SessionSerializer) MarkLost(reason string) {
	if s == nil {
		return
	}
	s.markOffline(errors.New(strings.TrimSpace(reason)))
}

// Reconnect queues a no-op behind pending work so an offline session is
// re-established on the worker.
func (s *SessionSerializer) Reconnect(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: session serializer is not configured")
	}
	out := s.Submit(ctx, "", Operation{
		Name:       operationReconnect,
		Idempotent: true,
		Run: func(context.Context, DeliveryCapability, string) (any, error) {
			return nil, nil
		},
	})
	if out.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSessionUnavailable, out.Reason)
}

func (s *SessionSerializer) Status() SessionStatus {
	if s == nil {
		return SessionStatus{}
	}
	s.mu.RLock()
	status := s.status
	status.LastConnectedAt = cloneTime(s.status.LastConnectedAt)
	status.LastLostAt = cloneTime(s.status.LastLostAt)
	s.mu.RUnlock()
	status.QueueDepth = int(s.depth.Load())
	return status
}

func (s *SessionSerializer) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.quit)
		s.cancelRun()
	})
	if !s.started.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SessionSerializer) start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
}

func (s *SessionSerializer) run() {
	defer close(s.done)
	var backlog []*sessionRequest
	for {
		var req *sessionRequest
		if len(backlog) > 0 {
			select {
			case <-s.quit:
				s.drain(backlog)
				return
			default:
			}
			req, backlog = backlog[0], backlog[1:]
		} else {
			select {
			case <-s.quit:
				s.drain(nil)
				return
			case req = <-s.requests:
			}
		}

		if !req.claim() {
			s.depth.Add(-1)
			continue
		}
		if err := s.ensureSession(); err != nil {
			s.finish(req, transientOutcome(err.Error()))
			for _, pending := range backlog {
				s.finish(pending, transientOutcome(err.Error()))
			}
			backlog = nil
			continue
		}

		outcome, lost := s.execute(req)
		if lost && req.op.Idempotent && req.ctx.Err() == nil {
			s.logger.Warn("delivery session lost, operation queued for replay",
				"operation", req.op.Name, "identity", req.identity)
			backlog = append([]*sessionRequest{req}, backlog...)
			continue
		}
		s.finish(req, outcome)
	}
}

func (s *SessionSerializer) execute(req *sessionRequest) (Outcome, bool) {
	ctx := req.ctx
	if s.config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.OperationTimeout)
		defer cancel()
	}
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return transientOutcome("session pacing: " + err.Error()), false
		}
	}
	data, err := req.op.Run(ctx, s.capability, req.identity)
	if err == nil {
		return successOutcome(data), false
	}
	if errors.Is(err, ErrSessionLost) {
		s.markOffline(err)
		return transientOutcome(err.Error()), true
	}
	return classifyFailure(err), false
}

// ensureSession reconnects with a linear backoff capped at ReconnectMaxDelay.
func (s *SessionSerializer) ensureSession() error {
	s.mu.RLock()
	online := s.status.Online
	s.mu.RUnlock()
	if online {
		return nil
	}
	connector, ok := s.capability.(SessionConnector)
	if !ok {
		s.markOnline(0)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.config.ReconnectMaxAttempts; attempt++ {
		ctx := s.runCtx
		cancel := func() {}
		if s.config.OperationTimeout > 0 {
			ctx, cancel = context.WithTimeout(s.runCtx, s.config.OperationTimeout)
		}
		err := connector.Connect(ctx)
		cancel()
		if err == nil {
			s.markOnline(attempt)
			return nil
		}
		lastErr = err
		s.recordReconnectFailure(attempt, err)
		s.logger.Warn("delivery session reconnect failed", "attempt", attempt, "error", err.Error())
		if attempt == s.config.ReconnectMaxAttempts {
			break
		}
		delay := s.config.ReconnectBaseDelay * time.Duration(attempt)
		if delay > s.config.ReconnectMaxDelay {
			delay = s.config.ReconnectMaxDelay
		}
		if waitErr := waitWithContext(s.runCtx, delay); waitErr != nil {
			lastErr = waitErr
			break
		}
	}
	s.logger.Error("delivery session unavailable", "error", fmt.Sprint(lastErr))
	return fmt.Errorf("%w: %v", ErrSessionUnavailable, lastErr)
}

func (s *SessionSerializer) markOnline(attempts int) {
	now := s.now()
	s.mu.Lock()
	s.status.Online = true
	s.status.LastConnectedAt = &now
	s.status.ReconnectAttempts = attempts
	s.status.LastError = ""
	s.mu.Unlock()
}

func (s *SessionSerializer) markOffline(cause error) {
	now := s.now()
	s.mu.Lock()
	s.status.Online = false
	s.status.LastLostAt = &now
	if cause != nil {
		s.status.LastError = cause.Error()
	}
	s.mu.Unlock()
}

func (s *SessionSerializer) recordReconnectFailure(attempt int, err error) {
	s.mu.Lock()
	s.status.ReconnectAttempts = attempt
	s.status.LastError = err.Error()
	s.mu.Unlock()
}

func (s *SessionSerializer) finish(req *sessionRequest, outcome Outcome) {
	req.reply <- outcome
	s.depth.Add(-1)
	s.mu.Lock()
	s.status.Processed++
	s.mu.Unlock()
}

func (s *SessionSerializer) drain(backlog []*sessionRequest) {
	closed := transientOutcome(ErrSerializerClosed.Error())
	for _, req := range backlog {
		s.finish(req, closed)
	}
	for {
		select {
		case req := <-s.requests:
			if req.claim() {
				s.finish(req, closed)
				continue
			}
			s.depth.Add(-1)
		default:
			return
		}
	}
}
