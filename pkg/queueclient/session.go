package queueclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// API is the slice of the coordinator a Session needs. *Client satisfies it.
type API interface {
	CheckActiveOrder(ctx context.Context, employeeID, productID string) (CheckResult, error)
	Join(ctx context.Context, employeeID, productID string) (JoinResult, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
	Cancel(ctx context.Context, jobID, employeeID string) (CancelResult, error)
}

type Phase string

const (
	PhaseIdle      Phase = ""
	PhaseLoading   Phase = "loading"
	PhaseBlocked   Phase = "blocked"
	PhaseWaiting   Phase = "waiting"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

func (p Phase) Terminal() bool {
	switch p {
	case PhaseBlocked, PhaseDone, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// State is what the UI renders.
type State struct {
	Phase    Phase
	JobID    string
	Ticket   int64
	Position int64  // waiting only; never increases
	OrderID  string // done only
	Reason   string // server reason for a failed job
	Err      error  // transport or rejection error behind a failure
}

const DefaultPollInterval = 2500 * time.Millisecond

type SessionOptions struct {
	PollInterval time.Duration
	Clock        Clock
	Logger       *zap.Logger

	// KeepOnCancel leaves the job on the server when the user cancels;
	// by default Cancel releases it so the line moves at once.
	KeepOnCancel bool

	OnChange  func(State)
	OnRelease func(orderID string)
}

// Session drives one employee through the line for one product:
// check, join, then poll until released, refused or cancelled.
type Session struct {
	api        API
	employeeID string
	productID  string
	opts       SessionOptions
	clock      Clock
	log        *zap.Logger

	started atomic.Bool

	mu       sync.Mutex
	state    State
	timer    Timer
	closed   bool
	released bool
	ctx      context.Context
	cancel   context.CancelFunc

	doneOnce sync.Once
	done     chan struct{}
}

func NewSession(api API, employeeID, productID string, opts SessionOptions) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		api:        api,
		employeeID: employeeID,
		productID:  productID,
		opts:       opts,
		clock:      clock,
		log:        log.With(zap.String("employee", employeeID), zap.String("product", productID)),
		done:       make(chan struct{}),
	}
}

// Start checks for an active order and joins the line. It returns once the
// session is waiting or has ended; polling then continues in the background.
// A session starts at most once.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = State{Phase: PhaseLoading}
	st := s.state
	s.mu.Unlock()
	s.publish(st)

	chk, err := s.api.CheckActiveOrder(s.ctx, s.employeeID, s.productID)
	if s.abandoned() {
		return nil
	}
	if err != nil {
		s.finish(State{Phase: PhaseFailed, Err: err})
		return nil
	}
	if chk.HasActiveOrder {
		s.finish(State{Phase: PhaseBlocked, JobID: chk.JobID, OrderID: chk.OrderID})
		return nil
	}

	jr, err := s.api.Join(s.ctx, s.employeeID, s.productID)
	if err != nil {
		if s.abandoned() {
			return nil
		}
		if IsRejected(err, CodeActiveOrder) {
			s.finish(State{Phase: PhaseBlocked, Err: err})
		} else {
			s.finish(State{Phase: PhaseFailed, Err: err})
		}
		return nil
	}

	s.mu.Lock()
	if s.closed || s.state.Phase != PhaseLoading {
		// cancelled or closed while the join was in flight: the job exists
		// on the server but nobody will poll it
		release := s.state.Phase == PhaseCancelled && !s.opts.KeepOnCancel
		s.mu.Unlock()
		if release {
			s.releaseJob(jr.JobID)
		}
		return nil
	}
	s.state = State{Phase: PhaseWaiting, JobID: jr.JobID, Ticket: jr.Ticket, Position: jr.Position}
	st = s.state
	s.arm()
	s.mu.Unlock()

	s.log.Debug("joined", zap.String("job_id", jr.JobID), zap.Int64("ticket", jr.Ticket), zap.Int64("position", jr.Position))
	s.publish(st)
	return nil
}

// arm schedules the next poll. Caller holds s.mu.
func (s *Session) arm() {
	s.timer = s.clock.AfterFunc(s.opts.PollInterval, s.poll)
}

func (s *Session) poll() {
	s.mu.Lock()
	if s.closed || s.state.Phase != PhaseWaiting {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	jobID := s.state.JobID
	ctx := s.ctx
	s.mu.Unlock()

	js, err := s.api.Status(ctx, jobID)

	s.mu.Lock()
	if s.closed || s.state.Phase != PhaseWaiting {
		s.mu.Unlock()
		return
	}

	var release bool
	switch {
	case err != nil:
		s.log.Warn("status poll failed", zap.String("job_id", jobID), zap.Error(err))
		s.state = State{Phase: PhaseFailed, JobID: jobID, Ticket: s.state.Ticket, Err: err}
	case js.Status == JobWaiting:
		if js.Position > 0 && js.Position < s.state.Position {
			s.state.Position = js.Position
		}
		s.arm()
	case js.Status == JobDone && (js.Result == nil || js.Result.OrderID == ""):
		s.state = State{Phase: PhaseFailed, JobID: jobID, Ticket: s.state.Ticket, Err: ErrNoOrder}
	case js.Status == JobDone:
		s.state = State{Phase: PhaseDone, JobID: jobID, Ticket: s.state.Ticket, OrderID: js.Result.OrderID}
		release = !s.released
		s.released = true
	default:
		s.state = State{Phase: PhaseFailed, JobID: jobID, Ticket: s.state.Ticket, Reason: js.Reason}
	}
	st := s.state
	s.mu.Unlock()

	s.publish(st)
	if st.Phase.Terminal() {
		s.signalDone()
	}
	if release && s.opts.OnRelease != nil {
		s.opts.OnRelease(st.OrderID)
	}
}

// Cancel ends a waiting session at the user's request. Unless KeepOnCancel
// is set the job is released on the server. Cancelling an ended session is a
// no-op.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Phase != PhaseWaiting && s.state.Phase != PhaseLoading {
		s.mu.Unlock()
		return nil
	}
	s.stopTimer()
	jobID := s.state.JobID
	s.state = State{Phase: PhaseCancelled, JobID: jobID, Ticket: s.state.Ticket}
	st := s.state
	s.mu.Unlock()

	s.publish(st)
	s.signalDone()

	if s.opts.KeepOnCancel || jobID == "" {
		return nil
	}
	_, err := s.api.Cancel(ctx, jobID, s.employeeID)
	return err
}

// Close tears the session down. No poll fires afterwards and the results of
// calls still in flight are dropped. Close does not release the job.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimer()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.signalDone()
}

// Wait blocks until the session ends or is closed.
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitingBeyondStock is how far past the remaining stock the session stands
// in line. It is a display hint: jobs ahead may drop out, so a positive value
// does not mean the session will fail.
func (s *Session) WaitingBeyondStock(remainingStock int64) int64 {
	st := s.State()
	if st.Phase != PhaseWaiting || st.Position <= remainingStock {
		return 0
	}
	if remainingStock < 0 {
		remainingStock = 0
	}
	return st.Position - remainingStock
}

func (s *Session) finish(st State) {
	s.mu.Lock()
	if s.closed || s.state.Phase != PhaseLoading {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	if st.Err != nil {
		s.log.Info("session ended", zap.String("phase", string(st.Phase)), zap.Error(st.Err))
	}
	s.publish(st)
	s.signalDone()
}

func (s *Session) abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.state.Phase != PhaseLoading
}

func (s *Session) releaseJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.api.Cancel(ctx, jobID, s.employeeID); err != nil {
		s.log.Warn("release after cancel failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// stopTimer cancels a pending poll. Caller holds s.mu.
func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) publish(st State) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(st)
	}
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}
