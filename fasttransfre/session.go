package fasttransfre

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/wire"
)

// Role distinguishes the two ends of a session
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// State is the session lifecycle phase
type State int

const (
	StateIdle State = iota
	StateReady
	StateTransferring
	StateDone
	StateInterrupted
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateReady:        "ready",
	StateTransferring: "transferring",
	StateDone:         "done",
	StateInterrupted:  "interrupted",
}

func (s State) String() string { return stateNames[s] }

// completeWait bounds how long a finished sender waits for the receiver's
// closing transfer-complete before declaring the session done anyway.
const completeWait = 10 * time.Second

// Session owns the channel for one file transfer: it runs the role's
// pipeline, dispatches incoming frames to it, and tracks the lifecycle
// state. Exactly one transfer runs per session.
type Session struct {
	ID   string
	Role Role

	cfg      *Config
	ch       Channel
	sender   *Sender
	receiver *Receiver

	mu    sync.Mutex
	state State
	err   error

	rate       rateMeter
	onProgress ProgressCallback

	receiverComplete chan struct{}
	completeOnce     sync.Once
}

// NewSenderSession prepares a sending session over an open channel
func NewSenderSession(cfg *Config, ch Channel, src Source) (*Session, error) {
	sender, err := NewSender(cfg, ch, src)
	if err != nil {
		return nil, err
	}
	s := newSession(RoleSender, cfg, ch)
	s.sender = sender
	return s, nil
}

// NewReceiverSession prepares a receiving session over an open channel
func NewReceiverSession(cfg *Config, ch Channel, sink Sink) *Session {
	s := newSession(RoleReceiver, cfg, ch)
	s.receiver = NewReceiver(cfg, ch, sink)
	return s
}

func newSession(role Role, cfg *Config, ch Channel) *Session {
	ch.SetLowWaterThreshold(cfg.LowWaterThreshold)
	return &Session{
		ID:               uuid.NewString(),
		Role:             role,
		cfg:              cfg,
		ch:               ch,
		state:            StateIdle,
		receiverComplete: make(chan struct{}),
	}
}

// OnProgress registers a stats callback invoked periodically while the
// transfer runs. Must be set before Run.
func (s *Session) OnProgress(cb ProgressCallback) {
	s.onProgress = cb
}

// State returns the current lifecycle phase
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that interrupted the session, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state || s.state == StateDone || s.state == StateInterrupted {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = state
	s.mu.Unlock()
	logger.Debug("session %s (%s): %s -> %s", s.ID, s.Role, old, state)
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.setState(StateInterrupted)
	return err
}

// Run executes the session until the transfer completes or fails. The
// channel must already be open.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateReady)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.progressLoop(ctx)
	}()
	defer wg.Wait()

	var err error
	if s.Role == RoleSender {
		err = s.runSender(ctx)
	} else {
		err = s.runReceiver(ctx)
	}
	cancel()

	if err != nil {
		return s.fail(err)
	}
	s.setState(StateDone)
	s.emitProgress()
	return nil
}

func (s *Session) runSender(ctx context.Context) error {
	dispatchErr := make(chan error, 1)
	go s.dispatchToSender(ctx, dispatchErr)

	s.setState(StateTransferring)
	if err := s.sender.Run(ctx); err != nil {
		return err
	}

	// All sub-chunks acked and transfer-complete emitted; wait for the
	// receiver's closing handshake.
	t := time.NewTimer(completeWait)
	defer t.Stop()
	select {
	case <-s.receiverComplete:
		return nil
	case err := <-dispatchErr:
		return err
	case <-t.C:
		logger.Warn("session %s: no transfer-complete from receiver, closing anyway", s.ID)
		return nil
	case <-s.ch.Done():
		// The receiver may tear the channel down right after completing;
		// the transfer itself already succeeded.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dispatchToSender(ctx context.Context, errCh chan<- error) {
	for {
		select {
		case raw, ok := <-s.ch.Recv():
			if !ok {
				return
			}
			frame, err := wire.Decode(raw)
			if err != nil {
				logger.Warn("session %s: dropping malformed frame: %v", s.ID, err)
				continue
			}
			if frame.Control == nil {
				logger.Warn("session %s: unexpected data frame on sender side", s.ID)
				continue
			}
			if frame.Control.Type == wire.TypeTransferComplete {
				s.completeOnce.Do(func() { close(s.receiverComplete) })
			}
			s.sender.HandleControl(frame.Control)
		case <-s.ch.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) runReceiver(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.NackGracePeriod / 2)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-s.ch.Recv():
			if !ok {
				return transfererrors.ErrChannelClosed
			}
			s.setState(StateTransferring)
			if err := s.receiver.HandleRaw(raw); err != nil {
				return err
			}
		case <-s.receiver.Completed():
			return nil
		case <-ticker.C:
			s.receiver.ScanGaps()
		case <-s.ch.Done():
			select {
			case <-s.receiver.Completed():
				return nil
			default:
			}
			return transfererrors.ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) progressLoop(ctx context.Context) {
	if s.onProgress == nil {
		return
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.emitProgress()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) emitProgress() {
	if s.onProgress == nil {
		return
	}
	s.onProgress(s.Stats())
}

// Stats computes a point-in-time view of the transfer
func (s *Session) Stats() TransferStats {
	var stats TransferStats
	if s.sender != nil {
		s.sender.Snapshot(&stats)
	}
	if s.receiver != nil {
		s.receiver.Snapshot(&stats)
	}
	s.mu.Lock()
	stats.Rate = s.rate.observe(stats.BytesCompleted)
	s.mu.Unlock()
	return stats
}
