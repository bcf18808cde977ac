package fasttransfre

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/wire"
)

type sendState int

const (
	sendPending sendState = iota
	sendInflight
	sendAcked
	sendFailed
)

// Sender drives the send pipeline: it reads sub-chunks from the source in
// flat-index order, announces their digests, and pushes data frames through
// the channel under two gates — the backpressure gate against the transport
// buffer high-water mark, and the admission gate bounding in-flight unacked
// sub-chunks.
type Sender struct {
	cfg  *Config
	ch   Channel
	src  Source
	plan *ChunkPlan
	sem  *semaphore.Weighted

	mu          sync.Mutex
	states      []sendState
	retries     []int
	retryQueue  []uint32
	acked       int
	ackedByMain []int
	mainAcked   int
	bytesAcked  int64
	failure     error

	wake     chan struct{}
	allAcked chan struct{}

	// adaptive pacing
	paceDelay time.Duration
}

// NewSender builds the chunk plan for src and prepares the pipeline
func NewSender(cfg *Config, ch Channel, src Source) (*Sender, error) {
	plan, err := BuildChunkPlan(src.Size(), cfg.MainSize, cfg.SubSize)
	if err != nil {
		return nil, err
	}
	n := plan.SubCount()
	s := &Sender{
		cfg:         cfg,
		ch:          ch,
		src:         src,
		plan:        plan,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentSends)),
		states:      make([]sendState, n),
		retries:     make([]int, n),
		ackedByMain: make([]int, plan.MainCount()),
		wake:        make(chan struct{}, 1),
		allAcked:    make(chan struct{}),
	}
	if n == 0 {
		close(s.allAcked)
	}
	return s, nil
}

// Plan returns the immutable chunk plan
func (s *Sender) Plan() *ChunkPlan { return s.plan }

// Run executes the send loop until every sub-chunk is acked or the session
// fails. It emits file-start first and holds transfer-complete until the
// last ack has arrived.
func (s *Sender) Run(ctx context.Context) error {
	start, err := wire.EncodeControl(wire.FileStart(s.src.Name(), s.src.Size(), s.plan.MainCount(), s.plan.SubCount()))
	if err != nil {
		return err
	}
	if err := s.sendGated(ctx, start); err != nil {
		return err
	}
	logger.Info("send: file-start %s (%d bytes, %d sub-chunks)", s.src.Name(), s.src.Size(), s.plan.SubCount())

	cursor := 0
	for {
		if err := s.takeFailure(); err != nil {
			return err
		}

		idx, ok := s.nextIndex(&cursor)
		if !ok {
			// Everything emitted; wait for acks or retry work.
			select {
			case <-s.allAcked:
				return s.finish(ctx)
			case <-s.wake:
				continue
			case <-s.ch.Done():
				return transfererrors.ErrChannelClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.sendSubChunk(ctx, idx); err != nil {
			return err
		}
	}
}

// nextIndex pops a retransmission if one is queued, else advances the
// sequential cursor. Retries go to the head of the send order.
func (s *Sender) nextIndex(cursor *int) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.retryQueue) > 0 {
		idx := s.retryQueue[0]
		s.retryQueue = s.retryQueue[1:]
		if s.states[idx] == sendPending {
			return idx, true
		}
	}
	for *cursor < s.plan.SubCount() {
		idx := uint32(*cursor)
		*cursor++
		if s.states[idx] == sendPending {
			return idx, true
		}
	}
	return 0, false
}

func (s *Sender) sendSubChunk(ctx context.Context, idx uint32) error {
	sub, ok := s.plan.SubChunkAt(idx)
	if !ok {
		return transfererrors.ErrFatalTransfer.WithDetail("flatIndex", idx).WithMessage("sub-chunk index out of plan")
	}

	payload, err := s.src.ReadRange(sub.Start, sub.Size())
	if err != nil {
		return transfererrors.ErrFatalTransfer.WithCause(err)
	}
	digest := SubChunkDigest(payload)

	meta, err := wire.EncodeControl(wire.ChunkMetadata(idx, sub.MainIndex, sub.SubIndex, digest))
	if err != nil {
		return err
	}
	data := wire.EncodeData(idx, payload)

	// Admission gate: at most MaxConcurrentSends unacked sub-chunks in
	// flight. Slots are released by acks and requeues, which arrive on the
	// dispatch goroutine.
	if err := s.acquireSlot(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.states[idx] = sendInflight
	s.mu.Unlock()

	// chunk-metadata and its data frame are adjacent on the wire; the
	// ordered channel carries the adjacency to the receiver.
	if err := s.sendGated(ctx, meta); err != nil {
		s.releaseSlot(idx)
		return err
	}
	if err := s.sendGated(ctx, data); err != nil {
		s.releaseSlot(idx)
		return err
	}

	logger.Debug("send: sub-chunk %d [%d, %d)", idx, sub.Start, sub.End)
	s.pace(ctx)
	return nil
}

func (s *Sender) acquireSlot(ctx context.Context) error {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ch.Done():
			cancel()
		case <-acquireCtx.Done():
		}
	}()
	if err := s.sem.Acquire(acquireCtx, 1); err != nil {
		select {
		case <-s.ch.Done():
			return transfererrors.ErrChannelClosed
		default:
			return err
		}
	}
	return nil
}

func (s *Sender) releaseSlot(idx uint32) {
	s.mu.Lock()
	if s.states[idx] == sendInflight {
		s.states[idx] = sendPending
	}
	s.mu.Unlock()
	s.sem.Release(1)
}

// sendGated performs one Send behind the backpressure gate. Transient
// queue-full errors re-enter the gate and retry the same frame.
func (s *Sender) sendGated(ctx context.Context, frame []byte) error {
	for {
		if err := s.waitBelowHighWater(ctx); err != nil {
			return err
		}

		err := s.ch.Send(frame)
		if err == nil {
			return nil
		}
		if isTransientSendError(err) {
			logger.Debug("send: transient error, re-entering backpressure gate: %v", err)
			t := time.NewTimer(10 * time.Millisecond)
			select {
			case <-s.ch.LowWater():
			case <-t.C:
			case <-s.ch.Done():
				t.Stop()
				return transfererrors.ErrChannelClosed
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			t.Stop()
			continue
		}
		select {
		case <-s.ch.Done():
			return transfererrors.ErrChannelClosed.WithCause(err)
		default:
		}
		return transfererrors.ErrFatalTransfer.WithCause(err)
	}
}

// waitBelowHighWater blocks while the transport buffer sits above the
// high-water mark, waking on each low-water event and rechecking.
func (s *Sender) waitBelowHighWater(ctx context.Context) error {
	for s.ch.BufferedAmount() >= s.cfg.HighWaterMark {
		s.observeCongestion()
		select {
		case <-s.ch.LowWater():
		case <-s.ch.Done():
			return transfererrors.ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// observeCongestion adjusts the inter-send delay from the buffered amount,
// bounded to [50ms, 500ms] per the adaptive tuning rules.
func (s *Sender) observeCongestion() {
	if !s.cfg.AdaptivePacing {
		return
	}
	buffered := s.ch.BufferedAmount()
	s.mu.Lock()
	switch {
	case buffered > 2*s.cfg.HighWaterMark:
		if s.paceDelay == 0 {
			s.paceDelay = 50 * time.Millisecond
		} else if s.paceDelay < 500*time.Millisecond {
			s.paceDelay *= 2
			if s.paceDelay > 500*time.Millisecond {
				s.paceDelay = 500 * time.Millisecond
			}
		}
	case buffered < s.cfg.HighWaterMark/4:
		if s.paceDelay > 50*time.Millisecond {
			s.paceDelay /= 2
		}
	}
	s.mu.Unlock()
}

// pace sleeps the adaptive delay, but only while the buffer shows real
// congestion; an idle transport is never throttled.
func (s *Sender) pace(ctx context.Context) {
	s.mu.Lock()
	delay := s.paceDelay
	s.mu.Unlock()
	if delay == 0 || s.ch.BufferedAmount() < s.cfg.HighWaterMark/4 {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ch.Done():
	case <-ctx.Done():
	}
}

func (s *Sender) finish(ctx context.Context) error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	complete, err := wire.EncodeControl(wire.TransferComplete())
	if err != nil {
		return err
	}
	if err := s.sendGated(ctx, complete); err != nil {
		return err
	}
	s.mu.Lock()
	acked := s.acked
	s.mu.Unlock()
	logger.Info("send: transfer complete, %d sub-chunks acked", acked)
	return nil
}

func (s *Sender) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// HandleControl processes one incoming control frame. It is called from the
// session dispatch goroutine; all state transitions are idempotent.
func (s *Sender) HandleControl(c *wire.Control) {
	switch c.Type {
	case wire.TypeChunkAck:
		if c.OK {
			s.handleAck(c.FlatIndex)
		} else {
			s.requeue(c.FlatIndex)
		}
	case wire.TypeChunkNack:
		for _, idx := range c.Indexes {
			s.requeue(idx)
		}
	case wire.TypeRetryRequest:
		s.requeue(c.FlatIndex)
	case wire.TypeTransferComplete:
		// The session observes the receiver's completion; nothing to do in
		// the pipeline.
	default:
		logger.Warn("send: unexpected control frame %s", c)
	}
}

func (s *Sender) handleAck(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.states) || s.states[idx] == sendAcked || s.states[idx] == sendFailed {
		// Duplicate or stray ack; progress is unchanged.
		return
	}
	// A requeued sub-chunk may be acked while back in pending: the original
	// frame arrived after the retransmission was scheduled. Only an
	// in-flight ack holds an admission slot to give back.
	if s.states[idx] == sendInflight {
		s.sem.Release(1)
	}
	s.states[idx] = sendAcked
	s.acked++
	sub, _ := s.plan.SubChunkAt(idx)
	s.bytesAcked += sub.Size()
	s.ackedByMain[sub.MainIndex]++
	if s.ackedByMain[sub.MainIndex] == len(s.plan.MainChunks[sub.MainIndex].SubChunks) {
		s.mainAcked++
	}
	if s.acked == s.plan.SubCount() {
		close(s.allAcked)
	}
}

// requeue schedules a sub-chunk for retransmission at the head of the send
// order, bounded by the per-sub-chunk retry budget.
func (s *Sender) requeue(idx uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(idx) >= len(s.states) || s.states[idx] == sendAcked {
		return
	}
	s.retries[idx]++
	if s.retries[idx] > s.cfg.MaxRetries {
		s.states[idx] = sendFailed
		if s.failure == nil {
			s.failure = transfererrors.NewRetriesExhaustedError(idx, s.retries[idx])
		}
		s.signalWake()
		return
	}
	if s.states[idx] == sendInflight {
		s.sem.Release(1)
	}
	s.states[idx] = sendPending
	s.retryQueue = append([]uint32{idx}, s.retryQueue...)
	logger.Debug("send: requeue sub-chunk %d (attempt %d)", idx, s.retries[idx])
	s.signalWake()
}

func (s *Sender) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot fills the pipeline-owned fields of a stats view
func (s *Sender) Snapshot(stats *TransferStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats.FileName = s.src.Name()
	stats.TotalBytes = s.plan.FileSize
	stats.BytesCompleted = s.bytesAcked
	stats.SubChunksTotal = s.plan.SubCount()
	stats.SubChunksAcked = s.acked
	stats.MainChunksTotal = s.plan.MainCount()
	stats.MainChunksAcked = s.mainAcked
	for _, st := range s.states {
		if st == sendFailed {
			stats.Failed++
		}
	}
}

func isTransientSendError(err error) bool {
	if err == nil {
		return false
	}
	if terr, ok := err.(*transfererrors.TransferError); ok && terr.Code == "TRANSIENT_SEND" {
		return true
	}
	return strings.Contains(err.Error(), "queue full")
}
