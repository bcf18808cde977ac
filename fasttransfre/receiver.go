package fasttransfre

import (
	"sync"
	"time"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/wire"
)

type recvState int

const (
	recvUnknown recvState = iota
	recvExpected
	recvReceived
	recvVerified
)

type recvRecord struct {
	state   recvState
	digest  string
	payload []byte
}

// Receiver drives the receive pipeline: it correlates chunk-metadata with
// data frames, verifies digests, acknowledges sub-chunks, and streams
// verified prefixes to the sink in flat-index order so memory is released as
// the front of the file completes.
type Receiver struct {
	cfg  *Config
	ch   Channel
	sink Sink

	mu              sync.Mutex
	plan            *ChunkPlan
	fileName        string
	fileSize        int64
	records         []recvRecord
	pendingData     map[uint32][]byte
	retries         []int
	verified        int
	verifiedByMain  []int
	mainVerified    int
	bytesVerified   int64
	bytesFlushed    int64
	nextFlush       int
	consecFraming   int
	started         bool
	completed       bool
	lastProgress    time.Time
	completedSignal chan struct{}
}

// NewReceiver prepares the pipeline; the plan is derived on file-start
func NewReceiver(cfg *Config, ch Channel, sink Sink) *Receiver {
	return &Receiver{
		cfg:             cfg,
		ch:              ch,
		sink:            sink,
		pendingData:     make(map[uint32][]byte),
		lastProgress:    time.Now(),
		completedSignal: make(chan struct{}),
	}
}

// Completed is closed once the final sub-chunk has been verified and the
// assembled output delivered to the sink.
func (r *Receiver) Completed() <-chan struct{} { return r.completedSignal }

// FileName returns the announced file name once file-start has arrived
func (r *Receiver) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// HandleRaw decodes and dispatches one incoming wire message. A non-nil
// return is fatal for the session; recoverable conditions are absorbed by
// the pipeline.
func (r *Receiver) HandleRaw(raw []byte) error {
	frame, err := wire.Decode(raw)
	if err != nil {
		r.mu.Lock()
		r.consecFraming++
		count := r.consecFraming
		r.mu.Unlock()
		logger.Warn("recv: dropping malformed frame (%d consecutive): %v", count, err)
		if count >= 3 {
			return transfererrors.ErrFatalTransfer.WithCause(err).WithMessage("repeated framing errors")
		}
		return nil
	}
	r.mu.Lock()
	r.consecFraming = 0
	r.mu.Unlock()

	if frame.Data != nil {
		return r.handleData(frame.Data)
	}
	return r.handleControl(frame.Control)
}

func (r *Receiver) handleControl(c *wire.Control) error {
	switch c.Type {
	case wire.TypeFileStart:
		return r.handleFileStart(c)
	case wire.TypeChunkMetadata:
		return r.handleMetadata(c)
	case wire.TypeTransferComplete:
		// Completion is decided by the local verified count; the sender's
		// frame is informational and idempotent.
		logger.Debug("recv: transfer-complete from sender")
		return nil
	default:
		logger.Warn("recv: unexpected control frame %s", c)
		return nil
	}
}

func (r *Receiver) handleFileStart(c *wire.Control) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		logger.Warn("recv: duplicate file-start ignored")
		return nil
	}

	plan, err := DerivePlan(c.Size, c.MainCount, c.SubCount, r.cfg.MainSize, r.cfg.SubSize)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.plan = plan
	r.fileName = c.Name
	r.fileSize = c.Size
	r.records = make([]recvRecord, plan.SubCount())
	r.retries = make([]int, plan.SubCount())
	r.verifiedByMain = make([]int, plan.MainCount())
	r.started = true
	r.lastProgress = time.Now()
	r.mu.Unlock()

	if err := r.sink.Open(c.Name, c.Size); err != nil {
		return transfererrors.ErrFatalTransfer.WithCause(err)
	}
	logger.Info("recv: file-start %s (%d bytes, %d sub-chunks)", c.Name, c.Size, c.SubCount)

	// An empty file completes without a single data frame.
	return r.maybeComplete()
}

func (r *Receiver) handleMetadata(c *wire.Control) error {
	r.mu.Lock()
	if r.plan == nil {
		r.mu.Unlock()
		logger.Warn("recv: chunk-metadata before file-start dropped")
		return nil
	}
	idx := c.FlatIndex
	if int(idx) >= len(r.records) {
		r.mu.Unlock()
		logger.Warn("recv: chunk-metadata for out-of-plan index %d dropped", idx)
		return nil
	}
	rec := &r.records[idx]
	if rec.state == recvVerified {
		r.mu.Unlock()
		return nil
	}
	rec.digest = c.Digest
	rec.state = recvExpected

	// Data may have arrived ahead of its metadata when the transport
	// batched frames; verify it now.
	early, ok := r.pendingData[idx]
	if ok {
		delete(r.pendingData, idx)
	}
	r.mu.Unlock()

	if ok {
		return r.verifyAndStore(idx, early)
	}
	return nil
}

func (r *Receiver) handleData(d *wire.Data) error {
	r.mu.Lock()
	if r.plan == nil {
		r.mu.Unlock()
		logger.Warn("recv: data frame before file-start dropped")
		return nil
	}
	idx := d.FlatIndex
	if int(idx) >= len(r.records) {
		r.mu.Unlock()
		logger.Warn("recv: data frame for out-of-plan index %d rejected", idx)
		return nil
	}
	if int64(len(d.Payload)) > r.cfg.SubSize {
		r.mu.Unlock()
		logger.Warn("recv: oversized data frame for index %d rejected", idx)
		return nil
	}
	rec := &r.records[idx]
	if rec.state == recvVerified {
		// Duplicate of an already verified sub-chunk: re-ack so a sender
		// that retransmitted after a spurious nack still converges.
		r.mu.Unlock()
		r.sendControl(wire.ChunkAck(idx, true))
		return nil
	}
	if rec.state != recvExpected || rec.digest == "" {
		// Metadata has not arrived yet; hold the payload.
		rec.state = recvReceived
		r.pendingData[idx] = append([]byte(nil), d.Payload...)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return r.verifyAndStore(idx, append([]byte(nil), d.Payload...))
}

func (r *Receiver) verifyAndStore(idx uint32, payload []byte) error {
	r.mu.Lock()
	rec := &r.records[idx]
	announced := rec.digest

	if !VerifySubChunk(payload, announced) {
		// Drop the payload and the announcement; the retransmission brings
		// fresh metadata.
		rec.digest = ""
		rec.state = recvUnknown
		r.retries[idx]++
		attempts := r.retries[idx]
		r.mu.Unlock()

		logger.Warn("recv: digest mismatch for sub-chunk %d (attempt %d)", idx, attempts)
		if attempts > r.cfg.MaxRetries {
			return transfererrors.NewRetriesExhaustedError(idx, attempts)
		}
		r.sendControl(wire.RetryRequest(idx))
		return nil
	}

	sub, _ := r.plan.SubChunkAt(idx)
	rec.payload = payload
	rec.state = recvVerified
	r.verified++
	r.bytesVerified += sub.Size()
	r.verifiedByMain[sub.MainIndex]++
	if r.verifiedByMain[sub.MainIndex] == len(r.plan.MainChunks[sub.MainIndex].SubChunks) {
		r.mainVerified++
	}
	r.lastProgress = time.Now()
	r.mu.Unlock()

	r.sendControl(wire.ChunkAck(idx, true))

	if err := r.flushPrefix(); err != nil {
		return err
	}
	return r.maybeComplete()
}

// flushPrefix streams the verified prefix to the sink in flat-index order,
// releasing payload memory as it goes.
func (r *Receiver) flushPrefix() error {
	for {
		r.mu.Lock()
		if r.nextFlush >= len(r.records) || r.records[r.nextFlush].state != recvVerified || r.records[r.nextFlush].payload == nil {
			r.mu.Unlock()
			return nil
		}
		idx := r.nextFlush
		payload := r.records[idx].payload
		sub, _ := r.plan.SubChunkAt(uint32(idx))
		r.mu.Unlock()

		if _, err := r.sink.WriteAt(payload, sub.Start); err != nil {
			return transfererrors.ErrFatalTransfer.WithCause(err)
		}

		r.mu.Lock()
		r.records[idx].payload = nil
		r.bytesFlushed += sub.Size()
		r.nextFlush++
		r.mu.Unlock()
	}
}

func (r *Receiver) maybeComplete() error {
	r.mu.Lock()
	if r.completed || r.plan == nil || r.verified != r.plan.SubCount() {
		r.mu.Unlock()
		return nil
	}
	if r.bytesFlushed != r.fileSize {
		r.mu.Unlock()
		return transfererrors.ErrAssemblyLength.
			WithDetail("assembled", r.bytesFlushed).
			WithDetail("announced", r.fileSize)
	}
	r.completed = true
	r.mu.Unlock()

	r.sendControl(wire.TransferComplete())
	if err := r.sink.Close(); err != nil {
		return transfererrors.ErrFatalTransfer.WithCause(err)
	}
	logger.Info("recv: transfer complete, %d bytes assembled", r.fileSize)
	close(r.completedSignal)
	return nil
}

// ScanGaps emits a bounded chunk-nack for expected-but-unverified sub-chunks
// after a grace period with no progress. Called periodically by the session.
func (r *Receiver) ScanGaps() {
	r.mu.Lock()
	if !r.started || r.completed || time.Since(r.lastProgress) < r.cfg.NackGracePeriod {
		r.mu.Unlock()
		return
	}
	var missing []uint32
	for i := range r.records {
		if r.records[i].state != recvVerified {
			missing = append(missing, uint32(i))
			if len(missing) >= r.cfg.NackBatchSize {
				break
			}
		}
	}
	r.lastProgress = time.Now()
	r.mu.Unlock()

	if len(missing) == 0 {
		return
	}
	logger.Info("recv: nacking %d missing sub-chunks", len(missing))
	r.sendControl(wire.ChunkNack(missing))
}

func (r *Receiver) sendControl(c *wire.Control) {
	raw, err := wire.EncodeControl(c)
	if err != nil {
		logger.Error("recv: encoding %s failed: %v", c, err)
		return
	}
	if err := r.ch.Send(raw); err != nil {
		logger.Warn("recv: sending %s failed: %v", c, err)
	}
}

// Snapshot fills the pipeline-owned fields of a stats view
func (r *Receiver) Snapshot(stats *TransferStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats.FileName = r.fileName
	stats.TotalBytes = r.fileSize
	stats.BytesCompleted = r.bytesVerified
	if r.plan != nil {
		stats.SubChunksTotal = r.plan.SubCount()
		stats.MainChunksTotal = r.plan.MainCount()
	}
	stats.SubChunksAcked = r.verified
	stats.MainChunksAcked = r.mainVerified
}
