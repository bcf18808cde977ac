package fasttransfre

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AkaakuHub/fast-transfre/fasttransfre/wire"
)

// runLoopback drives a full sender/receiver exchange over the in-memory
// pipe and returns the assembled sink.
func runLoopback(t *testing.T, cfg *Config, data []byte, tweak func(a, b *PipeChannel)) (*BufferSink, *Session, *Session) {
	t.Helper()

	a, b := NewChannelPipe()
	t.Cleanup(func() { a.Close() })

	sendSess, err := NewSenderSession(cfg, a, NewBytesSource("payload.bin", data))
	if err != nil {
		t.Fatalf("NewSenderSession() error = %v", err)
	}
	sink := NewBufferSink()
	recvSess := NewReceiverSession(cfg, b, sink)

	if tweak != nil {
		tweak(a, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)
	go func() { sendErr <- sendSess.Run(ctx) }()
	go func() { recvErr <- recvSess.Run(ctx) }()

	if err := <-recvErr; err != nil {
		t.Fatalf("receiver Run() error = %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("sender Run() error = %v", err)
	}

	if sendSess.State() != StateDone {
		t.Errorf("sender state = %s, want done", sendSess.State())
	}
	if recvSess.State() != StateDone {
		t.Errorf("receiver state = %s, want done", recvSess.State())
	}
	return sink, sendSess, recvSess
}

func TestSessionEmptyFile(t *testing.T) {
	sink, _, _ := runLoopback(t, testConfig(), nil, nil)
	if len(sink.Bytes()) != 0 {
		t.Errorf("assembled %d bytes, want 0", len(sink.Bytes()))
	}
}

func TestSessionSingleSubChunk(t *testing.T) {
	cfg := testConfig()
	data := testPayload(int(cfg.SubSize))
	sink, send, _ := runLoopback(t, cfg, data, nil)
	if !sink.Equal(data) {
		t.Error("assembled bytes differ from source")
	}
	stats := send.Stats()
	if stats.SubChunksAcked != 1 || stats.SubChunksTotal != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSessionShortTail(t *testing.T) {
	cfg := testConfig()
	data := testPayload(int(2*cfg.SubSize) + 37)
	sink, send, _ := runLoopback(t, cfg, data, nil)
	if !sink.Equal(data) {
		t.Error("assembled bytes differ from source")
	}
	if int64(len(sink.Bytes())) != 2*cfg.SubSize+37 {
		t.Errorf("assembled length = %d", len(sink.Bytes()))
	}
	stats := send.Stats()
	if stats.SubChunksAcked != 3 {
		t.Errorf("acked = %d, want 3", stats.SubChunksAcked)
	}
}

func TestSessionMainBoundary(t *testing.T) {
	cfg := testConfig()
	data := testPayload(int(cfg.MainSize) + 1)
	sink, send, _ := runLoopback(t, cfg, data, nil)
	if !sink.Equal(data) {
		t.Error("assembled bytes differ from source")
	}
	stats := send.Stats()
	wantSubs := int(cfg.MainSize/cfg.SubSize) + 1
	if stats.MainChunksTotal != 2 || stats.SubChunksTotal != wantSubs {
		t.Errorf("stats = %+v, want 2 mains and %d subs", stats, wantSubs)
	}
	if stats.MainChunksAcked != 2 {
		t.Errorf("main chunks acked = %d, want 2", stats.MainChunksAcked)
	}
}

func TestSessionCorruptedFrameIsRetransmitted(t *testing.T) {
	cfg := testConfig()
	data := testPayload(int(3 * cfg.SubSize))

	var corrupted atomic.Bool
	tweak := func(a, b *PipeChannel) {
		// Flip one payload byte of the data frame for sub-chunk 1, once.
		a.SetTransform(func(frame []byte) []byte {
			if corrupted.Load() || len(frame) <= wire.DataHeaderSize || frame[0] != wire.DataFrameTag {
				return frame
			}
			if binary.LittleEndian.Uint32(frame[1:5]) != 1 {
				return frame
			}
			corrupted.Store(true)
			out := append([]byte(nil), frame...)
			out[len(out)-1] ^= 0xFF
			return out
		})
	}

	sink, _, _ := runLoopback(t, cfg, data, tweak)
	if !corrupted.Load() {
		t.Fatal("fault injection never fired")
	}
	if !sink.Equal(data) {
		t.Error("assembled bytes differ from source after retransmission")
	}
}

func TestSessionBackpressurePausesSender(t *testing.T) {
	cfg := testConfig()
	cfg.HighWaterMark = 2 * cfg.SubSize
	cfg.AdaptivePacing = false
	data := testPayload(int(8 * cfg.SubSize))

	done := make(chan struct{})
	tweak := func(a, b *PipeChannel) {
		a.PauseDelivery()
		go func() {
			defer close(done)
			// While delivery is held, the sender must stop calling Send once
			// the buffer reaches the high-water mark: every frame passes the
			// gate on its own, so the buffered amount can exceed it by at
			// most the one frame admitted by the last gate check.
			bound := cfg.HighWaterMark + cfg.SubSize + 1024
			deadline := time.Now().Add(500 * time.Millisecond)
			for time.Now().Before(deadline) {
				if got := a.BufferedAmount(); got > bound {
					t.Errorf("buffered amount %d exceeds backpressure bound %d", got, bound)
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			a.ResumeDelivery()
		}()
	}

	sink, send, _ := runLoopback(t, cfg, data, tweak)
	<-done

	if !sink.Equal(data) {
		t.Error("assembled bytes differ from source")
	}
	stats := send.Stats()
	if stats.BytesCompleted != int64(len(data)) {
		t.Errorf("bytes completed = %d, want %d", stats.BytesCompleted, len(data))
	}
}

func TestSessionInterruptedOnChannelClose(t *testing.T) {
	cfg := testConfig()
	a, b := NewChannelPipe()

	sendSess, err := NewSenderSession(cfg, a, NewBytesSource("lost.bin", testPayload(4*1024)))
	if err != nil {
		t.Fatalf("NewSenderSession() error = %v", err)
	}
	recvSess := NewReceiverSession(cfg, b, NewBufferSink())

	// Never deliver anything, then drop the channel.
	a.PauseDelivery()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sendErr := make(chan error, 1)
	recvErr := make(chan error, 1)
	go func() { sendErr <- sendSess.Run(ctx) }()
	go func() { recvErr <- recvSess.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	a.Close()

	if err := <-recvErr; err == nil {
		t.Error("receiver Run() returned nil after channel close")
	}
	<-sendErr

	if recvSess.State() != StateInterrupted {
		t.Errorf("receiver state = %s, want interrupted", recvSess.State())
	}
}

func TestSessionInitialStateAndRole(t *testing.T) {
	cfg := testConfig()
	a, _ := NewChannelPipe()
	defer a.Close()

	sess, err := NewSenderSession(cfg, a, NewBytesSource("s.bin", testPayload(1024)))
	if err != nil {
		t.Fatalf("NewSenderSession() error = %v", err)
	}
	if sess.State() != StateIdle {
		t.Errorf("initial state = %s, want idle", sess.State())
	}
	if sess.Role != RoleSender {
		t.Errorf("role = %s, want sender", sess.Role)
	}
}
