package peerlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
)

// dataChannelLink adapts a WebRTC data channel to the engine's Channel
// contract. BufferedAmount and the buffered-amount-low event map directly;
// incoming messages are queued for the receive loop.
type dataChannelLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	recv     chan []byte
	lowWater chan struct{}
	opened   chan struct{}
	done     chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
}

func newDataChannelLink(pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataChannelLink {
	l := &dataChannelLink{
		pc:       pc,
		dc:       dc,
		recv:     make(chan []byte, 256),
		lowWater: make(chan struct{}, 1),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	dc.OnOpen(func() {
		logger.Info("peerlink: data channel %q open", dc.Label())
		l.openOnce.Do(func() { close(l.opened) })
	})
	dc.OnClose(func() {
		logger.Info("peerlink: data channel %q closed", dc.Label())
		l.closeOnce.Do(func() { close(l.done) })
	})
	dc.OnError(func(err error) {
		logger.Warn("peerlink: data channel error: %v", err)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case l.recv <- msg.Data:
		case <-l.done:
		}
	})
	dc.OnBufferedAmountLow(func() {
		select {
		case l.lowWater <- struct{}{}:
		default:
		}
	})

	return l
}

// waitOpen blocks until the channel is ready, the configured timeout
// elapses, or the context ends.
func (l *dataChannelLink) waitOpen(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.opened:
		return nil
	case <-l.done:
		return transfererrors.ErrChannelClosed
	case <-timer.C:
		return fmt.Errorf("data channel not ready after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *dataChannelLink) Send(frame []byte) error {
	select {
	case <-l.done:
		return transfererrors.ErrChannelClosed
	default:
	}
	if err := l.dc.Send(frame); err != nil {
		select {
		case <-l.done:
			return transfererrors.ErrChannelClosed.WithCause(err)
		default:
		}
		return err
	}
	return nil
}

func (l *dataChannelLink) Recv() <-chan []byte { return l.recv }

func (l *dataChannelLink) BufferedAmount() int64 {
	return int64(l.dc.BufferedAmount())
}

func (l *dataChannelLink) SetLowWaterThreshold(n int64) {
	l.dc.SetBufferedAmountLowThreshold(uint64(n))
}

func (l *dataChannelLink) LowWater() <-chan struct{} { return l.lowWater }
func (l *dataChannelLink) Done() <-chan struct{}     { return l.done }

func (l *dataChannelLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	if err := l.dc.Close(); err != nil {
		logger.Debug("peerlink: closing data channel: %v", err)
	}
	return l.pc.Close()
}
