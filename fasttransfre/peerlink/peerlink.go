// Package peerlink builds the direct data channel between two paired
// endpoints. The rendezvous client carries the offer/answer/ice-candidate
// exchange; the resulting WebRTC data channel is adapted to the transfer
// engine's Channel contract, so the engine itself never sees the transport.
package peerlink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/AkaakuHub/fast-transfre/fasttransfre"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/rendezvous"
)

// Config controls how the peer link is established
type Config struct {
	ICEServers   []string
	ChannelLabel string
	// OpenTimeout bounds the wait for the data channel to become ready
	OpenTimeout time.Duration
}

// DefaultConfig returns the standard peer link settings
func DefaultConfig() *Config {
	return &Config{
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
		ChannelLabel: "file-transfer",
		OpenTimeout:  10 * time.Second,
	}
}

func (c *Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, url := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// HostChannel creates the data channel on the hosting side: it offers,
// trickles ICE through the rendezvous client, and waits for the channel to
// open.
func HostChannel(ctx context.Context, rc *rendezvous.Client, cfg *Config) (fasttransfre.Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel(cfg.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	link := newDataChannelLink(pc, dc)

	trickleICE(pc, rc)
	go pumpSignals(ctx, pc, rc, nil)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		link.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		link.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		link.Close()
		return nil, err
	}
	if err := rc.SendOffer(raw); err != nil {
		link.Close()
		return nil, fmt.Errorf("sending offer: %w", err)
	}

	if err := link.waitOpen(ctx, cfg.OpenTimeout); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

// JoinChannel answers the host's offer on the guest side and waits for the
// incoming data channel to open.
func JoinChannel(ctx context.Context, rc *rendezvous.Client, cfg *Config) (fasttransfre.Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	dcCh := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case dcCh <- dc:
		default:
		}
	})

	trickleICE(pc, rc)
	go pumpSignals(ctx, pc, rc, rc.SendAnswer)

	var dc *webrtc.DataChannel
	timer := time.NewTimer(cfg.OpenTimeout)
	defer timer.Stop()
	select {
	case dc = <-dcCh:
	case <-timer.C:
		pc.Close()
		return nil, fmt.Errorf("timed out waiting for data channel")
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	}

	link := newDataChannelLink(pc, dc)
	if err := link.waitOpen(ctx, cfg.OpenTimeout); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

// trickleICE forwards local candidates to the peer as they are gathered
func trickleICE(pc *webrtc.PeerConnection, rc *rendezvous.Client) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			logger.Warn("peerlink: marshaling candidate: %v", err)
			return
		}
		if err := rc.SendCandidate(raw); err != nil {
			logger.Warn("peerlink: relaying candidate: %v", err)
		}
	})
}

// pumpSignals applies remote descriptions and candidates from the
// rendezvous relay. Candidates arriving before the remote description are
// held back until it is set. When answerFn is non-nil the pump answers each
// offer it receives (guest side).
func pumpSignals(ctx context.Context, pc *webrtc.PeerConnection, rc *rendezvous.Client, answerFn func(json.RawMessage) error) {
	var pending []webrtc.ICECandidateInit
	remoteSet := false

	for {
		select {
		case msg := <-rc.Signals():
			switch msg.Type {
			case rendezvous.MsgOffer, rendezvous.MsgAnswer:
				var desc webrtc.SessionDescription
				if err := json.Unmarshal(msg.SDP, &desc); err != nil {
					logger.Warn("peerlink: bad session description: %v", err)
					continue
				}
				if err := pc.SetRemoteDescription(desc); err != nil {
					logger.Warn("peerlink: setting remote description: %v", err)
					continue
				}
				remoteSet = true
				for _, cand := range pending {
					if err := pc.AddICECandidate(cand); err != nil {
						logger.Warn("peerlink: adding held candidate: %v", err)
					}
				}
				pending = nil

				if msg.Type == rendezvous.MsgOffer && answerFn != nil {
					answer, err := pc.CreateAnswer(nil)
					if err != nil {
						logger.Error("peerlink: creating answer: %v", err)
						continue
					}
					if err := pc.SetLocalDescription(answer); err != nil {
						logger.Error("peerlink: setting local description: %v", err)
						continue
					}
					raw, err := json.Marshal(answer)
					if err != nil {
						logger.Error("peerlink: marshaling answer: %v", err)
						continue
					}
					if err := answerFn(raw); err != nil {
						logger.Error("peerlink: sending answer: %v", err)
					}
				}
			case rendezvous.MsgICECandidate:
				var cand webrtc.ICECandidateInit
				if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
					logger.Warn("peerlink: bad candidate: %v", err)
					continue
				}
				if !remoteSet {
					pending = append(pending, cand)
					continue
				}
				if err := pc.AddICECandidate(cand); err != nil {
					logger.Warn("peerlink: adding candidate: %v", err)
				}
			}
		case <-rc.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
