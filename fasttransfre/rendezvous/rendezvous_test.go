package rendezvous

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndJoinRoom(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := dial(t, url)
	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if len(code) != DefaultCodeLength {
		t.Errorf("room code %q length = %d, want %d digits", code, len(code), DefaultCodeLength)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Errorf("room code %q is not numeric", code)
		}
	}
	if code[0] == '0' {
		t.Errorf("room code %q outside [1000, 9999]", code)
	}

	guest := dial(t, url)
	if err := guest.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	clientID, err := host.WaitClientJoined(ctx)
	if err != nil {
		t.Fatalf("WaitClientJoined() error = %v", err)
	}
	if clientID == "" {
		t.Error("client-joined carried no client id")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	guest := dial(t, url)
	err := guest.JoinRoom(ctx, "0000")
	if err == nil {
		t.Fatal("JoinRoom() accepted an unknown room")
	}
	if transfererrors.GetErrorCode(err) != "ROOM_NOT_FOUND" {
		t.Errorf("error = %v, want ROOM_NOT_FOUND", err)
	}
}

func TestRoomIsSingleGuest(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := dial(t, url)
	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}

	first := dial(t, url)
	if err := first.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	second := dial(t, url)
	if err := second.JoinRoom(ctx, code); err == nil {
		t.Fatal("JoinRoom() accepted a second guest")
	}
}

func TestSignalRelay(t *testing.T) {
	_, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := dial(t, url)
	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	guest := dial(t, url)
	if err := guest.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if _, err := host.WaitClientJoined(ctx); err != nil {
		t.Fatalf("WaitClientJoined() error = %v", err)
	}

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	if err := host.SendOffer(offer); err != nil {
		t.Fatalf("SendOffer() error = %v", err)
	}
	select {
	case msg := <-guest.Signals():
		if msg.Type != MsgOffer || string(msg.SDP) != string(offer) {
			t.Errorf("relayed = %+v, want opaque offer", msg)
		}
	case <-ctx.Done():
		t.Fatal("guest never received the offer")
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0..."}`)
	if err := guest.SendAnswer(answer); err != nil {
		t.Fatalf("SendAnswer() error = %v", err)
	}
	select {
	case msg := <-host.Signals():
		if msg.Type != MsgAnswer || string(msg.SDP) != string(answer) {
			t.Errorf("relayed = %+v, want opaque answer", msg)
		}
	case <-ctx.Done():
		t.Fatal("host never received the answer")
	}

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 2122252543 192.0.2.1 50000 typ host"}`)
	if err := host.SendCandidate(cand); err != nil {
		t.Fatalf("SendCandidate() error = %v", err)
	}
	select {
	case msg := <-guest.Signals():
		if msg.Type != MsgICECandidate || string(msg.Candidate) != string(cand) {
			t.Errorf("relayed = %+v, want opaque candidate", msg)
		}
	case <-ctx.Done():
		t.Fatal("guest never received the candidate")
	}
}

func TestRoomEvaporatesWithHost(t *testing.T) {
	s, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := dial(t, url)
	code, err := host.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	guest := dial(t, url)
	if err := guest.JoinRoom(ctx, code); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}

	host.Close()

	select {
	case text := <-guest.Errors():
		if text != "room closed" {
			t.Errorf("guest error = %q, want %q", text, "room closed")
		}
	case <-ctx.Done():
		t.Fatal("guest never learned the room closed")
	}

	// The code is free again; a rejoin attempt fails.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		_, exists := s.rooms[code]
		s.mu.Unlock()
		if !exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("room still registered after host disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	late := dial(t, url)
	if err := late.JoinRoom(ctx, code); err == nil {
		t.Fatal("JoinRoom() accepted an evaporated room")
	}
}
