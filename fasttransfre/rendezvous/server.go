package rendezvous

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
)

// DefaultAddr is the default listen address of the rendezvous service
const DefaultAddr = ":3000"

// DefaultCodeLength is the number of digits in a room code
const DefaultCodeLength = 4

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Server pairs two endpoints by a short one-time room code and relays their
// connection-setup descriptors until the direct channel is established.
// Rooms hold no persistent state and evaporate when the host disconnects.
type Server struct {
	CodeLength int

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	code  string
	host  *peerConn
	guest *peerConn
}

// peerConn wraps one websocket with a write lock; gorilla allows a single
// concurrent writer per connection.
type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex

	room   *room
	isHost bool
}

func (p *peerConn) send(msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(msg)
}

func (p *peerConn) sendError(text string) {
	if err := p.send(&Message{Type: MsgError, Message: text}); err != nil {
		logger.Debug("rendezvous: error reply to %s failed: %v", p.id, err)
	}
}

// NewServer constructs a rendezvous server with default settings
func NewServer() *Server {
	return &Server{
		CodeLength: DefaultCodeLength,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint at /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe runs the service until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	httpServer := &http.Server{Addr: addr, Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rendezvous: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("rendezvous: upgrade failed: %v", err)
		return
	}

	peer := &peerConn{id: uuid.NewString(), conn: conn}
	logger.Debug("rendezvous: client %s connected", peer.id)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go s.pingLoop(peer, stopPing)

	defer func() {
		close(stopPing)
		s.disconnect(peer)
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			logger.Debug("rendezvous: client %s gone: %v", peer.id, err)
			return
		}
		s.dispatch(peer, &msg)
	}
}

func (s *Server) pingLoop(peer *peerConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			peer.mu.Lock()
			peer.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := peer.conn.WriteMessage(websocket.PingMessage, nil)
			peer.mu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (s *Server) dispatch(peer *peerConn, msg *Message) {
	switch msg.Type {
	case MsgCreateRoom:
		s.createRoom(peer)
	case MsgJoinRoom:
		s.joinRoom(peer, msg.RoomCode)
	case MsgOffer, MsgAnswer, MsgICECandidate:
		s.relay(peer, msg)
	default:
		peer.sendError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *Server) createRoom(peer *peerConn) {
	s.mu.Lock()
	code, err := s.allocateCodeLocked()
	if err != nil {
		s.mu.Unlock()
		peer.sendError("could not allocate room code")
		return
	}
	rm := &room{code: code, host: peer}
	s.rooms[code] = rm
	peer.room = rm
	peer.isHost = true
	s.mu.Unlock()

	logger.Info("rendezvous: room %s created by %s", code, peer.id)
	if err := peer.send(&Message{Type: MsgRoomCreated, RoomCode: code}); err != nil {
		logger.Warn("rendezvous: room-created to %s failed: %v", peer.id, err)
	}
}

// allocateCodeLocked draws codes uniformly from [10^(n-1), 10^n) until one
// is free. Creation is rejected for a code already present by regenerating.
func (s *Server) allocateCodeLocked() (string, error) {
	low := int64(1)
	for i := 1; i < s.CodeLength; i++ {
		low *= 10
	}
	span := big.NewInt(low*10 - low)
	for attempts := 0; attempts < 1000; attempts++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%d", n.Int64()+low)
		if _, taken := s.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code space exhausted")
}

func (s *Server) joinRoom(peer *peerConn, code string) {
	s.mu.Lock()
	rm, ok := s.rooms[code]
	if !ok || rm.guest != nil {
		s.mu.Unlock()
		peer.sendError("invalid room")
		return
	}
	rm.guest = peer
	peer.room = rm
	s.mu.Unlock()

	logger.Info("rendezvous: client %s joined room %s", peer.id, code)
	if err := peer.send(&Message{Type: MsgRoomJoined, RoomCode: code}); err != nil {
		logger.Warn("rendezvous: room-joined to %s failed: %v", peer.id, err)
	}
	if err := rm.host.send(&Message{Type: MsgClientJoined, ClientID: peer.id}); err != nil {
		logger.Warn("rendezvous: client-joined to host failed: %v", err)
	}
}

// relay forwards connection-setup frames opaquely to the other endpoint
func (s *Server) relay(peer *peerConn, msg *Message) {
	s.mu.Lock()
	rm := peer.room
	var other *peerConn
	if rm != nil {
		if peer == rm.host {
			other = rm.guest
		} else {
			other = rm.host
		}
	}
	s.mu.Unlock()

	if other == nil {
		peer.sendError("no peer to relay to")
		return
	}
	if err := other.send(msg); err != nil {
		logger.Warn("rendezvous: relay %s failed: %v", msg.Type, err)
	}
}

func (s *Server) disconnect(peer *peerConn) {
	s.mu.Lock()
	rm := peer.room
	var notify *peerConn
	if rm != nil {
		if peer.isHost {
			delete(s.rooms, rm.code)
			notify = rm.guest
			logger.Info("rendezvous: room %s closed", rm.code)
		} else if rm.guest == peer {
			rm.guest = nil
		}
	}
	s.mu.Unlock()

	if notify != nil {
		notify.sendError("room closed")
	}
}
