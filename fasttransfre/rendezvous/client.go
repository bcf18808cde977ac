package rendezvous

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
	"github.com/AkaakuHub/fast-transfre/fasttransfre/logger"
)

// Client is one endpoint's connection to the rendezvous service. A host
// creates a room and waits for a guest; a guest joins by code. Both then
// exchange offer/answer/ice-candidate signals until the direct channel is
// up, after which the client can be closed.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	roomCreated  chan string
	roomJoined   chan string
	clientJoined chan string
	signals      chan Message
	errs         chan string
	done         chan struct{}
	closeOnce    sync.Once
}

// Dial connects to a rendezvous service, e.g. "ws://host:3000/ws"
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:         conn,
		roomCreated:  make(chan string, 1),
		roomJoined:   make(chan string, 1),
		clientJoined: make(chan string, 1),
		signals:      make(chan Message, 32),
		errs:         make(chan string, 4),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })
	c.conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			logger.Debug("rendezvous client: read loop ended: %v", err)
			return
		}
		switch msg.Type {
		case MsgRoomCreated:
			c.roomCreated <- msg.RoomCode
		case MsgRoomJoined:
			c.roomJoined <- msg.RoomCode
		case MsgClientJoined:
			c.clientJoined <- msg.ClientID
		case MsgOffer, MsgAnswer, MsgICECandidate:
			c.signals <- msg
		case MsgError:
			select {
			case c.errs <- msg.Message:
			default:
			}
		default:
			logger.Warn("rendezvous client: unknown message type %q", msg.Type)
		}
	}
}

func (c *Client) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// CreateRoom asks the service for a fresh room and returns its code
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	if err := c.write(&Message{Type: MsgCreateRoom}); err != nil {
		return "", err
	}
	select {
	case code := <-c.roomCreated:
		return code, nil
	case text := <-c.errs:
		return "", transfererrors.ErrRoomNotFound.WithMessage(text)
	case <-c.done:
		return "", transfererrors.ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// JoinRoom joins an existing room by its code
func (c *Client) JoinRoom(ctx context.Context, code string) error {
	if err := c.write(&Message{Type: MsgJoinRoom, RoomCode: code}); err != nil {
		return err
	}
	select {
	case <-c.roomJoined:
		return nil
	case text := <-c.errs:
		return transfererrors.ErrRoomNotFound.WithMessage(text)
	case <-c.done:
		return transfererrors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitClientJoined blocks until a guest joins the hosted room
func (c *Client) WaitClientJoined(ctx context.Context) (string, error) {
	select {
	case id := <-c.clientJoined:
		return id, nil
	case text := <-c.errs:
		return "", transfererrors.ErrRoomNotFound.WithMessage(text)
	case <-c.done:
		return "", transfererrors.ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Signals delivers relayed offer/answer/ice-candidate messages
func (c *Client) Signals() <-chan Message { return c.signals }

// Errors delivers error records from the service, e.g. "room closed" when
// the host disconnects.
func (c *Client) Errors() <-chan string { return c.errs }

// Done is closed when the connection to the service ends
func (c *Client) Done() <-chan struct{} { return c.done }

// SendOffer relays an SDP offer to the peer
func (c *Client) SendOffer(sdp json.RawMessage) error {
	return c.write(&Message{Type: MsgOffer, SDP: sdp})
}

// SendAnswer relays an SDP answer to the peer
func (c *Client) SendAnswer(sdp json.RawMessage) error {
	return c.write(&Message{Type: MsgAnswer, SDP: sdp})
}

// SendCandidate relays an ICE candidate to the peer
func (c *Client) SendCandidate(candidate json.RawMessage) error {
	return c.write(&Message{Type: MsgICECandidate, Candidate: candidate})
}

// Close tears down the service connection
func (c *Client) Close() error {
	err := c.conn.Close()
	c.closeOnce.Do(func() { close(c.done) })
	return err
}
