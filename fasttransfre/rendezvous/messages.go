package rendezvous

import "encoding/json"

// Message types exchanged with the rendezvous service. Records are
// JSON-serialized over a long-lived bidirectional websocket.
const (
	MsgCreateRoom   = "create-room"
	MsgRoomCreated  = "room-created"
	MsgJoinRoom     = "join-room"
	MsgRoomJoined   = "room-joined"
	MsgClientJoined = "client-joined"
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice-candidate"
	MsgError        = "error"
)

// Message is the union record for all rendezvous traffic. SDP descriptors
// and ICE candidates are relayed opaquely; the service never inspects them.
type Message struct {
	Type      string          `json:"type"`
	RoomCode  string          `json:"roomCode,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// isSignal reports whether a message is connection-setup traffic to relay
func isSignal(t string) bool {
	return t == MsgOffer || t == MsgAnswer || t == MsgICECandidate
}
