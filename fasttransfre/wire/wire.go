package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
)

// Two frame families share the data channel. Control frames are JSON objects
// with a "type" discriminant; data frames are binary, tagged with a reserved
// first byte so the two streams never need a speculative JSON parse.

// DataFrameTag is the reserved first byte of every binary data frame. JSON
// text can never start with 0xFF, which keeps discrimination total.
const DataFrameTag = 0xFF

// DataHeaderSize is the tag byte plus the little-endian
// (uint32 flatIndex, uint32 payloadLength) header.
const DataHeaderSize = 9

// ControlType discriminates control frames
type ControlType string

const (
	TypeFileStart        ControlType = "file-start"
	TypeChunkMetadata    ControlType = "chunk-metadata"
	TypeChunkAck         ControlType = "chunk-ack"
	TypeChunkNack        ControlType = "chunk-nack"
	TypeTransferComplete ControlType = "transfer-complete"
	TypeRetryRequest     ControlType = "retry-request"
)

// Control is the textual frame record. A single struct carries the union of
// all control fields; Type decides which ones are meaningful.
type Control struct {
	Type ControlType `json:"type"`

	// file-start
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	MainCount int    `json:"mainCount,omitempty"`
	SubCount  int    `json:"subCount,omitempty"`

	// chunk-metadata / chunk-ack / retry-request
	FlatIndex uint32 `json:"flatIndex,omitempty"`
	MainIndex int    `json:"mainIndex,omitempty"`
	SubIndex  int    `json:"subIndex,omitempty"`
	Digest    string `json:"digest,omitempty"`
	OK        bool   `json:"ok,omitempty"`

	// chunk-nack
	Indexes []uint32 `json:"indexes,omitempty"`
}

// Data is a decoded binary data frame
type Data struct {
	FlatIndex uint32
	Payload   []byte
}

// Frame is the result of decoding one wire message: exactly one of Control
// or Data is non-nil.
type Frame struct {
	Control *Control
	Data    *Data
}

var knownTypes = map[ControlType]bool{
	TypeFileStart:        true,
	TypeChunkMetadata:    true,
	TypeChunkAck:         true,
	TypeChunkNack:        true,
	TypeTransferComplete: true,
	TypeRetryRequest:     true,
}

// EncodeControl serializes a control frame to JSON
func EncodeControl(c *Control) ([]byte, error) {
	if !knownTypes[c.Type] {
		return nil, transfererrors.ErrFraming.WithDetail("type", string(c.Type)).WithMessage("unknown control type")
	}
	return json.Marshal(c)
}

// EncodeData builds a binary data frame for one sub-chunk payload
func EncodeData(flatIndex uint32, payload []byte) []byte {
	buf := make([]byte, DataHeaderSize+len(payload))
	buf[0] = DataFrameTag
	binary.LittleEndian.PutUint32(buf[1:5], flatIndex)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(len(payload)))
	copy(buf[DataHeaderSize:], payload)
	return buf
}

// Decode parses one wire message into a control or data frame
func Decode(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, transfererrors.ErrFraming.WithMessage("empty frame")
	}

	if raw[0] == DataFrameTag {
		data, err := decodeData(raw)
		if err != nil {
			return nil, err
		}
		return &Frame{Data: data}, nil
	}

	var ctrl Control
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return nil, transfererrors.ErrFraming.WithCause(err)
	}
	if !knownTypes[ctrl.Type] {
		return nil, transfererrors.ErrFraming.WithDetail("type", string(ctrl.Type)).WithMessage("unknown control type")
	}
	return &Frame{Control: &ctrl}, nil
}

func decodeData(raw []byte) (*Data, error) {
	if len(raw) < DataHeaderSize {
		return nil, transfererrors.ErrFraming.WithMessage("truncated data header").WithDetail("length", len(raw))
	}
	flatIndex := binary.LittleEndian.Uint32(raw[1:5])
	payloadLen := binary.LittleEndian.Uint32(raw[5:9])
	payload := raw[DataHeaderSize:]
	if uint32(len(payload)) != payloadLen {
		return nil, transfererrors.ErrFraming.
			WithMessage("data frame length mismatch").
			WithDetail("declared", payloadLen).
			WithDetail("actual", len(payload))
	}
	return &Data{FlatIndex: flatIndex, Payload: payload}, nil
}

// FileStart builds the file-start announcement
func FileStart(name string, size int64, mainCount, subCount int) *Control {
	return &Control{Type: TypeFileStart, Name: name, Size: size, MainCount: mainCount, SubCount: subCount}
}

// ChunkMetadata announces the digest for a sub-chunk ahead of its data frame
func ChunkMetadata(flatIndex uint32, mainIndex, subIndex int, digest string) *Control {
	return &Control{Type: TypeChunkMetadata, FlatIndex: flatIndex, MainIndex: mainIndex, SubIndex: subIndex, Digest: digest}
}

// ChunkAck acknowledges a verified (or rejected) sub-chunk
func ChunkAck(flatIndex uint32, ok bool) *Control {
	return &Control{Type: TypeChunkAck, FlatIndex: flatIndex, OK: ok}
}

// ChunkNack reports a batch of expected-but-missing sub-chunks
func ChunkNack(indexes []uint32) *Control {
	return &Control{Type: TypeChunkNack, Indexes: indexes}
}

// TransferComplete signals that one side considers the transfer finished
func TransferComplete() *Control {
	return &Control{Type: TypeTransferComplete}
}

// RetryRequest asks the sender to retransmit one sub-chunk
func RetryRequest(flatIndex uint32) *Control {
	return &Control{Type: TypeRetryRequest, FlatIndex: flatIndex}
}

func (c *Control) String() string {
	switch c.Type {
	case TypeFileStart:
		return fmt.Sprintf("file-start{name=%s size=%d mains=%d subs=%d}", c.Name, c.Size, c.MainCount, c.SubCount)
	case TypeChunkMetadata:
		return fmt.Sprintf("chunk-metadata{i=%d}", c.FlatIndex)
	case TypeChunkAck:
		return fmt.Sprintf("chunk-ack{i=%d ok=%v}", c.FlatIndex, c.OK)
	case TypeChunkNack:
		return fmt.Sprintf("chunk-nack{n=%d}", len(c.Indexes))
	case TypeRetryRequest:
		return fmt.Sprintf("retry-request{i=%d}", c.FlatIndex)
	default:
		return string(c.Type)
	}
}
