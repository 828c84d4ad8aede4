// Package wire implements the dual binary/textual message codec used on
// the test WebSocket connection. Every control message is a tagged union
// member; bulk transfer chunks are untagged payload carried alongside
// them on the same connection.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// Kind identifies a control message's type. KindBulk (zero) is reserved
// for untagged bulk transfer chunks and never wraps a msgpack payload.
type Kind uint8

const (
	KindBulk Kind = iota
	KindStartTest
	KindPing
	KindPong
	KindBeginUpload
	KindEndUpload
	KindProgress
	KindResults
	KindError
)

// Mode is the wire encoding locked in for a connection: either every
// control message is JSON text, or every control message is a
// kind-prefixed msgpack binary frame.
type Mode uint8

const (
	ModeUnlocked Mode = iota
	ModeBinary
	ModeText
)

// StartTestMessage requests that the server begin a test with the given
// feature flags. ChunkSize and ParallelStreams are advisory: the server
// clamps ChunkSize to its own bounds and ignores ParallelStreams, since
// the streaming channel is a single bidirectional connection and does
// not fan the bulk stages out across multiple sockets.
type StartTestMessage struct {
	Kind            Kind   `json:"kind" msgpack:"kind"`
	AIInsights      bool   `json:"ai_insights" msgpack:"ai_insights"`
	BinaryProtocol  bool   `json:"binary_protocol" msgpack:"binary_protocol"`
	ChunkSize       uint32 `json:"chunk_size,omitempty" msgpack:"chunk_size,omitempty"`
	ParallelStreams uint8  `json:"parallel_streams,omitempty" msgpack:"parallel_streams,omitempty"`
	Flags           uint32 `json:"flags,omitempty" msgpack:"flags,omitempty"`
}

func (m *StartTestMessage) kind() Kind { return KindStartTest }

// PingMessage is a latency probe sent by either party.
type PingMessage struct {
	Kind         Kind   `json:"kind" msgpack:"kind"`
	Token        uint32 `json:"token" msgpack:"token"`
	SentAtMillis int64  `json:"sent_at_ms" msgpack:"sent_at_ms"`
}

func (m *PingMessage) kind() Kind { return KindPing }

// PongMessage is the timestamped echo of a PingMessage.
type PongMessage struct {
	Kind         Kind   `json:"kind" msgpack:"kind"`
	Token        uint32 `json:"token" msgpack:"token"`
	SentAtMillis int64  `json:"sent_at_ms" msgpack:"sent_at_ms"`
	EchoAtMillis int64  `json:"echo_at_ms" msgpack:"echo_at_ms"`
}

func (m *PongMessage) kind() Kind { return KindPong }

// BeginUploadMessage marks the start of the upload stage's bulk chunks.
// BytesGoal and DeadlineMillis are advisory hints to the client about how
// much to send and by when; the server derives the actual stage bounds
// from its own Config rather than trusting them.
type BeginUploadMessage struct {
	Kind           Kind   `json:"kind" msgpack:"kind"`
	BytesGoal      int64  `json:"bytes_goal,omitempty" msgpack:"bytes_goal,omitempty"`
	DeadlineMillis int64  `json:"deadline_ms,omitempty" msgpack:"deadline_ms,omitempty"`
}

func (m *BeginUploadMessage) kind() Kind { return KindBeginUpload }

// EndUploadMessage marks the end of the upload stage's bulk chunks.
type EndUploadMessage struct {
	Kind Kind `json:"kind" msgpack:"kind"`
}

func (m *EndUploadMessage) kind() Kind { return KindEndUpload }

// ProgressMessage is a status update: one is sent when the session starts,
// then one per throughput interval during the download and upload stages.
type ProgressMessage struct {
	Kind             Kind    `json:"kind" msgpack:"kind"`
	Stage            uint8   `json:"stage" msgpack:"stage"`
	PercentComplete  uint8   `json:"percent_complete" msgpack:"percent_complete"`
	CurrentMbps      float32 `json:"current_mbps" msgpack:"current_mbps"`
	CurrentLatencyMs float32 `json:"current_latency_ms" msgpack:"current_latency_ms"`
}

func (m *ProgressMessage) kind() Kind { return KindProgress }

// CompactResult is a narrow-typed summary of a TestResult, sized to be
// cheap to encode on the wire. The bufferbloat ratio is fixed-point,
// tenths of a unit, stored as int16; scores are whole numbers in uint8.
type CompactResult struct {
	DownloadMbps        float32 `json:"download_mbps" msgpack:"download_mbps"`
	UploadMbps          float32 `json:"upload_mbps" msgpack:"upload_mbps"`
	LatencyMs           float32 `json:"latency_ms" msgpack:"latency_ms"`
	JitterMs            float32 `json:"jitter_ms" msgpack:"jitter_ms"`
	BufferbloatGrade    uint8   `json:"bufferbloat_grade" msgpack:"bufferbloat_grade"`
	BufferbloatRatioX10 int16   `json:"bufferbloat_ratio_x10" msgpack:"bufferbloat_ratio_x10"`
	GamingScore         uint8   `json:"gaming_score" msgpack:"gaming_score"`
	StreamingScore      uint8   `json:"streaming_score" msgpack:"streaming_score"`
	VideoConfScore      uint8   `json:"video_conf_score" msgpack:"video_conf_score"`
	BrowsingScore       uint8   `json:"browsing_score" msgpack:"browsing_score"`
	OverallScore        uint8   `json:"overall_score" msgpack:"overall_score"`
}

// ResultsMessage carries the final CompactResult.
type ResultsMessage struct {
	Kind   Kind          `json:"kind" msgpack:"kind"`
	Result CompactResult `json:"result" msgpack:"result"`
}

func (m *ResultsMessage) kind() Kind { return KindResults }

// ErrorMessage reports an error. Most uses are terminal (the server sends
// one and closes out the session), but ErrProbeDegraded is sent as a
// non-fatal warning partway through a stage — the session continues.
type ErrorMessage struct {
	Kind      Kind   `json:"kind" msgpack:"kind"`
	ErrorKind uint8  `json:"error_kind" msgpack:"error_kind"`
	Message   string `json:"message" msgpack:"message"`
}

func (m *ErrorMessage) kind() Kind { return KindError }

type kinded interface {
	kind() Kind
}

// Frame is one decoded inbound message: either a bulk transfer chunk
// (Kind == KindBulk, Bulk set) or a tagged control message (Msg set to
// a pointer to one of the message structs above).
type Frame struct {
	Kind Kind
	Bulk []byte
	Msg  interface{}
}

// Conn is the subset of *websocket.Conn the codec needs. Satisfied
// directly by *websocket.Conn; narrowed here so the codec can be tested
// against a fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// ErrEmptyBinaryFrame is returned when a zero-length binary frame is
// read; such a frame cannot carry even a kind prefix.
var ErrEmptyBinaryFrame = errors.New("wire: empty binary frame")

// Codec encodes and decodes messages for one connection, locking the
// wire's encoding (binary msgpack or textual JSON) the first time it
// observes an inbound frame, or when explicitly told via SetMode.
type Codec struct {
	mode Mode
}

// NewCodec returns a Codec with its mode unlocked.
func NewCodec() *Codec {
	return &Codec{mode: ModeUnlocked}
}

// SetMode locks the codec's mode without waiting to observe an inbound
// frame. Used by the party that writes first, based on the client's
// advance protocol preference.
func (c *Codec) SetMode(m Mode) {
	c.mode = m
}

// Mode returns the codec's current mode, which is ModeUnlocked until a
// frame has been read or SetMode has been called.
func (c *Codec) Mode() Mode {
	return c.mode
}

// WriteBulk writes an untagged bulk transfer chunk. Bulk chunks are
// always sent as binary WebSocket frames, even in text mode.
func (c *Codec) WriteBulk(conn Conn, payload []byte) error {
	frame := make([]byte, len(payload)+1)
	frame[0] = byte(KindBulk)
	copy(frame[1:], payload)
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// WriteControl encodes and writes a tagged control message using the
// codec's locked mode. If the mode is still unlocked, it defaults to
// binary.
func (c *Codec) WriteControl(conn Conn, msg kinded) error {
	if c.mode == ModeText {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}
	frame := make([]byte, len(payload)+1)
	frame[0] = byte(msg.kind())
	copy(frame[1:], payload)
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// ReadFrame reads and decodes the next frame from conn. The first call
// on an unlocked codec locks the mode based on the frame's WebSocket
// opcode: binary locks ModeBinary, text locks ModeText.
func (c *Codec) ReadFrame(conn Conn) (*Frame, error) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.mode == ModeUnlocked {
		if messageType == websocket.BinaryMessage {
			c.mode = ModeBinary
		} else {
			c.mode = ModeText
		}
	}
	if messageType == websocket.BinaryMessage {
		return decodeBinary(data)
	}
	return decodeText(data)
}

func decodeBinary(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBinaryFrame
	}
	kind := Kind(data[0])
	payload := data[1:]
	if kind == KindBulk {
		return &Frame{Kind: KindBulk, Bulk: payload}, nil
	}
	msg, err := newForKind(kind)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return &Frame{Kind: kind, Msg: msg}, nil
}

func decodeText(data []byte) (*Frame, error) {
	var peek struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, err
	}
	msg, err := newForKind(peek.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return &Frame{Kind: peek.Kind, Msg: msg}, nil
}

func newForKind(kind Kind) (interface{}, error) {
	switch kind {
	case KindStartTest:
		return &StartTestMessage{}, nil
	case KindPing:
		return &PingMessage{}, nil
	case KindPong:
		return &PongMessage{}, nil
	case KindBeginUpload:
		return &BeginUploadMessage{}, nil
	case KindEndUpload:
		return &EndUploadMessage{}, nil
	case KindProgress:
		return &ProgressMessage{}, nil
	case KindResults:
		return &ResultsMessage{}, nil
	case KindError:
		return &ErrorMessage{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kind)
	}
}
