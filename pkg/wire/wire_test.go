package wire_test

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/aimtest/aimtest/pkg/wire"
)

// fakeConn is a minimal wire.Conn backed by an in-memory queue, standing
// in for a *websocket.Conn in unit tests.
type fakeConn struct {
	outbox  [][2]interface{} // {messageType, data}
	inbox   [][2]interface{}
	readPos int
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.outbox = append(f.outbox, [2]interface{}{messageType, append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if f.readPos >= len(f.inbox) {
		return 0, nil, errors.New("fakeConn: no more queued messages")
	}
	entry := f.inbox[f.readPos]
	f.readPos++
	return entry[0].(int), entry[1].([]byte), nil
}

func (f *fakeConn) push(messageType int, data []byte) {
	f.inbox = append(f.inbox, [2]interface{}{messageType, data})
}

func TestCodecBinaryRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	codec := wire.NewCodec()

	if err := codec.WriteControl(conn, &wire.PingMessage{Kind: wire.KindPing, Token: 7, SentAtMillis: 1000}); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	entry := conn.outbox[0]
	if entry[0].(int) != websocket.BinaryMessage {
		t.Fatalf("unlocked codec should default to binary, got message type %v", entry[0])
	}
	conn.push(websocket.BinaryMessage, entry[1].([]byte))

	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Kind != wire.KindPing {
		t.Fatalf("frame.Kind = %v, want KindPing", frame.Kind)
	}
	ping, ok := frame.Msg.(*wire.PingMessage)
	if !ok {
		t.Fatalf("frame.Msg is %T, want *wire.PingMessage", frame.Msg)
	}
	if ping.Token != 7 || ping.SentAtMillis != 1000 {
		t.Errorf("decoded PingMessage = %+v", ping)
	}
	if codec.Mode() != wire.ModeBinary {
		t.Errorf("codec.Mode() = %v, want ModeBinary", codec.Mode())
	}
}

func TestCodecTextRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	conn.push(websocket.TextMessage, []byte(`{"kind":1,"ai_insights":true,"binary_protocol":false}`))

	codec := wire.NewCodec()
	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	start, ok := frame.Msg.(*wire.StartTestMessage)
	if !ok {
		t.Fatalf("frame.Msg is %T, want *wire.StartTestMessage", frame.Msg)
	}
	if !start.AIInsights {
		t.Error("decoded StartTestMessage lost its AIInsights flag")
	}
	if codec.Mode() != wire.ModeText {
		t.Errorf("codec.Mode() = %v, want ModeText after a text frame", codec.Mode())
	}

	if err := codec.WriteControl(conn, &wire.ErrorMessage{Kind: wire.KindError, ErrorKind: 4, Message: "boom"}); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	last := conn.outbox[len(conn.outbox)-1]
	if last[0].(int) != websocket.TextMessage {
		t.Errorf("mode-locked-text codec wrote message type %v, want TextMessage", last[0])
	}
}

func TestWriteBulkAlwaysBinary(t *testing.T) {
	conn := &fakeConn{}
	codec := wire.NewCodec()
	codec.SetMode(wire.ModeText)

	if err := codec.WriteBulk(conn, []byte("chunk")); err != nil {
		t.Fatalf("WriteBulk: %v", err)
	}
	entry := conn.outbox[0]
	if entry[0].(int) != websocket.BinaryMessage {
		t.Errorf("WriteBulk under ModeText wrote message type %v, want BinaryMessage", entry[0])
	}
	data := entry[1].([]byte)
	if wire.Kind(data[0]) != wire.KindBulk {
		t.Errorf("bulk frame prefix = %d, want KindBulk", data[0])
	}
	conn.push(websocket.BinaryMessage, data)
	frame, err := codec.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(frame.Bulk) != "chunk" {
		t.Errorf("decoded bulk payload = %q, want %q", frame.Bulk, "chunk")
	}
}

func TestReadFrameEmptyBinary(t *testing.T) {
	conn := &fakeConn{}
	conn.push(websocket.BinaryMessage, []byte{})
	codec := wire.NewCodec()
	if _, err := codec.ReadFrame(conn); err != wire.ErrEmptyBinaryFrame {
		t.Errorf("ReadFrame on empty binary frame = %v, want ErrEmptyBinaryFrame", err)
	}
}
