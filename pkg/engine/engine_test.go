package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aimtest/aimtest/pkg/engine"
	"github.com/aimtest/aimtest/pkg/wire"
)

// duplexConn is an in-memory wire.Conn backed by a channel pair, standing
// in for the two ends of a WebSocket connection in tests.
type duplexConn struct {
	send chan [2]interface{}
	recv chan [2]interface{}
}

func newDuplexPair() (server, client *duplexConn) {
	a := make(chan [2]interface{})
	b := make(chan [2]interface{})
	return &duplexConn{send: a, recv: b}, &duplexConn{send: b, recv: a}
}

func (d *duplexConn) WriteMessage(messageType int, data []byte) error {
	d.send <- [2]interface{}{messageType, append([]byte(nil), data...)}
	return nil
}

func (d *duplexConn) ReadMessage() (int, []byte, error) {
	m, ok := <-d.recv
	if !ok {
		return 0, nil, context.Canceled
	}
	return m[0].(int), m[1].([]byte), nil
}

// runFakeClient plays the client side of one session: it answers every
// Ping with a Pong, streams bulk chunks for the duration of the upload
// stage, and discards download-stage bulk chunks, until the server sends
// its terminal Results or Error frame.
func runFakeClient(codec *wire.Codec, conn wire.Conn) {
	_ = codec.WriteControl(conn, &wire.StartTestMessage{Kind: wire.KindStartTest, BinaryProtocol: true})

	var uploadWG sync.WaitGroup
	stopUpload := make(chan struct{})
	uploading := false

	for {
		frame, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		switch frame.Kind {
		case wire.KindPing:
			ping := frame.Msg.(*wire.PingMessage)
			_ = codec.WriteControl(conn, &wire.PongMessage{
				Kind: wire.KindPong, Token: ping.Token, SentAtMillis: ping.SentAtMillis,
				EchoAtMillis: ping.SentAtMillis,
			})
		case wire.KindBeginUpload:
			uploading = true
			uploadWG.Add(1)
			go func() {
				defer uploadWG.Done()
				chunk := make([]byte, 4096)
				for {
					select {
					case <-stopUpload:
						return
					default:
					}
					if err := codec.WriteBulk(conn, chunk); err != nil {
						return
					}
				}
			}()
		case wire.KindEndUpload:
			if uploading {
				close(stopUpload)
				uploadWG.Wait()
				uploading = false
			}
		case wire.KindResults, wire.KindError:
			return
		}
	}
}

func TestEngineRunProducesAScoredResult(t *testing.T) {
	serverConn, clientConn := newDuplexPair()

	cfg := engine.Config{
		MinDuration:           100 * time.Millisecond,
		MaxDuration:           2 * time.Second,
		ByteBudget:            2_000_000,
		MaxConcurrentSessions: 4,
	}
	eng := engine.New(cfg, make(chan struct{}, cfg.MaxConcurrentSessions))

	// Each bulk stage must outlast the throughput driver's 500 ms ramp-up
	// window, or no post-ramp-up bytes exist to yield a positive rate.
	session, err := eng.Start("server-1", "127.0.0.1:0", 1500, false, true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	clientCodec := wire.NewCodec()
	go runFakeClient(clientCodec, clientConn)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := eng.Run(ctx, session, serverConn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ID != session.ID {
		t.Errorf("result.ID = %v, want %v", result.ID, session.ID)
	}
	if result.DownloadMbps <= 0 {
		t.Error("expected a positive DownloadMbps from a full loopback session")
	}
	if result.UploadMbps <= 0 {
		t.Error("expected a positive UploadMbps from a full loopback session")
	}
	if result.Scores.Overall < 0 || result.Scores.Overall > 100 {
		t.Errorf("Scores.Overall = %d, out of [0,100]", result.Scores.Overall)
	}
	if result.EndTime.Before(result.StartTime) {
		t.Error("EndTime should not precede StartTime")
	}
}

func TestStartRejectsOutOfRangeDuration(t *testing.T) {
	cfg := engine.DefaultConfig()
	eng := engine.New(cfg, make(chan struct{}, cfg.MaxConcurrentSessions))
	if _, err := eng.Start("server-1", "", 1000, false, false); err == nil {
		t.Error("Start should reject a duration below MinDuration")
	}
}

func TestStartRejectsWhenSemaphoreFull(t *testing.T) {
	cfg := engine.DefaultConfig()
	sem := make(chan struct{}, 1)
	eng := engine.New(cfg, sem)
	if _, err := eng.Start("server-1", "", 5000, false, false); err != nil {
		t.Fatalf("first Start should succeed: %v", err)
	}
	if _, err := eng.Start("server-1", "", 5000, false, false); err == nil {
		t.Error("second concurrent Start should fail once the semaphore is full")
	}
}
