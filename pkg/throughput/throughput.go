// Package throughput implements the Throughput Driver: moving bulk bytes
// in one direction for a bounded duration and emitting periodic rate
// snapshots, independently of the Latency Prober running on the side
// channel of the same connection.
package throughput

import (
	"context"
	"math/rand"
	"time"

	"github.com/aimtest/aimtest/pkg/model"
	"github.com/aimtest/aimtest/pkg/wire"
)

// defaultChunkSize is the fixed-size binary chunk moved per write when the
// client does not request a different size in its StartTest message.
const defaultChunkSize = 64 * 1024

// minChunkSize and maxChunkSize bound a client-requested chunk size so a
// misbehaving or adversarial client cannot force pathologically small
// writes (syscall overhead) or pathologically large ones (head-of-line
// blocking on a slow consumer).
const (
	minChunkSize = 1024
	maxChunkSize = 1 << 20
)

// clampChunkSize returns want if it falls within [minChunkSize,
// maxChunkSize], and defaultChunkSize when want is zero.
func clampChunkSize(want uint32) int {
	if want == 0 {
		return defaultChunkSize
	}
	if want < minChunkSize {
		return minChunkSize
	}
	if want > maxChunkSize {
		return maxChunkSize
	}
	return int(want)
}

// intervalPeriod is how often a ThroughputInterval snapshot is emitted.
const intervalPeriod = 100 * time.Millisecond

// rampUp is the leading window of a stage excluded from the speed
// estimate, to avoid penalizing the measurement for slow-start effects.
const rampUp = 500 * time.Millisecond

// Writer is the minimal interface the Driver needs from the transport to
// send bulk chunks; satisfied by *wire.Codec paired with a wire.Conn.
type Writer interface {
	WriteBulk(payload []byte) error
}

// Driver moves bytes in one direction for a bounded duration and reports
// periodic throughput snapshots plus a final byte total.
type Driver struct {
	byteBudget int64
	chunkSize  int
}

// New returns a Driver that stops early if byteBudget bytes have been
// moved, regardless of elapsed time. byteBudget <= 0 disables the cap.
// It writes defaultChunkSize chunks.
func New(byteBudget int64) *Driver {
	return &Driver{byteBudget: byteBudget, chunkSize: defaultChunkSize}
}

// NewWithChunkSize is New, but honors a client-requested chunk size
// (clamped to [minChunkSize, maxChunkSize], or defaultChunkSize if 0).
func NewWithChunkSize(byteBudget int64, requestedChunkSize uint32) *Driver {
	return &Driver{byteBudget: byteBudget, chunkSize: clampChunkSize(requestedChunkSize)}
}

// Send drives the download direction: it writes randomly generated,
// fixed-size chunks to w for the duration of ctx, emitting a
// ThroughputInterval on intervals and a final one when ctx ends.
// Send blocks on each write, so a slow consumer naturally produces a
// lower measured rate rather than unbounded queuing.
func (d *Driver) Send(ctx context.Context, w Writer, start time.Time) <-chan model.ThroughputInterval {
	out := make(chan model.ThroughputInterval, 64)
	go func() {
		defer close(out)
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		chunk := make([]byte, d.chunkSize)
		var total, bytesAtRampEnd int64
		var rampCaptured bool
		lastTick := start
		for {
			select {
			case <-ctx.Done():
				emit(out, start, total, bytesAtRampEnd, rampCaptured)
				return
			default:
			}
			rnd.Read(chunk)
			payload := chunk
			if d.byteBudget > 0 {
				remaining := d.byteBudget - total
				if remaining <= 0 {
					emit(out, start, total, bytesAtRampEnd, rampCaptured)
					return
				}
				if remaining < int64(len(chunk)) {
					payload = chunk[:remaining]
				}
			}
			if err := w.WriteBulk(payload); err != nil {
				emit(out, start, total, bytesAtRampEnd, rampCaptured)
				return
			}
			total += int64(len(payload))
			if !rampCaptured && time.Since(start) >= rampUp {
				bytesAtRampEnd = total
				rampCaptured = true
			}
			if time.Since(lastTick) >= intervalPeriod {
				emit(out, start, total, bytesAtRampEnd, rampCaptured)
				lastTick = time.Now()
			}
		}
	}()
	return out
}

// Recv drives the upload direction: it counts bytes arriving on incoming
// bulk chunks, which the caller decodes via wire.Codec and forwards here
// via Count, until ctx is done.
type Recv struct {
	start          time.Time
	total          int64
	bytesAtRampEnd int64
	rampCaptured   bool
	out            chan model.ThroughputInterval
	tick           chan struct{}
}

// NewRecv returns a Recv that reports intervals relative to start.
func NewRecv(start time.Time) *Recv {
	return &Recv{start: start, out: make(chan model.ThroughputInterval, 64), tick: make(chan struct{}, 1)}
}

// Count adds n bytes to the running total. The caller invokes this once
// per bulk frame read off the connection.
func (r *Recv) Count(n int) {
	r.total += int64(n)
	select {
	case r.tick <- struct{}{}:
	default:
	}
}

// Run emits a ThroughputInterval every intervalPeriod, plus a final one
// when ctx ends, based on the running total accumulated via Count. The
// returned channel is closed when ctx is done.
func (r *Recv) Run(ctx context.Context) <-chan model.ThroughputInterval {
	go func() {
		defer close(r.out)
		t := time.NewTicker(intervalPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				r.captureRampEnd()
				emit(r.out, r.start, r.total, r.bytesAtRampEnd, r.rampCaptured)
				return
			case <-t.C:
				r.captureRampEnd()
				emit(r.out, r.start, r.total, r.bytesAtRampEnd, r.rampCaptured)
			}
		}
	}()
	return r.out
}

// captureRampEnd records the byte total at the instant the ramp-up window
// closes, so later rate estimates can exclude ramp-up bytes rather than
// just shortening the time window they're divided by.
func (r *Recv) captureRampEnd() {
	if !r.rampCaptured && time.Since(r.start) >= rampUp {
		r.bytesAtRampEnd = r.total
		r.rampCaptured = true
	}
}

func emit(out chan<- model.ThroughputInterval, start time.Time, total, bytesAtRampEnd int64, rampCaptured bool) {
	elapsed := time.Since(start)
	interval := model.ThroughputInterval{
		ElapsedMillis: elapsed.Milliseconds(),
		BytesTotal:    total,
	}
	if rampCaptured {
		usable := elapsed - rampUp
		if usable > 0 {
			interval.MbpsInstant = float64(total-bytesAtRampEnd) * 8 / 1e6 / usable.Seconds()
		}
	}
	select {
	case out <- interval:
	default:
	}
}

// codecWriter adapts a wire.Codec and connection into a Writer.
type codecWriter struct {
	codec *wire.Codec
	conn  wire.Conn
}

// NewCodecWriter returns a Writer that sends bulk chunks through codec
// over conn.
func NewCodecWriter(codec *wire.Codec, conn wire.Conn) Writer {
	return &codecWriter{codec: codec, conn: conn}
}

func (c *codecWriter) WriteBulk(payload []byte) error {
	return c.codec.WriteBulk(c.conn, payload)
}

// AverageMbps computes the mean throughput over a set of intervals,
// using the final interval's byte total less the bytes already moved by
// the end of the ramp-up window, over the elapsed time following that
// window — both the numerator and the denominator exclude ramp-up,
// matching the Orchestrator's end-of-stage aggregate.
func AverageMbps(intervals []model.ThroughputInterval) float64 {
	if len(intervals) == 0 {
		return 0
	}
	last := intervals[len(intervals)-1]
	elapsed := time.Duration(last.ElapsedMillis) * time.Millisecond
	if elapsed <= rampUp {
		return 0
	}
	usable := elapsed - rampUp
	var bytesAtRampEnd int64
	for _, iv := range intervals {
		if iv.ElapsedMillis > rampUp.Milliseconds() {
			break
		}
		bytesAtRampEnd = iv.BytesTotal
	}
	return float64(last.BytesTotal-bytesAtRampEnd) * 8 / 1e6 / usable.Seconds()
}
