// Package iothrottle schedules fragment uploads and downloads across
// suppliers. Every supplier gets its own pair of FIFO queues (send and
// request) drained through a small sliding window of in-flight operations.
// The window grows by one on success and halves on timeout; per-operation
// timeouts adapt the same way, seeded from the file size over a configured
// minimum-throughput floor.
//
// The throttle itself never retries: retries are driven by the restorer and
// the rebuilder observing the backup matrix.
package iothrottle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/transport"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// Result is the terminal report of one queued operation.
type Result struct {
	PacketID string
	Supplier string
	Status   model.DeliveryStatus
	Reason   string
}

// ResultFunc receives the terminal report of one queued operation.
type ResultFunc func(Result)

// Config tunes the throttle.
type Config struct {
	MaxWindow     int           // in-flight cap per supplier
	MinTimeout    time.Duration // lower clamp of the adaptive timeout
	MaxTimeout    time.Duration // upper clamp of the adaptive timeout
	MinThroughput int64         // bytes/sec floor used to seed timeouts
	SuccessStreak int           // successes in a row before halving the timeout factor
	Logger        *logrus.Logger
	OnResult      ResultFunc // optional process-wide hook (matrix feed)
}

func (c *Config) setDefaults() {
	if c.MaxWindow <= 0 {
		c.MaxWindow = 4
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = 5 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 3 * time.Minute
	}
	if c.MinThroughput <= 0 {
		c.MinThroughput = 16 * 1024
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = 3
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

type operation struct {
	send     bool
	packetID string
	ownerID  string
	filename string // source file for sends, destination for requests
	size     int64
	cb       ResultFunc
	ctx      context.Context
	cancel   context.CancelFunc
}

type supplierQueue struct {
	supplier string
	mu       sync.Mutex
	sendQ    []*operation
	requestQ []*operation
	inFlight int
	window   int

	timeoutFactor float64
	succStreak    int

	kick   chan struct{}
	closed bool
}

// Throttle owns one queue pair per supplier.
type Throttle struct {
	cfg    Config
	codec  *packetcodec.Codec
	outbox transport.Outbox
	log    *logrus.Logger

	mu     sync.Mutex
	queues map[string]*supplierQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a running throttle.
func New(cfg Config, codec *packetcodec.Codec, outbox transport.Outbox) *Throttle {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Throttle{
		cfg:    cfg,
		codec:  codec,
		outbox: outbox,
		log:    cfg.Logger,
		queues: make(map[string]*supplierQueue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Throttle) queue(supplier string) *supplierQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[supplier]
	if !ok {
		q = &supplierQueue{
			supplier:      supplier,
			window:        1,
			timeoutFactor: 1,
			kick:          make(chan struct{}, 1),
		}
		t.queues[supplier] = q
		go t.drain(q)
	}
	return q
}

// QueueSend enqueues an upload of filename to supplier under packetID.
func (t *Throttle) QueueSend(filename, supplier, ownerID, packetID string, cb ResultFunc) {
	var size int64
	if fi, err := os.Stat(filename); err == nil {
		size = fi.Size()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	op := &operation{
		send: true, packetID: packetID, ownerID: ownerID,
		filename: filename, size: size, cb: cb, ctx: ctx, cancel: cancel,
	}
	q := t.queue(supplier)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.finish(q, op, Result{PacketID: packetID, Supplier: supplier, Status: model.StatusCancelled})
		return
	}
	q.sendQ = append(q.sendQ, op)
	q.mu.Unlock()
	q.poke()
}

// QueueRequest enqueues a download of packetID from supplier into
// destFilename.
func (t *Throttle) QueueRequest(packetID, ownerID, supplier, destFilename string, cb ResultFunc) {
	ctx, cancel := context.WithCancel(t.ctx)
	op := &operation{
		send: false, packetID: packetID, ownerID: ownerID,
		filename: destFilename, cb: cb, ctx: ctx, cancel: cancel,
	}
	q := t.queue(supplier)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.finish(q, op, Result{PacketID: packetID, Supplier: supplier, Status: model.StatusCancelled})
		return
	}
	q.requestQ = append(q.requestQ, op)
	q.mu.Unlock()
	q.poke()
}

func (q *supplierQueue) poke() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (t *Throttle) drain(q *supplierQueue) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-q.kick:
		}
		for {
			q.mu.Lock()
			if q.inFlight >= q.window {
				q.mu.Unlock()
				break
			}
			var op *operation
			// Requests are popped before sends so restores are not starved
			// by bulk uploads; each queue is FIFO internally.
			if len(q.requestQ) > 0 {
				op, q.requestQ = q.requestQ[0], q.requestQ[1:]
			} else if len(q.sendQ) > 0 {
				op, q.sendQ = q.sendQ[0], q.sendQ[1:]
			}
			if op == nil {
				q.mu.Unlock()
				break
			}
			q.inFlight++
			timeout := t.opTimeout(q, op)
			q.mu.Unlock()
			go t.run(q, op, timeout)
		}
	}
}

func (t *Throttle) opTimeout(q *supplierQueue, op *operation) time.Duration {
	base := time.Duration(op.size/t.cfg.MinThroughput) * time.Second
	d := time.Duration(float64(base) * q.timeoutFactor)
	if d < t.cfg.MinTimeout {
		d = t.cfg.MinTimeout
	}
	if d > t.cfg.MaxTimeout {
		d = t.cfg.MaxTimeout
	}
	return d
}

func (t *Throttle) run(q *supplierQueue, op *operation, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(op.ctx, timeout)
	defer cancel()

	res := t.execute(ctx, q.supplier, op)

	q.mu.Lock()
	q.inFlight--
	switch res.Status {
	case model.StatusDelivered, model.StatusReceived:
		q.succStreak++
		if q.window < t.cfg.MaxWindow {
			q.window++
		}
		if q.succStreak >= t.cfg.SuccessStreak {
			q.succStreak = 0
			q.timeoutFactor /= 2
			if q.timeoutFactor < 1 {
				q.timeoutFactor = 1
			}
		}
	case model.StatusTimeout:
		q.succStreak = 0
		q.window /= 2
		if q.window < 1 {
			q.window = 1
		}
		q.timeoutFactor *= 2
	default:
		q.succStreak = 0
	}
	q.mu.Unlock()
	q.poke()

	t.finish(q, op, res)
}

func (t *Throttle) finish(q *supplierQueue, op *operation, res Result) {
	op.cancel()
	if t.cfg.OnResult != nil {
		t.cfg.OnResult(res)
	}
	if op.cb != nil {
		op.cb(res)
	}
}

func (t *Throttle) execute(ctx context.Context, supplier string, op *operation) Result {
	res := Result{PacketID: op.packetID, Supplier: supplier}
	if err := op.ctx.Err(); err != nil {
		res.Status = model.StatusCancelled
		return res
	}

	if op.send {
		data, err := os.ReadFile(op.filename)
		if err != nil {
			res.Status = model.StatusFailed
			res.Reason = fmt.Sprintf("read %s: %v", op.filename, err)
			return res
		}
		pkt, err := t.codec.Make(model.CmdData, op.ownerID, op.packetID, data, supplier)
		if err != nil {
			res.Status = model.StatusFailed
			res.Reason = err.Error()
			return res
		}
		reply, err := t.outbox.Send(ctx, supplier, pkt)
		return t.classifySend(res, reply, err, op)
	}

	pkt, err := t.codec.Make(model.CmdRetrieve, op.ownerID, op.packetID, nil, supplier)
	if err != nil {
		res.Status = model.StatusFailed
		res.Reason = err.Error()
		return res
	}
	reply, err := t.outbox.Send(ctx, supplier, pkt)
	return t.classifyRequest(res, reply, err, op)
}

func (t *Throttle) classifySend(res Result, reply *model.Packet, err error, op *operation) Result {
	switch {
	case err == nil && reply != nil && reply.Command == model.CmdAck:
		res.Status = model.StatusDelivered
	case err == nil && reply != nil && reply.Command == model.CmdFail:
		res.Status = model.StatusFailed
		res.Reason = string(reply.Payload)
	case errors.Is(op.ctx.Err(), context.Canceled):
		res.Status = model.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = model.StatusTimeout
	default:
		res.Status = model.StatusFailed
		if err != nil {
			res.Reason = err.Error()
		} else {
			res.Reason = "unexpected reply"
		}
	}
	return res
}

func (t *Throttle) classifyRequest(res Result, reply *model.Packet, err error, op *operation) Result {
	switch {
	case err == nil && reply != nil && reply.Command == model.CmdData:
		// The supplier wraps the stored packet as the payload of a fresh
		// Data packet; the fragment bytes are the inner packet's payload.
		inner, perr := packetcodec.Parse(reply.Payload)
		if perr != nil {
			res.Status = model.StatusFailed
			res.Reason = perr.Error()
			return res
		}
		if werr := writeFileAtomic(op.filename, inner.Payload); werr != nil {
			res.Status = model.StatusFailed
			res.Reason = werr.Error()
			return res
		}
		res.Status = model.StatusReceived
	case err == nil && reply != nil && reply.Command == model.CmdFail:
		res.Status = model.StatusFailed
		res.Reason = string(reply.Payload)
	case errors.Is(op.ctx.Err(), context.Canceled):
		res.Status = model.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = model.StatusTimeout
	default:
		res.Status = model.StatusFailed
		if err != nil {
			res.Reason = err.Error()
		} else {
			res.Reason = "unexpected reply"
		}
	}
	return res
}

// DeleteBackupRequests purges every queued entry whose packet id belongs to
// backupID, across all suppliers. An operation already handed to the
// transport runs to completion.
func (t *Throttle) DeleteBackupRequests(backupID string) {
	t.mu.Lock()
	queues := make([]*supplierQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()

	match := func(op *operation) bool {
		return strings.Contains(op.packetID, backupID)
	}
	for _, q := range queues {
		t.purge(q, match)
	}
}

// DeleteSuppliers closes the queues of the given suppliers and cancels all
// their entries.
func (t *Throttle) DeleteSuppliers(suppliers map[string]bool) {
	t.mu.Lock()
	var doomed []*supplierQueue
	for id, q := range t.queues {
		if suppliers[id] {
			doomed = append(doomed, q)
			delete(t.queues, id)
		}
	}
	t.mu.Unlock()
	for _, q := range doomed {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		t.purge(q, func(*operation) bool { return true })
	}
}

func (t *Throttle) purge(q *supplierQueue, match func(*operation) bool) {
	q.mu.Lock()
	var keptS, cutS []*operation
	for _, op := range q.sendQ {
		if match(op) {
			cutS = append(cutS, op)
		} else {
			keptS = append(keptS, op)
		}
	}
	q.sendQ = keptS
	var keptR, cutR []*operation
	for _, op := range q.requestQ {
		if match(op) {
			cutR = append(cutR, op)
		} else {
			keptR = append(keptR, op)
		}
	}
	q.requestQ = keptR
	q.mu.Unlock()

	for _, op := range append(cutS, cutR...) {
		t.finish(q, op, Result{PacketID: op.packetID, Supplier: q.supplier, Status: model.StatusCancelled})
	}
}

// Close cancels everything and stops the queue goroutines.
func (t *Throttle) Close() {
	t.cancel()
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
