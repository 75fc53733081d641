package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/pkg/model"
)

// Produce appends a message to a queue and returns its sequence id.
// Sequence ids are wall-clock microseconds bumped on collision, so they
// stay strictly monotonic across restarts.
func (b *Broker) Produce(queueID, producerID string, payload json.RawMessage) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueID]
	if !ok {
		return 0, ErrUnknownQueue
	}
	if _, ok := q.producers[producerID]; !ok {
		return 0, fmt.Errorf("%w: producer %s not registered", ErrDenied, producerID)
	}
	if len(q.messages) >= b.cfg.MaxQueueLength {
		return 0, ErrQueueOverloaded
	}

	seq := time.Now().UnixMicro()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq

	audience := make(map[string]bool, len(q.consumers))
	for id := range q.consumers {
		audience[id] = true
	}
	q.messages = append(q.messages, &pendingMessage{
		Message: Message{
			SequenceID: seq,
			Created:    seq,
			ProducerID: producerID,
			Payload:    payload,
		},
		notified: make(map[string]bool),
		acked:    make(map[string]bool),
		failed:   make(map[string]bool),
		audience: audience,
	})
	return seq, nil
}

// Consume replays the still-pending history for one consumer, up to limit
// messages (the per-consumer pending cap when limit <= 0). Replayed
// messages are not marked processed; the scheduler keeps tracking them.
func (b *Broker) Consume(queueID, consumerID string, limit int) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueID]
	if !ok {
		return nil, ErrUnknownQueue
	}
	if _, ok := q.consumers[consumerID]; !ok {
		return nil, fmt.Errorf("%w: consumer %s not registered", ErrDenied, consumerID)
	}
	if limit <= 0 {
		limit = b.cfg.MaxPending
	}
	var out []Message
	for _, m := range q.messages {
		if m.acked[consumerID] || m.failed[consumerID] {
			continue
		}
		out = append(out, m.Message)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *Broker) deliveryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.deliverPending()
		}
	}
}

type dispatch struct {
	queueID  string
	consumer string
	callback string
	local    LocalCallback
	msg      Message
}

// deliverPending scans every queue, force-unsubscribes consumers over the
// pending cap, dispatches unnotified messages and cleans fully-settled
// ones.
func (b *Broker) deliverPending() {
	b.mu.Lock()
	var work []dispatch
	for queueID, q := range b.queues {
		for id, c := range q.consumers {
			if len(c.pending) > b.cfg.MaxPending {
				b.log.WithFields(logrus.Fields{
					"queue":    queueID,
					"consumer": id,
					"pending":  len(c.pending),
				}).Warn("force-unsubscribing slow consumer")
				b.dropConsumerLocked(q, id)
			}
		}
		for _, m := range q.messages {
			for id, c := range q.consumers {
				if m.notified[id] || m.acked[id] || m.failed[id] {
					continue
				}
				m.notified[id] = true
				m.Attempts++
				c.pending[m.SequenceID] = true
				work = append(work, dispatch{
					queueID:  queueID,
					consumer: id,
					callback: c.reg.Callback,
					local:    c.local,
					msg:      m.Message,
				})
			}
		}
		b.cleanQueueLocked(queueID, q)
	}
	b.mu.Unlock()

	for _, d := range work {
		go b.dispatchOne(d)
	}
}

// dropConsumerLocked removes a consumer and its backlog. Callers hold
// b.mu.
func (b *Broker) dropConsumerLocked(q *queue, consumerID string) {
	delete(q.consumers, consumerID)
	b.eraseParticipant(q.id, "consumers", consumerID)
	for _, m := range q.messages {
		delete(m.notified, consumerID)
	}
}

// cleanQueueLocked removes messages whose whole publish-time audience has
// settled, recording consumers that never acked.
func (b *Broker) cleanQueueLocked(queueID string, q *queue) {
	kept := q.messages[:0]
	for _, m := range q.messages {
		settled := true
		for id := range m.audience {
			if m.acked[id] {
				continue
			}
			if _, still := q.consumers[id]; !still {
				continue // unsubscribed, nothing more to wait for
			}
			if m.failed[id] {
				continue
			}
			settled = false
			break
		}
		if !settled {
			kept = append(kept, m)
			continue
		}
		for id := range m.audience {
			if !m.acked[id] {
				b.failedNotifications[queueID] = append(b.failedNotifications[queueID], id)
			}
		}
	}
	q.messages = kept
}

func (b *Broker) dispatchOne(d dispatch) {
	ok := false
	if d.local != nil {
		ok = d.local(d.queueID, d.msg)
	} else if d.callback != "" {
		ok = b.dispatchRemote(d)
	}
	b.settle(d.queueID, d.consumer, d.msg.SequenceID, ok)
}

// dispatchRemote emits an Event packet to the consumer's idurl and maps
// Ack to success, Fail or timeout to failure.
func (b *Broker) dispatchRemote(d dispatch) bool {
	body, err := json.Marshal(struct {
		QueueID string  `json:"queue_id"`
		Message Message `json:"message"`
	}{QueueID: d.queueID, Message: d.msg})
	if err != nil {
		return false
	}
	pkt, err := b.cfg.Codec.Make(model.CmdEvent, b.cfg.Codec.LocalID(), model.UniqueID(), body, d.callback)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SendTimeout)
	defer cancel()
	reply, err := b.cfg.Outbox.Send(ctx, d.callback, pkt)
	if err != nil || reply == nil {
		return false
	}
	return reply.Command == model.CmdAck
}

func (b *Broker) settle(queueID, consumerID string, seq int64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, exists := b.queues[queueID]
	if !exists {
		return
	}
	if c, still := q.consumers[consumerID]; still {
		if ok {
			// A failed notification stays charged to the consumer;
			// the backlog only shrinks on success and is what trips
			// the force-unsubscribe cap.
			delete(c.pending, seq)
			c.success++
		} else {
			c.failures++
		}
	}
	for _, m := range q.messages {
		if m.SequenceID != seq {
			continue
		}
		if ok {
			m.acked[consumerID] = true
		} else {
			m.failed[consumerID] = true
		}
		break
	}
}

// action is the JSON envelope inside Message/Event packets addressed to
// the broker.
type action struct {
	Action  string `json:"action"`
	QueueID string `json:"queue_id,omitempty"`
	ConnectRequest
	Payload json.RawMessage `json:"payload,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// Handle is the inbound packet entry point for broker actions, suitable
// as a transport handler.
func (b *Broker) Handle(ctx context.Context, pkt *model.Packet) (*model.Packet, error) {
	if err := b.cfg.Codec.Verify(pkt); err != nil {
		return nil, err
	}
	var act action
	if err := json.Unmarshal(pkt.Payload, &act); err != nil {
		return b.reply(pkt, model.CmdFail, []byte("malformed action"))
	}

	switch act.Action {
	case "queue-connect":
		queueID, err := b.Connect(act.ConnectRequest, nil)
		if err != nil {
			return b.reply(pkt, model.CmdFail, []byte("deny:"+err.Error()))
		}
		return b.reply(pkt, model.CmdAck, []byte("accepted:"+queueID))

	case "queue-disconnect":
		if err := b.Disconnect(act.QueueID, act.ConsumerID, act.ProducerID); err != nil {
			return b.reply(pkt, model.CmdFail, []byte("deny:"+err.Error()))
		}
		return b.reply(pkt, model.CmdAck, []byte("disconnected"))

	case "produce":
		seq, err := b.Produce(act.QueueID, pkt.CreatorID, act.Payload)
		if err != nil {
			return b.reply(pkt, model.CmdFail, []byte(err.Error()))
		}
		return b.reply(pkt, model.CmdAck, []byte(fmt.Sprintf("%d", seq)))

	case "consume":
		msgs, err := b.Consume(act.QueueID, pkt.CreatorID, act.Limit)
		if err != nil {
			return b.reply(pkt, model.CmdFail, []byte(err.Error()))
		}
		body, err := json.Marshal(msgs)
		if err != nil {
			return b.reply(pkt, model.CmdFail, []byte("marshal failed"))
		}
		return b.reply(pkt, model.CmdAck, body)
	}
	return b.reply(pkt, model.CmdFail, []byte("unknown action"))
}

func (b *Broker) reply(pkt *model.Packet, cmd model.Command, payload []byte) (*model.Packet, error) {
	return b.cfg.Codec.Make(cmd, b.cfg.Codec.LocalID(), pkt.PacketID, payload, pkt.CreatorID)
}
