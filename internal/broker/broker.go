// Package broker implements the supplier-hosted message queue service.
// A queue belongs to an owner and is addressed as "<alias>&<owner>&
// <supplier>". Consumer and producer registrations are persisted as small
// JSON files so the broker resumes its subscriptions after a restart;
// messages themselves are never persisted.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/transport"
)

const (
	// MaxQueueLength is the hard cap on pending messages per queue.
	MaxQueueLength = 100
	// MaxPendingPerConsumer is the cap on unsettled notifications charged
	// to one consumer before it is force-unsubscribed.
	MaxPendingPerConsumer = 100

	stateDir = "service_joint_postman"
)

var (
	// ErrQueueOverloaded is the produce refusal when a queue is full.
	ErrQueueOverloaded = errors.New("broker: P2PQueueIsOverloaded")
	ErrUnknownQueue    = errors.New("broker: unknown queue")
	ErrDenied          = errors.New("broker: denied")
)

// MakeQueueID builds "<alias>&<owner>&<supplier>".
func MakeQueueID(alias, owner, supplier string) string {
	return alias + "&" + owner + "&" + supplier
}

// ParseQueueID splits a queue id into its three parts.
func ParseQueueID(queueID string) (alias, owner, supplier string, err error) {
	parts := strings.Split(queueID, "&")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("broker: malformed queue id %q", queueID)
	}
	return parts[0], parts[1], parts[2], nil
}

// Message is the wire form of one queued item. Payload is opaque.
type Message struct {
	SequenceID int64           `json:"sequence_id"`
	Created    int64           `json:"created"` // unix microseconds
	ProducerID string          `json:"producer_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	Processed  bool            `json:"processed"`
}

// LocalCallback handles a delivery in-process; returning false counts as a
// failed notification.
type LocalCallback func(queueID string, msg Message) bool

// registration is the persisted form of one participant.
type registration struct {
	ID       string `json:"id"`
	QueueID  string `json:"queue_id"`
	Callback string `json:"callback,omitempty"` // remote idurl, empty for local
	Added    int64  `json:"added"`
}

type consumer struct {
	reg      registration
	local    LocalCallback
	pending  map[int64]bool
	success  int
	failures int
}

type pendingMessage struct {
	Message
	notified map[string]bool
	acked    map[string]bool
	failed   map[string]bool
	// subscribers at publish time; cleanup only waits for these
	audience map[string]bool
}

type queue struct {
	id        string
	owner     string
	lastSeq   int64
	messages  []*pendingMessage
	consumers map[string]*consumer
	producers map[string]registration
}

// Config wires a broker.
type Config struct {
	Root   string // state directory
	Codec  *packetcodec.Codec
	Outbox transport.Outbox
	Logger *logrus.Logger

	MaxQueueLength   int
	MaxPending       int
	DeliveryInterval time.Duration
	SendTimeout      time.Duration
}

// Broker hosts queues for group owners.
type Broker struct {
	cfg Config
	log *logrus.Logger

	mu        sync.Mutex
	queues    map[string]*queue
	groupKeys map[string]*crypt.Key // owner id -> registered group key
	// failedNotifications records consumers that never acked a message
	// before it was cleaned, keyed by queue id.
	failedNotifications map[string][]string

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New opens the broker state directory and resumes persisted
// registrations.
func New(cfg Config) (*Broker, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.MaxQueueLength <= 0 {
		cfg.MaxQueueLength = MaxQueueLength
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = MaxPendingPerConsumer
	}
	if cfg.DeliveryInterval <= 0 {
		cfg.DeliveryInterval = time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	b := &Broker{
		cfg:                 cfg,
		log:                 cfg.Logger,
		queues:              make(map[string]*queue),
		groupKeys:           make(map[string]*crypt.Key),
		failedNotifications: make(map[string][]string),
		stop:                make(chan struct{}),
	}
	if err := b.resume(); err != nil {
		return nil, err
	}
	b.wg.Add(1)
	go b.deliveryLoop()
	return b, nil
}

// Close stops the delivery scheduler. It is safe to call more than once.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Broker) queueDir(queueID string) string {
	return filepath.Join(b.cfg.Root, stateDir, "queues", queueID)
}

// resume reloads registrations from disk after a restart.
func (b *Broker) resume() error {
	queuesDir := filepath.Join(b.cfg.Root, stateDir, "queues")
	entries, err := os.ReadDir(queuesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("broker: resume: %w", err)
	}
	for _, en := range entries {
		if !en.IsDir() {
			continue
		}
		queueID := en.Name()
		_, owner, _, err := ParseQueueID(queueID)
		if err != nil {
			b.log.Warnf("skipping malformed queue state %q", queueID)
			continue
		}
		q := b.newQueue(queueID, owner)
		b.loadParticipants(q, "consumers")
		b.loadParticipants(q, "producers")
		b.queues[queueID] = q
	}
	return nil
}

func (b *Broker) loadParticipants(q *queue, kind string) {
	dir := filepath.Join(b.queueDir(q.id), kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, en := range entries {
		data, err := os.ReadFile(filepath.Join(dir, en.Name()))
		if err != nil {
			continue
		}
		var reg registration
		if err := json.Unmarshal(data, &reg); err != nil {
			b.log.Warnf("skipping corrupt registration %s: %v", en.Name(), err)
			continue
		}
		if kind == "consumers" {
			q.consumers[reg.ID] = &consumer{reg: reg, pending: make(map[int64]bool)}
		} else {
			q.producers[reg.ID] = reg
		}
	}
}

func (b *Broker) newQueue(queueID, owner string) *queue {
	return &queue{
		id:        queueID,
		owner:     owner,
		consumers: make(map[string]*consumer),
		producers: make(map[string]registration),
	}
}

func (b *Broker) persistParticipant(queueID, kind string, reg registration) error {
	dir := filepath.Join(b.queueDir(queueID), kind)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, reg.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Broker) eraseParticipant(queueID, kind, id string) {
	os.Remove(filepath.Join(b.queueDir(queueID), kind, id))
}

// ConnectRequest is the queue-connect action payload. The group key
// proves the participant belongs to the owner's group: Signature must
// cover the queue id.
type ConnectRequest struct {
	QueueAlias string `json:"queue_alias"`
	OwnerID    string `json:"owner_id"`
	ConsumerID string `json:"consumer_id,omitempty"`
	ProducerID string `json:"producer_id,omitempty"`
	CallbackID string `json:"callback_id,omitempty"` // remote idurl
	GroupKey   []byte `json:"group_key"`             // PEM public key
	Signature  []byte `json:"signature"`
}

// Connect registers a consumer and/or producer on a queue, creating the
// queue if needed. localCB, when non-nil, overrides the remote callback
// for the consumer.
func (b *Broker) Connect(req ConnectRequest, localCB LocalCallback) (string, error) {
	if req.ConsumerID == "" && req.ProducerID == "" {
		return "", fmt.Errorf("%w: no participant", ErrDenied)
	}
	key, err := crypt.ParsePublicKey(req.GroupKey)
	if err != nil {
		return "", fmt.Errorf("%w: bad group key", ErrDenied)
	}
	queueID := MakeQueueID(req.QueueAlias, req.OwnerID, b.cfg.Codec.LocalID())
	if !key.Verify([]byte(queueID), req.Signature) {
		return "", fmt.Errorf("%w: group key signature", ErrDenied)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Register or replace the group key when the public portion differs.
	if old, ok := b.groupKeys[req.OwnerID]; !ok || !sameKey(old, key) {
		b.groupKeys[req.OwnerID] = key
	}

	q, ok := b.queues[queueID]
	if !ok {
		q = b.newQueue(queueID, req.OwnerID)
		b.queues[queueID] = q
	}
	now := time.Now().UnixMicro()
	if req.ConsumerID != "" {
		reg := registration{ID: req.ConsumerID, QueueID: queueID, Callback: req.CallbackID, Added: now}
		q.consumers[req.ConsumerID] = &consumer{reg: reg, local: localCB, pending: make(map[int64]bool)}
		if err := b.persistParticipant(queueID, "consumers", reg); err != nil {
			return "", fmt.Errorf("broker: persist consumer: %w", err)
		}
	}
	if req.ProducerID != "" {
		reg := registration{ID: req.ProducerID, QueueID: queueID, Added: now}
		q.producers[req.ProducerID] = reg
		if err := b.persistParticipant(queueID, "producers", reg); err != nil {
			return "", fmt.Errorf("broker: persist producer: %w", err)
		}
	}
	return queueID, nil
}

// Disconnect removes a participant. An empty queue is closed and its
// persistent state erased; the owner is dropped when its last queue goes.
func (b *Broker) Disconnect(queueID, consumerID, producerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueID]
	if !ok {
		return ErrUnknownQueue
	}
	if consumerID != "" {
		delete(q.consumers, consumerID)
		b.eraseParticipant(queueID, "consumers", consumerID)
	}
	if producerID != "" {
		delete(q.producers, producerID)
		b.eraseParticipant(queueID, "producers", producerID)
	}
	if len(q.consumers) == 0 && len(q.producers) == 0 {
		b.closeQueueLocked(queueID)
	}
	return nil
}

func (b *Broker) closeQueueLocked(queueID string) {
	delete(b.queues, queueID)
	os.RemoveAll(b.queueDir(queueID))
	_, owner, _, err := ParseQueueID(queueID)
	if err != nil {
		return
	}
	for id := range b.queues {
		if _, o, _, err := ParseQueueID(id); err == nil && o == owner {
			return
		}
	}
	delete(b.groupKeys, owner)
}

// Queues returns the sorted ids of open queues.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FailedNotifications returns consumers that never acked a cleaned
// message on the given queue.
func (b *Broker) FailedNotifications(queueID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.failedNotifications[queueID]))
	copy(out, b.failedNotifications[queueID])
	return out
}

// HandleRotation rewrites every registration and queue id that references
// a rotated identity. Registered as an identity rotation handler.
func (b *Broker) HandleRotation(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for queueID, q := range b.queues {
		alias, owner, supplier, err := ParseQueueID(queueID)
		if err != nil {
			continue
		}
		newOwner := owner
		if owner == oldID {
			newOwner = newID
		}
		newQueueID := MakeQueueID(alias, newOwner, supplier)

		rewritten := b.newQueue(newQueueID, newOwner)
		rewritten.lastSeq = q.lastSeq
		rewritten.messages = q.messages
		for id, c := range q.consumers {
			nid := id
			if id == oldID {
				nid = newID
			}
			c.reg.ID = nid
			c.reg.QueueID = newQueueID
			if c.reg.Callback == oldID {
				c.reg.Callback = newID
			}
			rewritten.consumers[nid] = c
		}
		for id, reg := range q.producers {
			nid := id
			if id == oldID {
				nid = newID
			}
			reg.ID = nid
			reg.QueueID = newQueueID
			rewritten.producers[nid] = reg
		}

		if newQueueID != queueID || owner == oldID {
			os.RemoveAll(b.queueDir(queueID))
			delete(b.queues, queueID)
		} else {
			os.RemoveAll(filepath.Join(b.queueDir(queueID), "consumers"))
			os.RemoveAll(filepath.Join(b.queueDir(queueID), "producers"))
		}
		b.queues[newQueueID] = rewritten
		for _, c := range rewritten.consumers {
			if err := b.persistParticipant(newQueueID, "consumers", c.reg); err != nil {
				b.log.Errorf("rotation rewrite failed: %v", err)
			}
		}
		for _, reg := range rewritten.producers {
			if err := b.persistParticipant(newQueueID, "producers", reg); err != nil {
				b.log.Errorf("rotation rewrite failed: %v", err)
			}
		}
	}
	if key, ok := b.groupKeys[oldID]; ok {
		delete(b.groupKeys, oldID)
		b.groupKeys[newID] = key
	}
}

func sameKey(a, c *crypt.Key) bool {
	am, err1 := a.MarshalPublicKey()
	cm, err2 := c.MarshalPublicKey()
	return err1 == nil && err2 == nil && string(am) == string(cm)
}
