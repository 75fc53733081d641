// Package supplier implements the storage side of the protocol: it accepts
// signed fragment packets from customers, stores them under a per-customer
// directory tree, serves them back on Retrieve, answers ListFiles queries
// and enforces the donated space budget.
//
// On-disk layout: <root>/customers/<customer_glob_id>/<key_alias>/<path_id>/
// <version>/<block>-<supplier>-(Data|Parity). Each stored file is the full
// serialized signed packet, so the validation job can re-verify data at
// rest without extra metadata.
package supplier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// FailNoFreeSpace is the wire-visible refusal for an exhausted quota.
const FailNoFreeSpace = "no free space left for customer data"

// EventFileModified is emitted to watchers whenever a stored file is
// written or removed.
const EventFileModified = "supplier-file-modified"

var (
	ErrNotAuthorized  = errors.New("supplier: not authorized")
	ErrUnknownCommand = errors.New("supplier: unknown command")
	ErrNotDonating    = errors.New("supplier: donated space exceeds free disk space")
)

// Watcher receives local storage events.
type Watcher func(event, customerID, path string)

// Config wires a supplier engine.
type Config struct {
	Root    string // data directory, created on demand
	Donated int64  // total bytes offered to customers

	Codec    *packetcodec.Codec
	Key      *crypt.Key
	Resolver identity.Resolver
	Logger   *logrus.Logger

	// ListFiles replies are zlib-compressed when set.
	Compress bool

	RejectInterval   time.Duration // default 1h
	ValidateInterval time.Duration // default 6h
	IdleWindow       time.Duration // 0 disables idle rejection

	// Contracts enables the storage-contract sub-module.
	Contracts bool

	// SkipDiskCheck bypasses the free-disk-space probe (tests).
	SkipDiskCheck bool
}

type customerState struct {
	Allocated     int64
	Position      int // our index in the customer's supplier roster
	LastConnected time.Time
}

// Engine is the supplier storage engine.
type Engine struct {
	cfg Config
	log *logrus.Logger
	db  *badger.DB

	mu        sync.Mutex
	customers map[string]*customerState
	keys      map[string]*crypt.Key // shared keys registered by key id
	contracts map[string][]*Contract
	watchers  []Watcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New opens (or creates) the supplier data directory and its metadata
// index. It refuses a donated budget larger than the free space on the
// volume holding the root.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.RejectInterval <= 0 {
		cfg.RejectInterval = time.Hour
	}
	if cfg.ValidateInterval <= 0 {
		cfg.ValidateInterval = 6 * time.Hour
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "customers"), 0o700); err != nil {
		return nil, fmt.Errorf("supplier: %w", err)
	}
	if !cfg.SkipDiskCheck {
		usage, err := disk.Usage(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("supplier: disk probe: %w", err)
		}
		if cfg.Donated > int64(usage.Free) {
			return nil, ErrNotDonating
		}
	}
	opts := badger.DefaultOptions(filepath.Join(cfg.Root, "metadata")).
		WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("supplier: open metadata: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		db:        db,
		customers: make(map[string]*customerState),
		keys:      make(map[string]*crypt.Key),
		contracts: make(map[string][]*Contract),
		stop:      make(chan struct{}),
	}
	if err := e.loadQuota(); err != nil {
		db.Close()
		return nil, err
	}
	e.startJobs()
	return e, nil
}

// Close stops the periodic jobs and the metadata index.
func (e *Engine) Close() error {
	close(e.stop)
	e.wg.Wait()
	return e.db.Close()
}

// Subscribe registers a watcher for storage events.
func (e *Engine) Subscribe(w Watcher) {
	e.mu.Lock()
	e.watchers = append(e.watchers, w)
	e.mu.Unlock()
}

func (e *Engine) notify(event, customerID, path string) {
	e.mu.Lock()
	ws := make([]Watcher, len(e.watchers))
	copy(ws, e.watchers)
	e.mu.Unlock()
	for _, w := range ws {
		w(event, customerID, path)
	}
}

// RegisterKey records a shared key so its holder can pass authorization.
// An existing registration with a different public portion is replaced.
func (e *Engine) RegisterKey(keyID string, key *crypt.Key) {
	e.mu.Lock()
	e.keys[keyID] = key.PublicOnly()
	e.mu.Unlock()
}

// EraseKey drops a shared key registration.
func (e *Engine) EraseKey(keyID string) {
	e.mu.Lock()
	delete(e.keys, keyID)
	e.mu.Unlock()
}

func (e *Engine) isCustomer(globalID string) bool {
	_, ok := e.customers[globalID]
	return ok
}

// keyRegisteredFor reports whether any registered shared key belongs to
// the given global id.
func (e *Engine) keyRegisteredFor(globalID string) bool {
	for keyID := range e.keys {
		if _, owner := model.SplitKeyID(keyID); owner == globalID {
			return true
		}
	}
	return false
}

// authorize implements the storage authorization matrix. Callers hold e.mu.
func (e *Engine) authorize(ownerID, creatorID string, isDelete bool) bool {
	creatorIsCustomer := e.isCustomer(creatorID)
	if ownerID == creatorID {
		if creatorIsCustomer {
			return true
		}
		if isDelete {
			return false
		}
		return e.keyRegisteredFor(creatorID)
	}
	if creatorIsCustomer {
		// A customer may store packets owned by someone else inside its
		// own space, but not erase them.
		return !isDelete
	}
	return e.keyRegisteredFor(creatorID) && e.isCustomer(ownerID)
}

// Handle is the inbound packet entry point, suitable as a transport
// handler. Every reply carries the triggering packet id.
func (e *Engine) Handle(ctx context.Context, pkt *model.Packet) (*model.Packet, error) {
	if err := e.cfg.Codec.Verify(pkt); err != nil {
		e.log.WithFields(logrus.Fields{
			"creator": pkt.CreatorID,
			"pid":     pkt.PacketID,
		}).Warnf("dropping packet: %v", err)
		return nil, err
	}
	e.touchCustomer(pkt.CreatorID)

	switch pkt.Command {
	case model.CmdData:
		return e.handleData(pkt)
	case model.CmdRetrieve:
		return e.handleRetrieve(pkt)
	case model.CmdDeleteFile:
		return e.handleDelete(pkt, false)
	case model.CmdDeleteBackup:
		return e.handleDelete(pkt, true)
	case model.CmdListFiles:
		return e.handleListFiles(pkt)
	}
	return e.fail(pkt, "unknown command")
}

func (e *Engine) touchCustomer(globalID string) {
	e.mu.Lock()
	if c, ok := e.customers[globalID]; ok {
		c.LastConnected = time.Now()
	}
	e.mu.Unlock()
}

func (e *Engine) ack(pkt *model.Packet, payload string) (*model.Packet, error) {
	return e.cfg.Codec.Make(model.CmdAck, e.cfg.Codec.LocalID(), pkt.PacketID, []byte(payload), pkt.CreatorID)
}

func (e *Engine) fail(pkt *model.Packet, reason string) (*model.Packet, error) {
	return e.cfg.Codec.Make(model.CmdFail, e.cfg.Codec.LocalID(), pkt.PacketID, []byte(reason), pkt.CreatorID)
}

// storagePath maps a packet id to the on-disk location of the fragment.
func (e *Engine) storagePath(pid model.PacketID) string {
	alias, _ := model.SplitKeyID(pid.KeyID)
	if alias == "" {
		alias = "master"
	}
	return filepath.Join(e.cfg.Root, "customers", pid.CustomerID, alias,
		filepath.FromSlash(pid.PathID), pid.Version,
		model.FragmentFileName(pid.BlockNumber, pid.SupplierIndex, pid.Role))
}

func (e *Engine) handleData(pkt *model.Packet) (*model.Packet, error) {
	pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID)
	if err != nil {
		return e.fail(pkt, "malformed packet id")
	}

	e.mu.Lock()
	authorized := e.authorize(pkt.OwnerID, pkt.CreatorID, false)
	e.mu.Unlock()
	if !authorized {
		return e.fail(pkt, "storing is not authorized")
	}

	serialized, err := packetcodec.Serialize(pkt)
	if err != nil {
		return e.fail(pkt, "unserializable packet")
	}

	e.mu.Lock()
	cust, ok := e.customers[pid.CustomerID]
	if !ok {
		e.mu.Unlock()
		return e.fail(pkt, "unknown customer")
	}
	used := e.usedBytes(pid.CustomerID)

	path := e.storagePath(pid)
	var existing int64
	if fi, err := os.Stat(path); err == nil {
		existing = fi.Size()
	}
	if used-existing+int64(len(serialized)) > cust.Allocated {
		e.mu.Unlock()
		return e.fail(pkt, FailNoFreeSpace)
	}
	if err := writeFileAtomic(path, serialized); err != nil {
		e.mu.Unlock()
		e.log.WithField("path", path).Errorf("store failed: %v", err)
		return e.fail(pkt, "write failed")
	}
	e.recordPacket(pid.CustomerID, path, int64(len(serialized)), existing)
	e.mu.Unlock()

	e.notify(EventFileModified, pid.CustomerID, path)
	return e.ack(pkt, strconv.Itoa(len(serialized)))
}

// handleRetrieve answers with a fresh Data packet whose payload is the
// stored serialized packet, addressed back to the requester.
func (e *Engine) handleRetrieve(pkt *model.Packet) (*model.Packet, error) {
	pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID)
	if err != nil {
		return e.fail(pkt, "malformed packet id")
	}

	if pkt.CreatorID != pid.CustomerID && !e.verifyReadChallenge(pkt, pid) {
		return e.fail(pkt, "reading is not authorized")
	}

	data, err := os.ReadFile(e.storagePath(pid))
	if err != nil {
		return e.fail(pkt, "file not found")
	}
	return e.cfg.Codec.Make(model.CmdData, pkt.OwnerID, pkt.PacketID, data, pkt.CreatorID)
}

// verifyReadChallenge checks that a non-owner requester holds a registered
// shared key: the request payload must be that key's signature over the
// packet id.
func (e *Engine) verifyReadChallenge(pkt *model.Packet, pid model.PacketID) bool {
	if pid.KeyID == "" {
		return false
	}
	e.mu.Lock()
	key, ok := e.keys[pid.KeyID]
	e.mu.Unlock()
	if !ok || len(pkt.Payload) == 0 {
		return false
	}
	return key.Verify([]byte(pkt.PacketID), pkt.Payload)
}

// handleDelete removes one fragment file (DeleteFile) or a whole version
// directory (DeleteBackup).
func (e *Engine) handleDelete(pkt *model.Packet, wholeBackup bool) (*model.Packet, error) {
	e.mu.Lock()
	authorized := e.authorize(pkt.OwnerID, pkt.CreatorID, true)
	e.mu.Unlock()
	if !authorized {
		return e.fail(pkt, "deleting is not authorized")
	}

	var target, customerID string
	if wholeBackup {
		// Payload or packet id names "<customer>/<path_id>/<version>".
		backupID := string(pkt.Payload)
		if backupID == "" {
			backupID = pkt.PacketID
		}
		alias := "master"
		if i := strings.Index(backupID, ":"); i >= 0 {
			alias, _ = model.SplitKeyID(backupID[:i])
			backupID = backupID[i+1:]
		}
		customer, pathID, version, err := model.SplitBackupID(backupID, pkt.OwnerID)
		if err != nil {
			return e.fail(pkt, "malformed backup id")
		}
		customerID = customer
		target = filepath.Join(e.cfg.Root, "customers", customer, alias,
			filepath.FromSlash(pathID), version)
	} else {
		pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID)
		if err != nil {
			return e.fail(pkt, "malformed packet id")
		}
		customerID = pid.CustomerID
		target = e.storagePath(pid)
	}

	var err error
	e.mu.Lock()
	if wholeBackup {
		err = e.removeTree(customerID, target)
	} else {
		err = e.removeFile(customerID, target)
	}
	e.mu.Unlock()
	if err != nil {
		return e.fail(pkt, "delete failed")
	}

	e.notify(EventFileModified, customerID, target)
	return e.ack(pkt, "deleted")
}

// handleListFiles builds the textual listing for the querying customer,
// optionally compresses it and always encrypts it under the querier's key.
func (e *Engine) handleListFiles(pkt *model.Packet) (*model.Packet, error) {
	e.mu.Lock()
	cust, ok := e.customers[pkt.OwnerID]
	var position int
	if ok {
		position = cust.Position
	}
	e.mu.Unlock()
	if !ok {
		return e.fail(pkt, "unknown customer")
	}

	queries := parseQueries(pkt.Payload)
	listing, err := e.buildListing(pkt.OwnerID, position, queries)
	if err != nil {
		e.log.WithField("customer", pkt.OwnerID).Errorf("listing failed: %v", err)
		return e.fail(pkt, "listing failed")
	}
	if e.cfg.Compress {
		listing = zlibCompress(listing)
	}

	querier, err := e.cfg.Resolver.Resolve(pkt.CreatorID)
	if err != nil {
		return e.fail(pkt, "unknown querier")
	}
	block, err := e.cfg.Codec.EncryptBlock(listing, querier.PublicKey, pkt.PacketID, 0, true)
	if err != nil {
		return e.fail(pkt, "encryption failed")
	}
	payload, err := packetcodec.SerializeBlock(block)
	if err != nil {
		return e.fail(pkt, "encryption failed")
	}
	return e.cfg.Codec.Make(model.CmdFiles, pkt.OwnerID, pkt.PacketID, payload, pkt.CreatorID)
}

func parseQueries(payload []byte) []string {
	var out []string
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

// HandleRotation moves a customer's storage, quota line, keys and
// contracts from the old global id to the new one. Registered as an
// identity rotation handler.
func (e *Engine) HandleRotation(oldID, newID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cust, ok := e.customers[oldID]
	if !ok {
		return
	}
	oldDir := filepath.Join(e.cfg.Root, "customers", oldID)
	newDir := filepath.Join(e.cfg.Root, "customers", newID)
	if _, err := os.Stat(oldDir); err == nil {
		if err := os.Rename(oldDir, newDir); err != nil {
			e.log.Errorf("rotation rename failed: %v", err)
			return
		}
	}
	delete(e.customers, oldID)
	e.customers[newID] = cust
	e.renameMeta(oldID, newID, oldDir, newDir)
	for keyID, key := range e.keys {
		if alias, owner := model.SplitKeyID(keyID); owner == oldID {
			delete(e.keys, keyID)
			e.keys[model.MakeKeyID(alias, newID)] = key
		}
	}
	if cs, ok := e.contracts[oldID]; ok {
		delete(e.contracts, oldID)
		e.contracts[newID] = cs
	}
	if err := e.saveQuotaLocked(); err != nil {
		e.log.Errorf("rotation quota rewrite failed: %v", err)
	}
	e.log.WithFields(logrus.Fields{"old": oldID, "new": newID}).Info("customer identity rotated")
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
