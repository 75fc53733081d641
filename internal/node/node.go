// Package node composes the customer, supplier and broker roles into one
// process: key and identity handling, the file index with supplier
// replication, backup and restore jobs, the repair loop and the inbound
// packet dispatcher.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/backup"
	"github.com/hivekeep/hivekeep/internal/broker"
	"github.com/hivekeep/hivekeep/internal/config"
	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/index"
	"github.com/hivekeep/hivekeep/internal/iothrottle"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/rebuilder"
	"github.com/hivekeep/hivekeep/internal/restore"
	"github.com/hivekeep/hivekeep/internal/supplier"
	"github.com/hivekeep/hivekeep/internal/tarstream"
	"github.com/hivekeep/hivekeep/internal/transport"
	"github.com/hivekeep/hivekeep/internal/workerpool"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// indexReplicaVersion is the fixed version component of the packet id the
// serialized index replicates under, so each upload overwrites the last.
const indexReplicaVersion = "F00000000000000AM"

// EventHandler observes inbound Event packets that are not broker
// actions, e.g. queue notifications for a local consumer.
type EventHandler func(pkt *model.Packet)

// Node is one running process.
type Node struct {
	cfg      config.Config
	key      *crypt.Key
	registry *identity.Registry
	codec    *packetcodec.Codec
	bus      *transport.Loopback
	log      *logrus.Logger

	em       *eccmap.Map
	pool     *workerpool.Pool
	mtx      *matrix.Matrix
	throttle *iothrottle.Throttle
	idx      *index.Index
	backups  *backup.Manager
	reb      *rebuilder.Rebuilder

	sup *supplier.Engine // nil when not donating
	brk *broker.Broker   // nil when not brokering

	onEvent EventHandler
}

// New wires a node onto the bus and registers its identity.
func New(cfg config.Config, key *crypt.Key, registry *identity.Registry, bus *transport.Loopback, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.New()
	}
	registry.Register(identity.Identity{
		IDURL:     cfg.GlobalID,
		GlobalID:  cfg.GlobalID,
		Revision:  1,
		PublicKey: key.PublicOnly(),
	})
	codec := packetcodec.New(cfg.GlobalID, key, registry)

	n := &Node{
		cfg:      cfg,
		key:      key,
		registry: registry,
		codec:    codec,
		bus:      bus,
		log:      log,
		pool:     workerpool.New(workerpool.Config{}),
		backups:  backup.NewManager(cfg.Customer.MaxParallelBackups),
	}

	if len(cfg.Customer.Suppliers) > 0 {
		em, err := eccmap.BySupplierCount(len(cfg.Customer.Suppliers))
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		n.em = em
		n.mtx = matrix.New(cfg.Customer.Suppliers)
		n.throttle = iothrottle.New(iothrottle.Config{Logger: log}, codec, bus)
		n.reb = rebuilder.New(rebuilder.Config{
			ECC:        em,
			Matrix:     n.mtx,
			Throttle:   n.throttle,
			Pool:       n.pool,
			StagingDir: n.stagingDir(),
			OwnerID:    cfg.GlobalID,
			KeyID:      n.keyID(),
			Interval:   cfg.Customer.RebuildInterval.Std(),
			Logger:     log,
		})
	}

	idx, err := index.Load(n.indexPath())
	if err != nil {
		idx = index.New()
	}
	n.idx = idx
	n.idx.OnCommit(n.replicateIndex)

	if cfg.Supplier.Enabled {
		sup, err := supplier.New(supplier.Config{
			Root:             filepath.Join(cfg.DataDir, "supplier"),
			Donated:          cfg.Supplier.DonatedBytes,
			Codec:            codec,
			Key:              key,
			Resolver:         registry,
			Logger:           log,
			Compress:         cfg.Supplier.CompressListFiles,
			RejectInterval:   cfg.Supplier.RejectInterval.Std(),
			ValidateInterval: cfg.Supplier.ValidateInterval.Std(),
			IdleWindow:       cfg.Supplier.IdleWindow.Std(),
			Contracts:        cfg.Supplier.Contracts,
		})
		if err != nil {
			return nil, err
		}
		n.sup = sup
		registry.OnRotation(sup.HandleRotation)
	}

	if cfg.Broker.Enabled {
		brk, err := broker.New(broker.Config{
			Root:             filepath.Join(cfg.DataDir, "broker"),
			Codec:            codec,
			Outbox:           bus,
			Logger:           log,
			MaxQueueLength:   cfg.Broker.MaxQueueLength,
			MaxPending:       cfg.Broker.MaxPending,
			DeliveryInterval: cfg.Broker.DeliveryInterval.Std(),
		})
		if err != nil {
			return nil, err
		}
		n.brk = brk
		registry.OnRotation(brk.HandleRotation)
	}

	bus.Attach(cfg.GlobalID, n.handle)
	return n, nil
}

// Close tears the node down.
func (n *Node) Close() {
	if n.reb != nil {
		n.reb.Stop()
	}
	if n.throttle != nil {
		n.throttle.Close()
	}
	if n.brk != nil {
		n.brk.Close()
	}
	if n.sup != nil {
		n.sup.Close()
	}
	n.pool.Close()
}

// Start launches the background loops.
func (n *Node) Start(ctx context.Context) {
	if n.reb != nil {
		n.reb.Start(ctx)
	}
}

// OnEvent registers the local queue-notification handler.
func (n *Node) OnEvent(h EventHandler) { n.onEvent = h }

// Supplier exposes the storage engine, nil when not donating.
func (n *Node) Supplier() *supplier.Engine { return n.sup }

// Broker exposes the queue broker, nil when not brokering.
func (n *Node) Broker() *broker.Broker { return n.brk }

// Index exposes the file catalog.
func (n *Node) Index() *index.Index { return n.idx }

// Matrix exposes the backup matrix, nil when the node has no roster.
func (n *Node) Matrix() *matrix.Matrix { return n.mtx }

// Rebuilder exposes the repair loop, nil when the node has no roster.
func (n *Node) Rebuilder() *rebuilder.Rebuilder { return n.reb }

func (n *Node) keyID() string {
	return model.MakeKeyID("master", n.cfg.GlobalID)
}

func (n *Node) stagingDir() string {
	return filepath.Join(n.cfg.DataDir, "staging")
}

func (n *Node) indexPath() string {
	return filepath.Join(n.cfg.DataDir, "index")
}

// handle dispatches one inbound packet by role.
func (n *Node) handle(ctx context.Context, pkt *model.Packet) (*model.Packet, error) {
	switch pkt.Command {
	case model.CmdData:
		if pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID); err == nil &&
			pid.PathID == index.ReservedIndexPathID && pkt.OwnerID == n.cfg.GlobalID {
			return n.handleIndexReplica(pkt)
		}
	case model.CmdMessage:
		if n.brk != nil {
			return n.brk.Handle(ctx, pkt)
		}
	case model.CmdEvent:
		if isBrokerAction(pkt.Payload) && n.brk != nil {
			return n.brk.Handle(ctx, pkt)
		}
		if n.onEvent != nil {
			n.onEvent(pkt)
			return n.codec.Make(model.CmdAck, n.cfg.GlobalID, pkt.PacketID, []byte("ok"), pkt.CreatorID)
		}
	}
	if n.sup != nil {
		return n.sup.Handle(ctx, pkt)
	}
	return n.codec.Make(model.CmdFail, n.cfg.GlobalID, pkt.PacketID, []byte("not serving"), pkt.CreatorID)
}

func isBrokerAction(payload []byte) bool {
	var probe struct {
		Action string `json:"action"`
	}
	return json.Unmarshal(payload, &probe) == nil && probe.Action != ""
}

// handleIndexReplica applies a higher-revision copy of our own catalog.
func (n *Node) handleIndexReplica(pkt *model.Packet) (*model.Packet, error) {
	if err := n.codec.Verify(pkt); err != nil {
		return nil, err
	}
	applied, err := n.idx.ApplyRemote(pkt.Payload)
	if err != nil {
		return n.codec.Make(model.CmdFail, n.cfg.GlobalID, pkt.PacketID, []byte("corrupt index"), pkt.CreatorID)
	}
	if !applied {
		return n.codec.Make(model.CmdFail, n.cfg.GlobalID, pkt.PacketID, []byte("obsolete revision"), pkt.CreatorID)
	}
	return n.codec.Make(model.CmdAck, n.cfg.GlobalID, pkt.PacketID, []byte("applied"), pkt.CreatorID)
}

// replicateIndex pushes the committed catalog to every supplier. Fired by
// every index commit.
func (n *Node) replicateIndex(revision int, serialized []byte) {
	if n.mtx == nil {
		return
	}
	for s, supplierID := range n.cfg.Customer.Suppliers {
		packetID := model.MakePacketID(n.keyID(), n.cfg.GlobalID, index.ReservedIndexPathID,
			indexReplicaVersion, 0, s, model.RoleData)
		pkt, err := n.codec.Make(model.CmdData, n.cfg.GlobalID, packetID, serialized, supplierID)
		if err != nil {
			n.log.Errorf("index replication: %v", err)
			return
		}
		go func(remote string, pkt *model.Packet) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := n.bus.Send(ctx, remote, pkt); err != nil {
				n.log.WithField("supplier", remote).Warnf("index replication deferred: %v", err)
			}
		}(supplierID, pkt)
	}
	n.log.WithField("revision", revision).Debug("index replicated")
}

// Backup snapshots one file or directory, uploads its fragments and
// commits the catalog. Directories stream through the tar pipeline.
func (n *Node) Backup(ctx context.Context, path string) (string, error) {
	if n.mtx == nil {
		return "", fmt.Errorf("node: no supplier roster configured")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("node: backup: %w", err)
	}

	var src io.ReadCloser
	var size int64
	var pathID string
	if fi.IsDir() {
		src, err = tarstream.Open(path, tarstream.Options{Compress: n.cfg.Customer.CompressTar})
		if err != nil {
			return "", err
		}
		pathID, err = n.idx.AddDir(path)
	} else {
		src, err = os.Open(path)
		if err != nil {
			return "", fmt.Errorf("node: backup: %w", err)
		}
		size = fi.Size()
		pathID, err = n.idx.AddFile(path, size)
	}
	if err != nil {
		src.Close()
		return "", err
	}

	version := model.NewVersionID(time.Now())
	backupID := pathID + "/" + version
	n.mtx.RegisterBackup(backupID, n.em.SupplierCount())

	job, err := backup.NewJob(backup.Config{
		BlockSize:  n.cfg.Customer.BlockSize,
		ECC:        n.em,
		StagingDir: n.stagingDir(),
		Codec:      n.codec,
		Recipient:  n.key,
		Matrix:     n.mtx,
		Pool:       n.pool,
		Logger:     n.log,
	}, backupID, src)
	if err != nil {
		src.Close()
		return "", err
	}
	if err := job.Run(ctx); err != nil {
		return "", err
	}

	n.uploadFragments(backupID, pathID, version, job.Blocks(), job.FragmentDir())

	if err := n.idx.AddVersion(pathID, version, job.Blocks()-1, size); err != nil {
		return "", err
	}
	if err := n.idx.Commit(n.indexPath()); err != nil {
		return "", err
	}
	return backupID, nil
}

func (n *Node) uploadFragments(backupID, pathID, version string, blocks int, dir string) {
	for b := 0; b < blocks; b++ {
		for s, supplierID := range n.cfg.Customer.Suppliers {
			for _, role := range []model.FragmentRole{model.RoleData, model.RoleParity} {
				filename := filepath.Join(dir, model.FragmentFileName(b, s, role))
				if _, err := os.Stat(filename); err != nil {
					continue
				}
				packetID := model.MakePacketID(n.keyID(), n.cfg.GlobalID, pathID, version, b, s, role)
				block, supplierIdx, fragRole := b, s, role
				n.throttle.QueueSend(filename, supplierID, n.cfg.GlobalID, packetID, func(res iothrottle.Result) {
					if res.Status == model.StatusDelivered {
						n.mtx.RemoteFragmentConfirmed(backupID, block, supplierIdx, fragRole)
					}
				})
			}
		}
	}
}

// Restore rebuilds one backup into outPath. Directory snapshots restore
// through the tar pipeline when extract is true.
func (n *Node) Restore(ctx context.Context, backupID, outPath string, extract bool) error {
	if n.mtx == nil {
		return fmt.Errorf("node: no supplier roster configured")
	}
	if extract {
		pr, pw := io.Pipe()
		done := make(chan error, 1)
		go func() {
			done <- tarstream.Extract(pr, outPath, tarstream.Options{Compress: n.cfg.Customer.CompressTar})
		}()
		err := n.runRestore(ctx, backupID, pw)
		pw.CloseWithError(err)
		if xerr := <-done; err == nil {
			err = xerr
		}
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("node: restore: %w", err)
	}
	defer out.Close()
	return n.runRestore(ctx, backupID, out)
}

func (n *Node) runRestore(ctx context.Context, backupID string, out io.Writer) error {
	job, err := restore.NewJob(restore.Config{
		ECC:       n.em,
		Codec:     n.codec,
		MyKey:     n.key,
		Throttle:  n.throttle,
		Matrix:    n.mtx,
		Suppliers: n.cfg.Customer.Suppliers,
		OwnerID:   n.cfg.GlobalID,
		KeyID:     n.keyID(),
		TmpDir:    filepath.Join(n.cfg.DataDir, "restore"),
		Logger:    n.log,
	}, backupID, out)
	if err != nil {
		return err
	}
	return job.Run(ctx)
}

// DeleteBackup erases one version everywhere: suppliers, matrix, pending
// requests and the catalog.
func (n *Node) DeleteBackup(ctx context.Context, backupID string) error {
	if n.mtx != nil {
		for _, supplierID := range n.cfg.Customer.Suppliers {
			pkt, err := n.codec.Make(model.CmdDeleteBackup, n.cfg.GlobalID, model.UniqueID(),
				[]byte(backupID), supplierID)
			if err != nil {
				return err
			}
			if _, err := n.bus.Send(ctx, supplierID, pkt); err != nil {
				n.log.WithField("supplier", supplierID).Warnf("delete deferred: %v", err)
			}
		}
		n.mtx.ClearBackup(backupID)
		n.throttle.DeleteBackupRequests(backupID)
	}

	_, pathID, version, err := model.SplitBackupID(backupID, n.cfg.GlobalID)
	if err != nil {
		return err
	}
	n.idx.DeleteVersion(pathID, version)
	os.RemoveAll(filepath.Join(n.stagingDir(), filepath.FromSlash(backupID)))
	return n.idx.Commit(n.indexPath())
}

// RequestListFiles queries every supplier and folds the replies into the
// backup matrix.
func (n *Node) RequestListFiles(ctx context.Context, queries []string) error {
	if n.mtx == nil {
		return fmt.Errorf("node: no supplier roster configured")
	}
	payload := []byte(joinLines(queries))
	for s, supplierID := range n.cfg.Customer.Suppliers {
		pkt, err := n.codec.Make(model.CmdListFiles, n.cfg.GlobalID, model.UniqueID(), payload, supplierID)
		if err != nil {
			return err
		}
		reply, err := n.bus.Send(ctx, supplierID, pkt)
		if err != nil {
			n.log.WithField("supplier", supplierID).Warnf("list files failed: %v", err)
			continue
		}
		if reply == nil || reply.Command != model.CmdFiles {
			continue
		}
		listing, err := n.openListing(reply.Payload)
		if err != nil {
			n.log.WithField("supplier", supplierID).Warnf("unreadable listing: %v", err)
			continue
		}
		reported := make(map[string]matrix.BlockSet)
		for id, bs := range parseListing(listing) {
			reported[backupKey(n.cfg.GlobalID, id)] = bs
		}
		n.mtx.ApplyListFiles(s, reported)
	}
	return nil
}

// openListing decrypts and, when configured, decompresses a Files reply.
func (n *Node) openListing(payload []byte) ([]byte, error) {
	block, err := packetcodec.ParseBlock(payload)
	if err != nil {
		return nil, err
	}
	listing, err := n.codec.DecryptBlock(block, n.key)
	if err != nil {
		return nil, err
	}
	if n.cfg.Supplier.CompressListFiles {
		return supplier.ZlibDecompress(listing)
	}
	return listing, nil
}

func joinLines(queries []string) string {
	if len(queries) == 0 {
		return "*"
	}
	out := ""
	for i, q := range queries {
		if i > 0 {
			out += "\n"
		}
		out += q
	}
	return out
}

// ReplaceSupplier swaps one roster position and invalidates its remote
// coverage so the rebuilder refills the newcomer.
func (n *Node) ReplaceSupplier(position int, newSupplierID string) error {
	if n.mtx == nil {
		return fmt.Errorf("node: no supplier roster configured")
	}
	if position < 0 || position >= len(n.cfg.Customer.Suppliers) {
		return fmt.Errorf("node: supplier position %d out of range", position)
	}
	roster := make([]string, len(n.cfg.Customer.Suppliers))
	copy(roster, n.cfg.Customer.Suppliers)
	roster[position] = newSupplierID
	n.cfg.Customer.Suppliers = roster
	n.reb.SuppliersChanged(roster)
	return nil
}
