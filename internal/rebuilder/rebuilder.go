// Package rebuilder keeps remote fragment coverage healthy. On every tick
// it scans the backup matrix for blocks with missing remote fragments,
// reconstructs what it can from local material (requesting fragments from
// other suppliers first when the local set is not fixable) and re-uploads
// the rebuilt pieces to the responsible suppliers. It never deletes
// anything; deletion is always user-driven.
package rebuilder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/iothrottle"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/raid"
	"github.com/hivekeep/hivekeep/internal/workerpool"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// Config wires the rebuilder into the node.
type Config struct {
	ECC        *eccmap.Map
	Matrix     *matrix.Matrix
	Throttle   *iothrottle.Throttle
	Pool       *workerpool.Pool
	StagingDir string // same staging layout the backup jobs write
	OwnerID    string
	KeyID      string
	Interval   time.Duration
	Logger     *logrus.Logger
}

// Rebuilder is the periodic repair job.
type Rebuilder struct {
	cfg Config
	log *logrus.Logger

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
}

// New returns a stopped rebuilder.
func New(cfg Config) *Rebuilder {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Rebuilder{cfg: cfg, log: cfg.Logger}
}

// Start launches the periodic tick until ctx is cancelled.
func (r *Rebuilder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.running = true
	r.stop = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.mu.Lock()
				r.running = false
				r.mu.Unlock()
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Stop halts the periodic tick.
func (r *Rebuilder) Stop() {
	r.mu.Lock()
	stop := r.stop
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// SuppliersChanged invalidates the remote columns of replaced positions;
// the next tick refills the new suppliers from local material.
func (r *Rebuilder) SuppliersChanged(newList []string) []int {
	changed := r.cfg.Matrix.SuppliersChanged(newList)
	if len(changed) > 0 {
		r.log.WithField("positions", changed).Info("supplier roster changed, remote coverage invalidated")
	}
	return changed
}

// Tick runs one repair pass over every tracked backup.
func (r *Rebuilder) Tick(ctx context.Context) {
	for _, backupID := range r.cfg.Matrix.Backups() {
		if ctx.Err() != nil {
			return
		}
		r.rebuildBackup(ctx, backupID)
	}
}

func (r *Rebuilder) rebuildBackup(ctx context.Context, backupID string) {
	em := r.cfg.ECC
	suppliers := r.cfg.Matrix.Suppliers()
	dir := filepath.Join(r.cfg.StagingDir, filepath.FromSlash(backupID))

	for _, blockNumber := range r.cfg.Matrix.Blocks(backupID) {
		if ctx.Err() != nil {
			return
		}
		missingRemote := r.cfg.Matrix.MissingRemotely(backupID, blockNumber)
		if len(missingRemote) == 0 {
			continue
		}

		presentData, presentParity := scanLocal(dir, blockNumber, em.SupplierCount())
		if !em.Fixable(presentData, presentParity) {
			// Not enough local material; pull what the suppliers still
			// hold and try again next tick.
			r.requestMissing(backupID, blockNumber, dir, presentData, presentParity)
			continue
		}

		r.rebuildAndSend(backupID, blockNumber, dir, missingRemote, suppliers)
	}
}

// requestMissing asks online suppliers for fragments the local side lacks
// but the matrix believes they hold.
func (r *Rebuilder) requestMissing(backupID string, blockNumber int, dir string, presentData, presentParity []bool) {
	remoteData, remoteParity := r.cfg.Matrix.RemotePresence(backupID, blockNumber)
	suppliers := r.cfg.Matrix.Suppliers()
	_, pathID, version, err := model.SplitBackupID(backupID, r.cfg.OwnerID)
	if err != nil {
		return
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return
	}
	ask := func(s int, role model.FragmentRole) {
		packetID := model.MakePacketID(r.cfg.KeyID, r.cfg.OwnerID, pathID, version, blockNumber, s, role)
		dest := filepath.Join(dir, model.FragmentFileName(blockNumber, s, role))
		supplierIdx := s
		r.cfg.Throttle.QueueRequest(packetID, r.cfg.OwnerID, suppliers[s], dest, func(res iothrottle.Result) {
			if res.Status == model.StatusReceived {
				r.cfg.Matrix.LocalFragmentReceived(backupID, blockNumber, supplierIdx, role)
			}
		})
	}
	for s := 0; s < len(suppliers); s++ {
		if s < len(presentData) && !presentData[s] && s < len(remoteData) && remoteData[s] {
			ask(s, model.RoleData)
		}
		if s < len(presentParity) && !presentParity[s] && s < len(remoteParity) && remoteParity[s] {
			ask(s, model.RoleParity)
		}
	}
}

// rebuildAndSend reconstructs each missing fragment on the worker pool and
// queues it to the supplier responsible for that position.
func (r *Rebuilder) rebuildAndSend(backupID string, blockNumber int, dir string, missing []matrix.Position, suppliers []string) {
	_, pathID, version, err := model.SplitBackupID(backupID, r.cfg.OwnerID)
	if err != nil {
		return
	}
	room := r.cfg.Pool.NewRoom()
	for _, pos := range missing {
		pos := pos
		name := model.FragmentFileName(blockNumber, pos.Supplier, pos.Role)
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			room.Go(func() error {
				return raid.RebuildFragment(r.cfg.ECC, blockNumber, pos.Supplier, pos.Role, dir)
			})
		}
	}
	if errs := room.Wait(); len(errs) > 0 {
		r.log.WithFields(logrus.Fields{
			"backup": backupID,
			"block":  blockNumber,
		}).Warnf("fragment rebuild failed: %v", errs[0])
		return
	}

	for _, pos := range missing {
		pos := pos
		if pos.Supplier >= len(suppliers) {
			continue
		}
		name := model.FragmentFileName(blockNumber, pos.Supplier, pos.Role)
		filename := filepath.Join(dir, name)
		if _, err := os.Stat(filename); err != nil {
			continue
		}
		r.cfg.Matrix.LocalFragmentProduced(backupID, blockNumber, pos.Supplier, pos.Role)
		packetID := model.MakePacketID(r.cfg.KeyID, r.cfg.OwnerID, pathID, version, blockNumber, pos.Supplier, pos.Role)
		r.cfg.Throttle.QueueSend(filename, suppliers[pos.Supplier], r.cfg.OwnerID, packetID, func(res iothrottle.Result) {
			if res.Status == model.StatusDelivered {
				r.cfg.Matrix.RemoteFragmentConfirmed(backupID, blockNumber, pos.Supplier, pos.Role)
			}
		})
	}
}

func scanLocal(dir string, blockNumber, n int) (data, parity []bool) {
	data = make([]bool, n)
	parity = make([]bool, n)
	for s := 0; s < n; s++ {
		if _, err := os.Stat(filepath.Join(dir, model.FragmentFileName(blockNumber, s, model.RoleData))); err == nil {
			data[s] = true
		}
		if _, err := os.Stat(filepath.Join(dir, model.FragmentFileName(blockNumber, s, model.RoleParity))); err == nil {
			parity[s] = true
		}
	}
	return data, parity
}
