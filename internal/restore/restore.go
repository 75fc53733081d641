// Package restore drives the customer download pipeline: per block it asks
// the I/O throttle for whatever fragments are missing, starts the erasure
// solver as soon as the present subset becomes fixable, decrypts the
// reconstructed block and appends the plaintext to the output stream, until
// the block flagged as last is written.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/iothrottle"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/raid"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// State is the lifecycle of one restore job.
type State int

const (
	StateRun State = iota
	StateRequest
	StateErasure
	StateBlock
	StateDone
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRun:
		return "RUN"
	case StateRequest:
		return "REQUEST"
	case StateErasure:
		return "ERASURE"
	case StateBlock:
		return "BLOCK"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

var (
	// ErrAborted reports a user-initiated abort.
	ErrAborted = errors.New("restore: job aborted")
	// ErrBlockUnfixable reports a block whose surviving fragments are not
	// sufficient to reconstruct it.
	ErrBlockUnfixable = errors.New("restore: block not fixable")
)

// Config wires one restore job into the rest of the node.
type Config struct {
	ECC       *eccmap.Map
	Codec     *packetcodec.Codec
	MyKey     *crypt.Key
	Throttle  *iothrottle.Throttle
	Matrix    *matrix.Matrix
	Suppliers []string // roster, index-aligned with fragment positions
	OwnerID   string   // customer glob id the fragments belong to
	KeyID     string   // key id prefix for packet ids, may be empty
	TmpDir    string

	RescanInterval  time.Duration // reissue tick, default 5s
	FixableInterval time.Duration // solver tick, default 1s
	MaxAttempts     int           // per fragment slot, default 3
	Logger          *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.RescanInterval <= 0 {
		c.RescanInterval = 5 * time.Second
	}
	if c.FixableInterval <= 0 {
		c.FixableInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

type slotState int

const (
	slotMissing slotState = iota
	slotInFlight
	slotPresent
	slotFailed
)

type slot struct {
	state    slotState
	attempts int
}

// Job is one running restore.
type Job struct {
	ID       string
	BackupID string

	cfg    Config
	output io.Writer
	log    *logrus.Logger

	mu     sync.Mutex
	state  State
	abort  bool
	cancel context.CancelFunc
}

// NewJob prepares a restore of backupID into output.
func NewJob(cfg Config, backupID string, output io.Writer) (*Job, error) {
	if cfg.ECC == nil {
		return nil, fmt.Errorf("restore: ecc map is required")
	}
	if len(cfg.Suppliers) != cfg.ECC.SupplierCount() {
		return nil, fmt.Errorf("restore: roster size %d does not match ecc map %s", len(cfg.Suppliers), cfg.ECC.Name)
	}
	cfg.setDefaults()
	return &Job{
		ID:       uuid.NewString(),
		BackupID: backupID,
		cfg:      cfg,
		output:   output,
		log:      cfg.Logger,
	}, nil
}

// State returns the current job state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Abort stops the job and purges its pending throttle entries.
func (j *Job) Abort() {
	j.mu.Lock()
	j.abort = true
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.cfg.Throttle.DeleteBackupRequests(j.BackupID)
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) aborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.abort
}

// Run executes the restore to completion.
func (j *Job) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()

	workDir := filepath.Join(j.cfg.TmpDir, "restore-"+j.ID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("restore: work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	_, pathID, version, err := model.SplitBackupID(j.BackupID, j.cfg.OwnerID)
	if err != nil {
		return err
	}

	for blockNumber := 0; ; blockNumber++ {
		if j.aborted() || ctx.Err() != nil {
			j.setState(StateAborted)
			return ErrAborted
		}
		last, err := j.restoreBlock(ctx, workDir, pathID, version, blockNumber)
		if err != nil {
			if j.aborted() || errors.Is(err, context.Canceled) {
				j.setState(StateAborted)
				return ErrAborted
			}
			j.setState(StateFailed)
			return err
		}
		if last {
			j.setState(StateDone)
			j.log.WithFields(logrus.Fields{
				"backup": j.BackupID,
				"blocks": blockNumber + 1,
			}).Info("restore finished")
			return nil
		}
	}
}

func (j *Job) restoreBlock(ctx context.Context, workDir, pathID, version string, blockNumber int) (bool, error) {
	em := j.cfg.ECC
	n := em.SupplierCount()

	var mu sync.Mutex
	slots := make(map[model.FragmentRole][]*slot, 2)
	slots[model.RoleData] = make([]*slot, n)
	slots[model.RoleParity] = make([]*slot, n)
	for s := 0; s < n; s++ {
		slots[model.RoleData][s] = &slot{}
		slots[model.RoleParity][s] = &slot{}
	}

	// Fragments already on disk from a previous attempt count as present.
	for s := 0; s < n; s++ {
		for _, role := range []model.FragmentRole{model.RoleData, model.RoleParity} {
			name := model.FragmentFileName(blockNumber, s, role)
			if _, err := os.Stat(filepath.Join(workDir, name)); err == nil {
				slots[role][s].state = slotPresent
			}
		}
	}

	arrived := make(chan struct{}, 1)
	notify := func() {
		select {
		case arrived <- struct{}{}:
		default:
		}
	}

	request := func(s int, role model.FragmentRole) {
		sl := slots[role][s]
		sl.state = slotInFlight
		sl.attempts++
		packetID := model.MakePacketID(j.cfg.KeyID, j.cfg.OwnerID, pathID, version, blockNumber, s, role)
		dest := filepath.Join(workDir, model.FragmentFileName(blockNumber, s, role))
		supplierIdx := s
		j.cfg.Throttle.QueueRequest(packetID, j.cfg.OwnerID, j.cfg.Suppliers[s], dest, func(res iothrottle.Result) {
			mu.Lock()
			defer mu.Unlock()
			switch res.Status {
			case model.StatusReceived:
				sl.state = slotPresent
				j.cfg.Matrix.LocalFragmentReceived(j.BackupID, blockNumber, supplierIdx, role)
			case model.StatusCancelled:
				// Leave state as-is; the job is going away.
			default:
				sl.state = slotFailed
			}
			notify()
		})
	}

	j.setState(StateRequest)
	mu.Lock()
	for s := 0; s < n; s++ {
		for _, role := range []model.FragmentRole{model.RoleData, model.RoleParity} {
			if slots[role][s].state == slotMissing {
				request(s, role)
			}
		}
	}
	mu.Unlock()

	rescan := time.NewTicker(j.cfg.RescanInterval)
	defer rescan.Stop()
	fixable := time.NewTicker(j.cfg.FixableInterval)
	defer fixable.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-arrived:
		case <-fixable.C:
		case <-rescan.C:
			mu.Lock()
			for s := 0; s < n; s++ {
				for _, role := range []model.FragmentRole{model.RoleData, model.RoleParity} {
					sl := slots[role][s]
					if sl.state == slotFailed && sl.attempts < j.cfg.MaxAttempts {
						request(s, role)
					}
				}
			}
			mu.Unlock()
			continue
		}

		mu.Lock()
		presentData := make([]bool, n)
		presentParity := make([]bool, n)
		terminal := true
		for s := 0; s < n; s++ {
			presentData[s] = slots[model.RoleData][s].state == slotPresent
			presentParity[s] = slots[model.RoleParity][s].state == slotPresent
			for _, role := range []model.FragmentRole{model.RoleData, model.RoleParity} {
				sl := slots[role][s]
				if sl.state == slotInFlight || (sl.state == slotFailed && sl.attempts < j.cfg.MaxAttempts) || sl.state == slotMissing {
					terminal = false
				}
			}
		}
		mu.Unlock()

		if em.Fixable(presentData, presentParity) {
			return j.assembleBlock(workDir, blockNumber)
		}
		if terminal {
			return false, fmt.Errorf("%w: backup %s block %d", ErrBlockUnfixable, j.BackupID, blockNumber)
		}
	}
}

// assembleBlock reconstructs, verifies and decrypts one block, appends the
// plaintext to the output and cleans per-block temporaries.
func (j *Job) assembleBlock(workDir string, blockNumber int) (bool, error) {
	j.setState(StateErasure)
	blockFile := filepath.Join(workDir, fmt.Sprintf("block-%d", blockNumber))
	if err := raid.Read(blockFile, j.cfg.ECC, blockNumber, workDir); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBlockUnfixable, err)
	}

	j.setState(StateBlock)
	serialized, err := os.ReadFile(blockFile)
	if err != nil {
		return false, fmt.Errorf("restore: read block: %w", err)
	}
	block, err := packetcodec.ParseBlock(serialized)
	if err != nil {
		return false, fmt.Errorf("restore: parse block %d: %w", blockNumber, err)
	}
	plain, err := j.cfg.Codec.DecryptBlock(block, j.cfg.MyKey)
	if err != nil {
		return false, fmt.Errorf("restore: block %d: %w", blockNumber, err)
	}
	if _, err := j.output.Write(plain); err != nil {
		return false, fmt.Errorf("restore: write output: %w", err)
	}

	// Per-block cleanup: temp fragments and any queue leftovers.
	os.Remove(blockFile)
	for s := 0; s < j.cfg.ECC.SupplierCount(); s++ {
		os.Remove(filepath.Join(workDir, model.FragmentFileName(blockNumber, s, model.RoleData)))
		os.Remove(filepath.Join(workDir, model.FragmentFileName(blockNumber, s, model.RoleParity)))
	}
	j.cfg.Throttle.DeleteBackupRequests(j.BackupID)

	return block.LastBlock, nil
}
