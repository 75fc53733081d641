// Package backup drives the customer upload pipeline: it cuts a source
// byte stream into fixed-size blocks, encrypts each block under a fresh
// session key, hands it to the erasure coder and records the produced
// fragments in the backup matrix. One job handles one backup; a small
// manager bounds how many jobs run at once.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/raid"
	"github.com/hivekeep/hivekeep/internal/workerpool"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// State is the lifecycle of one backup job.
type State int

const (
	StateRead State = iota
	StateEncrypt
	StateErasure
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRead:
		return "READ"
	case StateEncrypt:
		return "ENCRYPT"
	case StateErasure:
		return "ERASURE"
	case StateDone:
		return "DONE"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// ErrAborted reports a user-initiated abort.
var ErrAborted = errors.New("backup: job aborted")

// Config wires one job into the rest of the node.
type Config struct {
	BlockSize  int
	ECC        *eccmap.Map
	StagingDir string // fragments land under <staging>/<path_id>/<version>/
	Codec      *packetcodec.Codec
	Recipient  *crypt.Key // public key the session keys are wrapped under
	Matrix     *matrix.Matrix
	Pool       *workerpool.Pool
	Logger     *logrus.Logger
}

// Job is one running backup.
type Job struct {
	ID       string
	BackupID string

	cfg    Config
	source io.ReadCloser
	log    *logrus.Logger

	mu      sync.Mutex
	state   State
	blocks  int
	aborted bool
	cancel  context.CancelFunc
}

// NewJob prepares a job over an open source stream. The stream is owned by
// the job from here on.
func NewJob(cfg Config, backupID string, source io.ReadCloser) (*Job, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("backup: block size must be positive")
	}
	if cfg.ECC == nil {
		return nil, fmt.Errorf("backup: ecc map is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Job{
		ID:       uuid.NewString(),
		BackupID: backupID,
		cfg:      cfg,
		source:   source,
		log:      cfg.Logger,
	}, nil
}

// State returns the current job state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Blocks returns how many blocks have been fully erasure-coded so far.
func (j *Job) Blocks() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.blocks
}

// Abort kills the source pipe and stops the job. Fragments already emitted
// are left untouched; delete-backup handling cleans them up.
func (j *Job) Abort() {
	j.mu.Lock()
	j.aborted = true
	cancel := j.cancel
	j.mu.Unlock()
	j.source.Close()
	if cancel != nil {
		cancel()
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) isAborted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aborted
}

// FragmentDir is where this job's fragment files are staged.
func (j *Job) FragmentDir() string {
	return filepath.Join(j.cfg.StagingDir, filepath.FromSlash(j.BackupID))
}

// Run executes the job to completion. Only one block is in ENCRYPT or
// ERASURE at a time; the erasure work itself runs on the worker pool.
func (j *Job) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer j.source.Close()

	dir := j.FragmentDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("backup: staging dir: %w", err)
	}
	j.cfg.Matrix.RegisterBackup(j.BackupID, j.cfg.ECC.SupplierCount())

	j.setState(StateRead)
	buf := make([]byte, j.cfg.BlockSize)
	peek := make([]byte, j.cfg.BlockSize)
	n, rerr := io.ReadFull(j.source, buf)
	blockNumber := 0
	for {
		if err := ctx.Err(); err != nil || j.isAborted() {
			j.setState(StateAborted)
			return ErrAborted
		}

		last := false
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			last = true
		} else if rerr != nil {
			if j.isAborted() {
				j.setState(StateAborted)
				return ErrAborted
			}
			j.setState(StateAborted)
			return fmt.Errorf("backup: read source: %w", rerr)
		}

		var pn int
		var perr error
		if !last {
			// Read one block ahead. A source that is an exact multiple
			// of the block size ends on its final data-carrying block;
			// only an empty source produces an empty block.
			pn, perr = io.ReadFull(j.source, peek)
			if perr == io.EOF {
				last = true
			} else if perr != nil && perr != io.ErrUnexpectedEOF {
				if j.isAborted() {
					j.setState(StateAborted)
					return ErrAborted
				}
				j.setState(StateAborted)
				return fmt.Errorf("backup: read source: %w", perr)
			}
		}

		if err := j.processBlock(ctx, buf[:n], blockNumber, last, dir); err != nil {
			if j.isAborted() || errors.Is(err, context.Canceled) {
				j.setState(StateAborted)
				return ErrAborted
			}
			j.setState(StateAborted)
			return err
		}

		j.mu.Lock()
		j.blocks++
		j.mu.Unlock()

		if last {
			j.setState(StateDone)
			j.log.WithFields(logrus.Fields{
				"backup": j.BackupID,
				"blocks": blockNumber + 1,
			}).Info("backup finished")
			return nil
		}
		blockNumber++
		buf, peek = peek, buf
		n, rerr = pn, perr
		j.setState(StateRead)
	}
}

func (j *Job) processBlock(ctx context.Context, plain []byte, blockNumber int, last bool, dir string) error {
	j.setState(StateEncrypt)
	block, err := j.cfg.Codec.EncryptBlock(plain, j.cfg.Recipient, j.BackupID, blockNumber, last)
	if err != nil {
		return fmt.Errorf("backup: block %d: %w", blockNumber, err)
	}
	serialized, err := packetcodec.SerializeBlock(block)
	if err != nil {
		return fmt.Errorf("backup: block %d: %w", blockNumber, err)
	}

	j.setState(StateErasure)
	blockFile := filepath.Join(dir, fmt.Sprintf("block-%d.tmp", blockNumber))
	if err := os.WriteFile(blockFile, serialized, 0o600); err != nil {
		return fmt.Errorf("backup: block %d: %w", blockNumber, err)
	}
	defer os.Remove(blockFile)

	room := j.cfg.Pool.NewRoom()
	room.Go(func() error {
		_, _, err := raid.Make(blockFile, j.cfg.ECC, blockNumber, dir)
		return err
	})
	if errs := room.Wait(); len(errs) > 0 {
		return fmt.Errorf("backup: block %d: %w", blockNumber, errs[0])
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for s := 0; s < j.cfg.ECC.SupplierCount(); s++ {
		j.cfg.Matrix.LocalFragmentProduced(j.BackupID, blockNumber, s, model.RoleData)
		j.cfg.Matrix.LocalFragmentProduced(j.BackupID, blockNumber, s, model.RoleParity)
	}
	return nil
}

// Manager bounds how many jobs run in parallel.
type Manager struct {
	sem chan struct{}

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewManager allows up to maxParallel concurrent jobs.
func NewManager(maxParallel int) *Manager {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Manager{
		sem:  make(chan struct{}, maxParallel),
		jobs: make(map[string]*Job),
	}
}

// Start runs the job, blocking while the parallel-jobs cap is reached.
// done is called with the job result once it finishes.
func (m *Manager) Start(ctx context.Context, j *Job, done func(error)) error {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.jobs[j.BackupID] = j
	m.mu.Unlock()

	go func() {
		err := j.Run(ctx)
		m.mu.Lock()
		delete(m.jobs, j.BackupID)
		m.mu.Unlock()
		<-m.sem
		if done != nil {
			done(err)
		}
	}()
	return nil
}

// Abort aborts the running job of a backup, if any.
func (m *Manager) Abort(backupID string) bool {
	m.mu.Lock()
	j, ok := m.jobs[backupID]
	m.mu.Unlock()
	if ok {
		j.Abort()
	}
	return ok
}
