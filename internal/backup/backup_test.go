package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/raid"
	"github.com/hivekeep/hivekeep/internal/workerpool"
	"github.com/hivekeep/hivekeep/pkg/model"
)

const (
	ownerID      = "alice@id-a"
	testBackupID = "1/2/F20240101120000PM"
)

type jobEnv struct {
	cfg   Config
	key   *crypt.Key
	codec *packetcodec.Codec
	mtx   *matrix.Matrix
	em    *eccmap.Map
}

func newJobEnv(t *testing.T, blockSize int) *jobEnv {
	t.Helper()
	reg := identity.NewRegistry()
	key, err := crypt.NewKey(1024)
	require.NoError(t, err)
	reg.Register(identity.Identity{
		IDURL:     ownerID,
		GlobalID:  ownerID,
		Revision:  1,
		PublicKey: key.PublicOnly(),
	})
	codec := packetcodec.New(ownerID, key, reg)

	em, err := eccmap.ByName("ecc/4x4")
	require.NoError(t, err)
	mtx := matrix.New([]string{"s0@id", "s1@id", "s2@id", "s3@id"})
	pool := workerpool.New(workerpool.Config{WorkerCount: 2})
	t.Cleanup(pool.Close)

	return &jobEnv{
		cfg: Config{
			BlockSize:  blockSize,
			ECC:        em,
			StagingDir: t.TempDir(),
			Codec:      codec,
			Recipient:  key,
			Matrix:     mtx,
			Pool:       pool,
		},
		key:   key,
		codec: codec,
		mtx:   mtx,
		em:    em,
	}
}

func (e *jobEnv) run(t *testing.T, data []byte) *Job {
	t.Helper()
	j, err := NewJob(e.cfg, testBackupID, io.NopCloser(bytes.NewReader(data)))
	require.NoError(t, err)
	require.NoError(t, j.Run(context.Background()))
	require.Equal(t, StateDone, j.State())
	return j
}

// readBlock reassembles one staged block from its fragments and decrypts it.
func (e *jobEnv) readBlock(t *testing.T, j *Job, blockNumber int) (*model.Block, []byte) {
	t.Helper()
	blockFile := filepath.Join(t.TempDir(), "block")
	require.NoError(t, raid.Read(blockFile, e.em, blockNumber, j.FragmentDir()))
	serialized, err := os.ReadFile(blockFile)
	require.NoError(t, err)
	block, err := packetcodec.ParseBlock(serialized)
	require.NoError(t, err)
	plain, err := e.codec.DecryptBlock(block, e.key)
	require.NoError(t, err)
	return block, plain
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestExactMultipleEndsOnDataBlock(t *testing.T) {
	env := newJobEnv(t, 1024)
	data := pattern(4 * 1024)
	j := env.run(t, data)

	assert.Equal(t, 4, j.Blocks())
	assert.Len(t, env.mtx.Blocks(testBackupID), 4)
	_, err := os.Stat(filepath.Join(j.FragmentDir(), model.FragmentFileName(4, 0, model.RoleData)))
	assert.True(t, os.IsNotExist(err), "no fifth block expected")

	block, plain := env.readBlock(t, j, 3)
	assert.True(t, block.LastBlock)
	assert.Equal(t, data[3*1024:], plain)

	block, plain = env.readBlock(t, j, 0)
	assert.False(t, block.LastBlock)
	assert.Equal(t, data[:1024], plain)
}

func TestShortTailBlock(t *testing.T) {
	env := newJobEnv(t, 1024)
	data := pattern(2*1024 + 7)
	j := env.run(t, data)

	assert.Equal(t, 3, j.Blocks())
	block, plain := env.readBlock(t, j, 2)
	assert.True(t, block.LastBlock)
	assert.Equal(t, data[2*1024:], plain)
}

func TestEmptySourceEmitsOneBlock(t *testing.T) {
	env := newJobEnv(t, 1024)
	j := env.run(t, nil)

	assert.Equal(t, 1, j.Blocks())
	block, plain := env.readBlock(t, j, 0)
	assert.True(t, block.LastBlock)
	assert.Empty(t, plain)
}

func TestSubBlockSource(t *testing.T) {
	env := newJobEnv(t, 1024)
	data := pattern(100)
	j := env.run(t, data)

	assert.Equal(t, 1, j.Blocks())
	block, plain := env.readBlock(t, j, 0)
	assert.True(t, block.LastBlock)
	assert.Equal(t, data, plain)
}

func TestAbortStopsJob(t *testing.T) {
	env := newJobEnv(t, 1024)
	pr, pw := io.Pipe()
	j, err := NewJob(env.cfg, testBackupID, pr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- j.Run(context.Background()) }()
	_, err = pw.Write(pattern(1024))
	require.NoError(t, err)
	j.Abort()

	require.ErrorIs(t, <-done, ErrAborted)
	assert.Equal(t, StateAborted, j.State())
}

func TestNewJobValidatesConfig(t *testing.T) {
	env := newJobEnv(t, 1024)

	bad := env.cfg
	bad.BlockSize = 0
	_, err := NewJob(bad, testBackupID, io.NopCloser(bytes.NewReader(nil)))
	assert.Error(t, err)

	bad = env.cfg
	bad.ECC = nil
	_, err = NewJob(bad, testBackupID, io.NopCloser(bytes.NewReader(nil)))
	assert.Error(t, err)
}
