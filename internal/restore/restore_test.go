package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekeep/hivekeep/internal/backup"
	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/iothrottle"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/internal/transport"
	"github.com/hivekeep/hivekeep/internal/workerpool"
	"github.com/hivekeep/hivekeep/pkg/model"
)

const (
	ownerID      = "alice@id-a"
	testBackupID = "1/2/F20240101120000PM"
)

type restoreEnv struct {
	cfg      Config
	fragDir  string
	bus      *transport.Loopback
	requests map[string]int // packet id -> request count, under reqMu
	reqMu    sync.Mutex
}

// newRestoreEnv stages a real backup of payload and wires four loopback
// suppliers that serve its fragments back on request.
func newRestoreEnv(t *testing.T, blockSize int, payload []byte) *restoreEnv {
	t.Helper()
	reg := identity.NewRegistry()
	bus := transport.NewLoopback()

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
	supplierIDs := make([]string, em.SupplierCount())
	for i := range supplierIDs {
		supplierIDs[i] = fmt.Sprintf("s%d@id-s%d", i, i)
	}
	mtx := matrix.New(supplierIDs)
	pool := workerpool.New(workerpool.Config{WorkerCount: 2})
	t.Cleanup(pool.Close)

	job, err := backup.NewJob(backup.Config{
		BlockSize:  blockSize,
		ECC:        em,
		StagingDir: t.TempDir(),
		Codec:      codec,
		Recipient:  key,
		Matrix:     mtx,
		Pool:       pool,
	}, testBackupID, io.NopCloser(bytes.NewReader(payload)))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	env := &restoreEnv{
		fragDir:  job.FragmentDir(),
		bus:      bus,
		requests: make(map[string]int),
	}
	for _, id := range supplierIDs {
		supKey, err := crypt.NewKey(1024)
		require.NoError(t, err)
		reg.Register(identity.Identity{
			IDURL:     id,
			GlobalID:  id,
			Revision:  1,
			PublicKey: supKey.PublicOnly(),
		})
		supCodec := packetcodec.New(id, supKey, reg)
		bus.Attach(id, func(_ context.Context, pkt *model.Packet) (*model.Packet, error) {
			env.reqMu.Lock()
			env.requests[pkt.PacketID]++
			env.reqMu.Unlock()
			pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID)
			if err != nil {
				return supCodec.Make(model.CmdFail, pkt.OwnerID, pkt.PacketID, []byte("malformed"), pkt.CreatorID)
			}
			name := model.FragmentFileName(pid.BlockNumber, pid.SupplierIndex, pid.Role)
			data, err := os.ReadFile(filepath.Join(env.fragDir, name))
			if err != nil {
				return supCodec.Make(model.CmdFail, pkt.OwnerID, pkt.PacketID, []byte("not stored"), pkt.CreatorID)
			}
			inner, err := supCodec.Make(model.CmdData, pkt.OwnerID, pkt.PacketID, data, pkt.CreatorID)
			if err != nil {
				return nil, err
			}
			stored, err := packetcodec.Serialize(inner)
			if err != nil {
				return nil, err
			}
			return supCodec.Make(model.CmdData, pkt.OwnerID, pkt.PacketID, stored, pkt.CreatorID)
		})
	}

	th := iothrottle.New(iothrottle.Config{MinTimeout: time.Second}, codec, bus)
	t.Cleanup(th.Close)

	env.cfg = Config{
		ECC:             em,
		Codec:           codec,
		MyKey:           key,
		Throttle:        th,
		Matrix:          mtx,
		Suppliers:       supplierIDs,
		OwnerID:         ownerID,
		TmpDir:          t.TempDir(),
		RescanInterval:  50 * time.Millisecond,
		FixableInterval: 10 * time.Millisecond,
		MaxAttempts:     2,
	}
	return env
}

// dropColumn removes one supplier's fragments from the served set.
func (env *restoreEnv) dropColumn(t *testing.T, s int) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(env.fragDir, fmt.Sprintf("*-%d-*", s)))
	require.NoError(t, err)
	for _, m := range matches {
		require.NoError(t, os.Remove(m))
	}
}

func (env *restoreEnv) requestCount(packetID string) int {
	env.reqMu.Lock()
	defer env.reqMu.Unlock()
	return env.requests[packetID]
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	payload := pattern(3*1024 + 100)
	env := newRestoreEnv(t, 1024, payload)

	var out bytes.Buffer
	j, err := NewJob(env.cfg, testBackupID, &out)
	require.NoError(t, err)
	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, StateDone, j.State())
	assert.Equal(t, payload, out.Bytes())
}

func TestToleratesLostColumns(t *testing.T) {
	payload := pattern(2 * 1024)
	env := newRestoreEnv(t, 1024, payload)

	// ecc/4x4 corrects two whole supplier columns.
	env.dropColumn(t, 1)
	env.dropColumn(t, 3)

	var out bytes.Buffer
	j, err := NewJob(env.cfg, testBackupID, &out)
	require.NoError(t, err)
	require.NoError(t, j.Run(context.Background()))
	assert.Equal(t, payload, out.Bytes())
}

func TestUnfixableAfterMaxAttempts(t *testing.T) {
	payload := pattern(1024)
	env := newRestoreEnv(t, 1024, payload)

	env.dropColumn(t, 0)
	env.dropColumn(t, 1)
	env.dropColumn(t, 2)

	var out bytes.Buffer
	j, err := NewJob(env.cfg, testBackupID, &out)
	require.NoError(t, err)
	err = j.Run(context.Background())
	require.ErrorIs(t, err, ErrBlockUnfixable)
	assert.Equal(t, StateFailed, j.State())
	assert.Empty(t, out.Bytes())

	// Each lost slot was retried up to the attempt cap before giving up.
	lost := model.MakePacketID("", ownerID, "1/2", "F20240101120000PM", 0, 0, model.RoleData)
	assert.Equal(t, env.cfg.MaxAttempts, env.requestCount(lost))
}

func TestRosterMustMatchMap(t *testing.T) {
	env := newRestoreEnv(t, 1024, pattern(16))
	bad := env.cfg
	bad.Suppliers = bad.Suppliers[:2]
	_, err := NewJob(bad, testBackupID, io.Discard)
	assert.Error(t, err)
}
