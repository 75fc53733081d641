package rebuilder

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

type rebuildEnv struct {
	reb      *Rebuilder
	mtx      *matrix.Matrix
	em       *eccmap.Map
	stageDir string // the rebuilder's local material
	serveDir string // what the loopback suppliers hold

	mu    sync.Mutex
	sends map[int][]string // supplier index -> received send packet ids
}

// newRebuildEnv stages a real backup, keeps a copy for the suppliers to
// serve, and wires a rebuilder over four loopback suppliers.
func newRebuildEnv(t *testing.T, payload []byte) *rebuildEnv {
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

	staging := t.TempDir()
	job, err := backup.NewJob(backup.Config{
		BlockSize:  1024,
		ECC:        em,
		StagingDir: staging,
		Codec:      codec,
		Recipient:  key,
		Matrix:     mtx,
		Pool:       pool,
	}, testBackupID, io.NopCloser(bytes.NewReader(payload)))
	require.NoError(t, err)
	require.NoError(t, job.Run(context.Background()))

	env := &rebuildEnv{
		mtx:      mtx,
		em:       em,
		stageDir: job.FragmentDir(),
		serveDir: t.TempDir(),
		sends:    make(map[int][]string),
	}
	entries, err := os.ReadDir(env.stageDir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(env.stageDir, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(env.serveDir, e.Name()), data, 0o600))
	}

	for i, id := range supplierIDs {
		supKey, err := crypt.NewKey(1024)
		require.NoError(t, err)
		reg.Register(identity.Identity{
			IDURL:     id,
			GlobalID:  id,
			Revision:  1,
			PublicKey: supKey.PublicOnly(),
		})
		supCodec := packetcodec.New(id, supKey, reg)
		idx := i
		bus.Attach(id, func(_ context.Context, pkt *model.Packet) (*model.Packet, error) {
			if pkt.Command != model.CmdRetrieve {
				env.mu.Lock()
				env.sends[idx] = append(env.sends[idx], pkt.PacketID)
				env.mu.Unlock()
				return supCodec.Make(model.CmdAck, pkt.OwnerID, pkt.PacketID,
					[]byte(fmt.Sprint(len(pkt.Payload))), pkt.CreatorID)
			}
			pid, err := model.ParsePacketID(pkt.PacketID, pkt.OwnerID)
			if err != nil {
				return supCodec.Make(model.CmdFail, pkt.OwnerID, pkt.PacketID, []byte("malformed"), pkt.CreatorID)
			}
			name := model.FragmentFileName(pid.BlockNumber, pid.SupplierIndex, pid.Role)
			data, err := os.ReadFile(filepath.Join(env.serveDir, name))
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

	th := iothrottle.New(iothrottle.Config{}, codec, bus)
	t.Cleanup(th.Close)

	env.reb = New(Config{
		ECC:        em,
		Matrix:     mtx,
		Throttle:   th,
		Pool:       pool,
		StagingDir: staging,
		OwnerID:    ownerID,
		KeyID:      "master$" + ownerID,
		Interval:   time.Hour,
	})
	return env
}

// confirmRemote marks every fragment of every block as held by the given
// suppliers.
func (env *rebuildEnv) confirmRemote(suppliers ...int) {
	for _, b := range env.mtx.Blocks(testBackupID) {
		for _, s := range suppliers {
			env.mtx.RemoteFragmentConfirmed(testBackupID, b, s, model.RoleData)
			env.mtx.RemoteFragmentConfirmed(testBackupID, b, s, model.RoleParity)
		}
	}
}

func (env *rebuildEnv) allCovered() bool {
	for _, b := range env.mtx.Blocks(testBackupID) {
		if len(env.mtx.MissingRemotely(testBackupID, b)) > 0 {
			return false
		}
	}
	return true
}

func (env *rebuildEnv) sentTo(idx int) []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.sends[idx]...)
}

func TestTickRefillsMissingColumn(t *testing.T) {
	payload := make([]byte, 2*1024)
	env := newRebuildEnv(t, payload)
	require.Len(t, env.mtx.Blocks(testBackupID), 2)

	// Supplier 2 holds nothing; everyone else is covered.
	env.confirmRemote(0, 1, 3)

	env.reb.Tick(context.Background())
	require.Eventually(t, env.allCovered, 5*time.Second, 10*time.Millisecond)

	pids := env.sentTo(2)
	assert.Len(t, pids, 4) // two blocks, data and parity each
	for _, raw := range pids {
		pid, err := model.ParsePacketID(raw, ownerID)
		require.NoError(t, err)
		assert.Equal(t, 2, pid.SupplierIndex)
	}
	assert.Empty(t, env.sentTo(0))
	assert.Empty(t, env.sentTo(1))
	assert.Empty(t, env.sentTo(3))
}

func TestTickFetchesRemoteMaterialWhenLocalUnfixable(t *testing.T) {
	env := newRebuildEnv(t, make([]byte, 512))

	// Locally only column 0 survives; suppliers 0 and 1 are covered
	// remotely, 2 and 3 are not.
	for s := 1; s < 4; s++ {
		matches, err := filepath.Glob(filepath.Join(env.stageDir, fmt.Sprintf("*-%d-*", s)))
		require.NoError(t, err)
		for _, m := range matches {
			require.NoError(t, os.Remove(m))
		}
	}
	env.confirmRemote(0, 1)

	// First pass cannot rebuild from one column; it pulls what supplier 1
	// still holds.
	env.reb.Tick(context.Background())
	fetched := filepath.Join(env.stageDir, model.FragmentFileName(0, 1, model.RoleData))
	require.Eventually(t, func() bool {
		_, err := os.Stat(fetched)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// With two columns of local material the next pass rebuilds the rest
	// and uploads it.
	require.Eventually(t, func() bool {
		env.reb.Tick(context.Background())
		return env.allCovered()
	}, 5*time.Second, 50*time.Millisecond)
	assert.NotEmpty(t, env.sentTo(2))
	assert.NotEmpty(t, env.sentTo(3))
}
