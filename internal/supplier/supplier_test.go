package supplier

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivekeep/hivekeep/internal/crypt"
	"github.com/hivekeep/hivekeep/internal/identity"
	"github.com/hivekeep/hivekeep/internal/packetcodec"
	"github.com/hivekeep/hivekeep/pkg/model"
)

const (
	supplierID = "stor@id-s"
	customerID = "alice@id-a"
	outsiderID = "bob@id-b"

	version = "F20240101120000PM"
)

func newPeer(t testing.TB, globalID string, reg *identity.Registry) (*packetcodec.Codec, *crypt.Key) {
	t.Helper()
	key, err := crypt.NewKey(1024)
	require.NoError(t, err)
	reg.Register(identity.Identity{
		IDURL:     globalID,
		GlobalID:  globalID,
		Revision:  1,
		PublicKey: key.PublicOnly(),
	})
	return packetcodec.New(globalID, key, reg), key
}

type testEnv struct {
	reg      *identity.Registry
	engine   *Engine
	alice    *packetcodec.Codec
	aliceKey *crypt.Key
	bob      *packetcodec.Codec
}

func newTestEnv(t *testing.T, donated int64, compress bool) *testEnv {
	t.Helper()
	reg := identity.NewRegistry()
	supCodec, supKey := newPeer(t, supplierID, reg)
	alice, aliceKey := newPeer(t, customerID, reg)
	bob, _ := newPeer(t, outsiderID, reg)

	e, err := New(Config{
		Root:          t.TempDir(),
		Donated:       donated,
		Codec:         supCodec,
		Key:           supKey,
		Resolver:      reg,
		Compress:      compress,
		SkipDiskCheck: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return &testEnv{reg: reg, engine: e, alice: alice, aliceKey: aliceKey, bob: bob}
}

// store sends one signed Data packet through the engine and returns the
// reply.
func (env *testEnv) store(t *testing.T, keyID, pathID string, block int, role model.FragmentRole, payload []byte) *model.Packet {
	t.Helper()
	pid := model.MakePacketID(keyID, customerID, pathID, version, block, 0, role)
	pkt, err := env.alice.Make(model.CmdData, customerID, pid, payload, supplierID)
	require.NoError(t, err)
	reply, err := env.engine.Handle(context.Background(), pkt)
	require.NoError(t, err)
	return reply
}

func TestAuthorizationMatrix(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	e := env.engine
	require.NoError(t, e.AddCustomer("cust@id", 1024, 0))
	require.NoError(t, e.AddCustomer("cust2@id", 1024, 1))

	holderKey, err := crypt.NewKey(1024)
	require.NoError(t, err)
	e.RegisterKey("share$holder@id", holderKey)

	cases := []struct {
		name     string
		owner    string
		creator  string
		isDelete bool
		want     bool
	}{
		{"customer writes own space", "cust@id", "cust@id", false, true},
		{"customer deletes own space", "cust@id", "cust@id", true, true},
		{"key holder writes own space", "holder@id", "holder@id", false, true},
		{"key holder cannot delete own space", "holder@id", "holder@id", true, false},
		{"stranger writes own space", "ghost@id", "ghost@id", false, false},
		{"key holder writes into customer space", "cust@id", "holder@id", false, true},
		{"key holder deletes from customer space", "cust@id", "holder@id", true, true},
		{"key holder writes into non-customer space", "ghost@id", "holder@id", false, false},
		{"customer stores data owned by another", "cust@id", "cust2@id", false, true},
		{"customer cannot delete data owned by another", "cust@id", "cust2@id", true, false},
		{"stranger writes into customer space", "cust@id", "ghost@id", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.authorize(tc.owner, tc.creator, tc.isDelete))
		})
	}
}

func TestStoreAndQuota(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 4096, 0))

	reply := env.store(t, "", "1/2", 0, model.RoleData, []byte("fragment-bytes"))
	require.Equal(t, model.CmdAck, reply.Command)
	stored, err := strconv.Atoi(string(reply.Payload))
	require.NoError(t, err)
	assert.Greater(t, stored, 0)
	assert.Equal(t, int64(stored), env.engine.Used(customerID))

	path := filepath.Join(env.engine.cfg.Root, "customers", customerID, "master",
		"1", "2", version, "0-0-Data")
	_, err = os.Stat(path)
	require.NoError(t, err)

	// Overwriting the same fragment does not double-count.
	reply = env.store(t, "", "1/2", 0, model.RoleData, []byte("fragment-bytes"))
	require.Equal(t, model.CmdAck, reply.Command)
	assert.Equal(t, int64(stored), env.engine.Used(customerID))

	// A fragment that would blow the quota is refused verbatim.
	reply = env.store(t, "", "1/2", 1, model.RoleData, make([]byte, 8192))
	require.Equal(t, model.CmdFail, reply.Command)
	assert.Equal(t, FailNoFreeSpace, string(reply.Payload))
	assert.Equal(t, int64(stored), env.engine.Used(customerID))
}

func TestStoreUnauthorized(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 4096, 0))

	// An outsider with no shared key cannot write into alice's space.
	pid := model.MakePacketID("", customerID, "1/2", version, 0, 0, model.RoleData)
	pkt, err := env.bob.Make(model.CmdData, customerID, pid, []byte("x"), supplierID)
	require.NoError(t, err)
	reply, err := env.engine.Handle(context.Background(), pkt)
	require.NoError(t, err)
	assert.Equal(t, model.CmdFail, reply.Command)

	// A tampered packet is dropped before dispatch.
	pkt, err = env.alice.Make(model.CmdData, customerID, pid, []byte("x"), supplierID)
	require.NoError(t, err)
	pkt.Payload = []byte("y")
	_, err = env.engine.Handle(context.Background(), pkt)
	assert.Error(t, err)
}

func TestQuotaLedger(t *testing.T) {
	env := newTestEnv(t, 1000, false)
	e := env.engine

	require.NoError(t, e.AddCustomer("a@id", 400, 0))
	require.NoError(t, e.AddCustomer("b@id", 400, 1))
	assert.Equal(t, int64(200), e.Free())

	err := e.AddCustomer("c@id", 300, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), FailNoFreeSpace)

	// Growing an existing allocation only charges the delta.
	require.NoError(t, e.AddCustomer("a@id", 600, 0))
	assert.Equal(t, int64(0), e.Free())

	require.NoError(t, e.RemoveCustomer("b@id"))
	assert.Equal(t, int64(400), e.Free())
	assert.Equal(t, []string{"a@id"}, e.Customers())

	data, err := os.ReadFile(e.quotaPath())
	require.NoError(t, err)
	assert.Equal(t, "a@id=600\nfree=400\n", string(data))
}

func TestRetrieve(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 1<<20, 0))

	sharedKey, err := crypt.NewKey(1024)
	require.NoError(t, err)
	keyID := "share$" + customerID
	env.engine.RegisterKey(keyID, sharedKey)

	payload := []byte("the stored fragment")
	reply := env.store(t, keyID, "1/2", 0, model.RoleData, payload)
	require.Equal(t, model.CmdAck, reply.Command)

	pid := model.MakePacketID(keyID, customerID, "1/2", version, 0, 0, model.RoleData)

	// The owner reads back the exact serialized packet it stored.
	req, err := env.alice.Make(model.CmdRetrieve, customerID, pid, nil, supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.CmdData, reply.Command)
	original, err := packetcodec.Parse(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, original.Payload)

	// An outsider without a challenge is refused.
	req, err = env.bob.Make(model.CmdRetrieve, customerID, pid, nil, supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CmdFail, reply.Command)

	// Holding the shared key, the outsider signs the packet id and reads.
	challenge, err := sharedKey.Sign([]byte(pid))
	require.NoError(t, err)
	req, err = env.bob.Make(model.CmdRetrieve, customerID, pid, challenge, supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CmdData, reply.Command)

	// Missing files fail cleanly.
	gone := model.MakePacketID(keyID, customerID, "1/2", version, 9, 0, model.RoleData)
	req, err = env.alice.Make(model.CmdRetrieve, customerID, gone, nil, supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CmdFail, reply.Command)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 1<<20, 0))

	require.Equal(t, model.CmdAck, env.store(t, "", "1/2", 0, model.RoleData, []byte("a")).Command)
	require.Equal(t, model.CmdAck, env.store(t, "", "1/2", 0, model.RoleParity, []byte("b")).Command)
	usedBoth := env.engine.Used(customerID)

	pid := model.MakePacketID("", customerID, "1/2", version, 0, 0, model.RoleData)

	// An outsider cannot delete.
	req, err := env.bob.Make(model.CmdDeleteFile, customerID, pid, nil, supplierID)
	require.NoError(t, err)
	reply, err := env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.CmdFail, reply.Command)
	assert.Equal(t, usedBoth, env.engine.Used(customerID))

	// The customer deletes one fragment.
	req, err = env.alice.Make(model.CmdDeleteFile, customerID, pid, nil, supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.CmdAck, reply.Command)
	assert.Less(t, env.engine.Used(customerID), usedBoth)

	// DeleteBackup wipes the whole version directory.
	backupID := customerID + "/1/2/" + version
	req, err = env.alice.Make(model.CmdDeleteBackup, customerID, "del-1", []byte(backupID), supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.CmdAck, reply.Command)
	assert.Equal(t, int64(0), env.engine.Used(customerID))

	dir := filepath.Join(env.engine.cfg.Root, "customers", customerID, "master", "1", "2", version)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t, 1<<20, true)
	require.NoError(t, env.engine.AddCustomer(customerID, 1<<20, 0))

	// 1/2 is complete for our position, 1/3 is missing its parity.
	for block := 0; block < 2; block++ {
		require.Equal(t, model.CmdAck, env.store(t, "", "1/2", block, model.RoleData, []byte("d")).Command)
		require.Equal(t, model.CmdAck, env.store(t, "", "1/2", block, model.RoleParity, []byte("p")).Command)
	}
	require.Equal(t, model.CmdAck, env.store(t, "", "1/3", 0, model.RoleData, []byte("d")).Command)

	req, err := env.alice.Make(model.CmdListFiles, customerID, "lf-1", nil, supplierID)
	require.NoError(t, err)
	reply, err := env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.CmdFiles, reply.Command)

	// The listing travels as a compressed, encrypted block.
	block, err := packetcodec.ParseBlock(reply.Payload)
	require.NoError(t, err)
	compressed, err := env.alice.DecryptBlock(block, env.aliceKey)
	require.NoError(t, err)
	listing, err := ZlibDecompress(compressed)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(listing), "\n"), "\n")
	assert.Equal(t, "Q*", lines[0])
	assert.Contains(t, lines, "Kmaster")
	assert.Contains(t, lines, "D1")

	var complete, partial string
	for _, line := range lines {
		if strings.HasPrefix(line, "V1/2/"+version) {
			complete = line
		}
		if strings.HasPrefix(line, "V1/3/"+version) {
			partial = line
		}
	}
	require.NotEmpty(t, complete)
	require.NotEmpty(t, partial)
	assert.NotContains(t, complete, "missing")
	assert.True(t, strings.HasPrefix(complete, fmt.Sprintf("V1/2/%s 0 0-1 ", version)), complete)
	assert.True(t, strings.HasSuffix(partial, " missing Parity:0"), partial)

	// A query narrows the listing to one subtree.
	req, err = env.alice.Make(model.CmdListFiles, customerID, "lf-2", []byte("1/3"), supplierID)
	require.NoError(t, err)
	reply, err = env.engine.Handle(context.Background(), req)
	require.NoError(t, err)
	block, err = packetcodec.ParseBlock(reply.Payload)
	require.NoError(t, err)
	compressed, err = env.alice.DecryptBlock(block, env.aliceKey)
	require.NoError(t, err)
	listing, err = ZlibDecompress(compressed)
	require.NoError(t, err)
	assert.Contains(t, string(listing), "F1/3 ")
	assert.NotContains(t, string(listing), "F1/2 ")
}

func TestValidationRemovesCorruptFiles(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 1<<20, 0))

	reply := env.store(t, "", "1/2", 0, model.RoleData, []byte("good fragment"))
	require.Equal(t, model.CmdAck, reply.Command)
	goodSize := env.engine.Used(customerID)

	versionDir := filepath.Join(env.engine.cfg.Root, "customers", customerID,
		"master", "1", "2", version)
	corrupt := filepath.Join(versionDir, "0-0-Parity")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a packet"), 0o600))

	env.engine.RunValidation()

	_, err := os.Stat(corrupt)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(versionDir, "0-0-Data"))
	assert.NoError(t, err)
	assert.Equal(t, goodSize, env.engine.Used(customerID))
}

func TestRejecterEnforcesDonation(t *testing.T) {
	env := newTestEnv(t, 1000, false)
	e := env.engine
	require.NoError(t, e.AddCustomer(customerID, 500, 0))
	require.NoError(t, e.AddCustomer("idle@id", 500, 1))

	// alice actually uses her space, the idle tenant never connected.
	reply := env.store(t, "", "1/2", 0, model.RoleData, []byte("abc"))
	require.Equal(t, model.CmdAck, reply.Command)

	// Shrink the donation under the sum of allocations; the higher
	// used/allocated ratio goes first.
	e.cfg.Donated = 600
	e.RunRejecter()
	assert.Equal(t, []string{"idle@id"}, e.Customers())

	// The idle window rejects tenants that stopped connecting.
	e.cfg.IdleWindow = time.Minute
	e.mu.Lock()
	e.customers["idle@id"].LastConnected = time.Now().Add(-time.Hour)
	e.mu.Unlock()
	e.RunRejecter()
	assert.Empty(t, e.Customers())
}

func TestHandleRotation(t *testing.T) {
	env := newTestEnv(t, 1<<20, false)
	require.NoError(t, env.engine.AddCustomer(customerID, 1<<20, 0))

	reply := env.store(t, "", "1/2", 0, model.RoleData, []byte("rotated"))
	require.Equal(t, model.CmdAck, reply.Command)
	used := env.engine.Used(customerID)

	sharedKey, err := crypt.NewKey(1024)
	require.NoError(t, err)
	env.engine.RegisterKey("share$"+customerID, sharedKey)

	const rotated = "alice@id-new"
	env.engine.HandleRotation(customerID, rotated)

	assert.Equal(t, []string{rotated}, env.engine.Customers())
	assert.Equal(t, used, env.engine.Used(rotated))
	assert.Equal(t, int64(0), env.engine.Used(customerID))

	_, err = os.Stat(filepath.Join(env.engine.cfg.Root, "customers", rotated,
		"master", "1", "2", version, "0-0-Data"))
	assert.NoError(t, err)

	env.engine.mu.Lock()
	assert.True(t, env.engine.keyRegisteredFor(rotated))
	assert.False(t, env.engine.keyRegisteredFor(customerID))
	env.engine.mu.Unlock()

	data, err := os.ReadFile(env.engine.quotaPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), rotated+"=")
}

func TestNewRefusesOverDonation(t *testing.T) {
	reg := identity.NewRegistry()
	codec, key := newPeer(t, supplierID, reg)
	_, err := New(Config{
		Root:     t.TempDir(),
		Donated:  math.MaxInt64,
		Codec:    codec,
		Key:      key,
		Resolver: reg,
	})
	require.ErrorIs(t, err, ErrNotDonating)
}
