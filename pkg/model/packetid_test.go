package model

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParsePacketID(t *testing.T) {
	p, err := ParsePacketID("share$alice@id-a:alice@id-a/1/2/F20240101120000PM/3-1-Parity", "")
	require.NoError(t, err)
	assert.Equal(t, "share$alice@id-a", p.KeyID)
	assert.Equal(t, "alice@id-a", p.CustomerID)
	assert.Equal(t, "1/2", p.PathID)
	assert.Equal(t, "F20240101120000PM", p.Version)
	assert.Equal(t, 3, p.BlockNumber)
	assert.Equal(t, 1, p.SupplierIndex)
	assert.Equal(t, RoleParity, p.Role)
	assert.Equal(t, "1/2/F20240101120000PM", p.BackupID())

	// Legacy form without customer falls back to the caller's id.
	p, err = ParsePacketID("1/2/3/F20240101120000PM/0-0-Data", "bob@id-b")
	require.NoError(t, err)
	assert.Equal(t, "bob@id-b", p.CustomerID)
	assert.Equal(t, "1/2/3", p.PathID)
	assert.Empty(t, p.KeyID)
}

func TestParsePacketIDRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"alice@id-a",
		"alice@id-a/1",
		"alice@id-a/1/F20240101120000PM/0-0-Mystery",
		"alice@id-a/1/F20240101120000PM/x-0-Data",
		"alice@id-a/1/F20240101120000PM/0-y-Data",
		"alice@id-a/F20240101120000PM/0-0-Data",
	} {
		_, err := ParsePacketID(raw, "alice@id-a")
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestPacketIDRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		keyID := rapid.SampledFrom([]string{
			"", "master$alice@id-a", "share$carol@id-c",
		}).Draw(t, "keyID")
		segs := rapid.SliceOfN(rapid.IntRange(0, 99), 1, 4).Draw(t, "segs")
		pathID := ""
		for i, s := range segs {
			if i > 0 {
				pathID += "/"
			}
			pathID += strconv.Itoa(s)
		}
		block := rapid.IntRange(0, 1<<20).Draw(t, "block")
		supplier := rapid.IntRange(0, 63).Draw(t, "supplier")
		role := rapid.SampledFrom([]FragmentRole{RoleData, RoleParity}).Draw(t, "role")

		raw := MakePacketID(keyID, "alice@id-a", pathID, "F20240101120000PM", block, supplier, role)
		p, err := ParsePacketID(raw, "")
		require.NoError(t, err)
		assert.Equal(t, keyID, p.KeyID)
		assert.Equal(t, pathID, p.PathID)
		assert.Equal(t, block, p.BlockNumber)
		assert.Equal(t, supplier, p.SupplierIndex)
		assert.Equal(t, role, p.Role)
		assert.Equal(t, raw, p.String())
	})
}

func TestSplitKeyID(t *testing.T) {
	alias, owner := SplitKeyID("share$alice@id-a")
	assert.Equal(t, "share", alias)
	assert.Equal(t, "alice@id-a", owner)

	alias, owner = SplitKeyID("alice@id-a")
	assert.Equal(t, "master", alias)
	assert.Equal(t, "alice@id-a", owner)

	assert.Equal(t, "share$alice@id-a", MakeKeyID("share", "alice@id-a"))
}

func TestSplitBackupID(t *testing.T) {
	customer, pathID, version, err := SplitBackupID("alice@id-a/1/2/F20240101120000PM", "bob@id-b")
	require.NoError(t, err)
	assert.Equal(t, "alice@id-a", customer)
	assert.Equal(t, "1/2", pathID)
	assert.Equal(t, "F20240101120000PM", version)

	customer, pathID, version, err = SplitBackupID("7/F20240101120000PM", "bob@id-b")
	require.NoError(t, err)
	assert.Equal(t, "bob@id-b", customer)
	assert.Equal(t, "7", pathID)
	assert.Equal(t, "F20240101120000PM", version)

	_, _, _, err = SplitBackupID("justone", "bob@id-b")
	assert.Error(t, err)
}

func TestNewVersionID(t *testing.T) {
	v := NewVersionID(time.Date(2013, 11, 20, 17, 38, 3, 0, time.UTC))
	assert.Equal(t, "F20131120053803PM", v)
}

func TestUniqueIDMonotonic(t *testing.T) {
	prev := UniqueID()
	for i := 0; i < 100; i++ {
		next := UniqueID()
		assert.Greater(t, next, prev)
		prev = next
	}
}
