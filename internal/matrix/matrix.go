// Package matrix tracks, per backup, which erasure-coded fragments are
// known to exist locally and which are confirmed held by each supplier.
// Both the upload and download paths feed it; the rebuilder and the restore
// scheduler read it to decide what to transfer next.
package matrix

import (
	"sort"
	"sync"

	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// Position addresses one fragment slot inside a block: a supplier index and
// the data/parity role.
type Position struct {
	Supplier int
	Role     model.FragmentRole
}

// BlockSet is one supplier's reported holdings for one backup.
type BlockSet struct {
	Data   map[int]bool // block number -> held
	Parity map[int]bool
}

type blockBits struct {
	localData    []bool
	localParity  []bool
	remoteData   []bool
	remoteParity []bool
}

type backupState struct {
	numSuppliers int
	blocks       map[int]*blockBits
}

func (b *backupState) block(n int) *blockBits {
	bb, ok := b.blocks[n]
	if !ok {
		bb = &blockBits{
			localData:    make([]bool, b.numSuppliers),
			localParity:  make([]bool, b.numSuppliers),
			remoteData:   make([]bool, b.numSuppliers),
			remoteParity: make([]bool, b.numSuppliers),
		}
		b.blocks[n] = bb
	}
	return bb
}

// Matrix is the process-wide fragment bitmap. Safe for concurrent use.
type Matrix struct {
	mu        sync.Mutex
	suppliers []string
	backups   map[string]*backupState
}

// New returns a matrix over the given supplier roster.
func New(suppliers []string) *Matrix {
	return &Matrix{
		suppliers: append([]string(nil), suppliers...),
		backups:   make(map[string]*backupState),
	}
}

// Suppliers returns the current roster.
func (m *Matrix) Suppliers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.suppliers...)
}

// RegisterBackup makes the matrix aware of a backup and its fragment width.
func (m *Matrix) RegisterBackup(backupID string, numSuppliers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[backupID]; !ok {
		m.backups[backupID] = &backupState{
			numSuppliers: numSuppliers,
			blocks:       make(map[int]*blockBits),
		}
	}
}

// Backups lists all tracked backup ids.
func (m *Matrix) Backups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.backups))
	for id := range m.backups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Blocks lists the known block numbers of a backup in order.
func (m *Matrix) Blocks(backupID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return nil
	}
	nums := make([]int, 0, len(b.blocks))
	for n := range b.blocks {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// LocalFragmentProduced records that the coder emitted a fragment locally.
func (m *Matrix) LocalFragmentProduced(backupID string, block, supplier int, role model.FragmentRole) {
	m.set(backupID, block, supplier, role, true, false)
}

// RemoteFragmentConfirmed records a successful upload to a supplier.
func (m *Matrix) RemoteFragmentConfirmed(backupID string, block, supplier int, role model.FragmentRole) {
	m.set(backupID, block, supplier, role, true, true)
}

// LocalFragmentReceived records a successful download or reconstruction.
func (m *Matrix) LocalFragmentReceived(backupID string, block, supplier int, role model.FragmentRole) {
	m.set(backupID, block, supplier, role, true, false)
}

func (m *Matrix) set(backupID string, block, supplier int, role model.FragmentRole, value, remote bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return
	}
	if supplier < 0 || supplier >= b.numSuppliers {
		return
	}
	bb := b.block(block)
	switch {
	case remote && role == model.RoleData:
		bb.remoteData[supplier] = value
	case remote && role == model.RoleParity:
		bb.remoteParity[supplier] = value
	case !remote && role == model.RoleData:
		bb.localData[supplier] = value
	default:
		bb.localParity[supplier] = value
	}
}

// ApplyListFiles replaces supplier's remote column wholesale from a
// list-files response. Fragments not reported are cleared.
func (m *Matrix) ApplyListFiles(supplier int, reported map[string]BlockSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for backupID, b := range m.backups {
		if supplier < 0 || supplier >= b.numSuppliers {
			continue
		}
		set := reported[backupID]
		for n, bb := range b.blocks {
			bb.remoteData[supplier] = set.Data[n]
			bb.remoteParity[supplier] = set.Parity[n]
		}
		// Blocks the supplier reports but the matrix has never seen.
		for n := range set.Data {
			bb := b.block(n)
			bb.remoteData[supplier] = true
		}
		for n := range set.Parity {
			bb := b.block(n)
			bb.remoteParity[supplier] = true
		}
	}
}

// ClearBackup drops both bitmaps of a backup.
func (m *Matrix) ClearBackup(backupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, backupID)
}

// ClearSupplier clears the remote column of one supplier position across
// every backup.
func (m *Matrix) ClearSupplier(supplier int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearSupplierLocked(supplier)
}

func (m *Matrix) clearSupplierLocked(supplier int) {
	for _, b := range m.backups {
		if supplier < 0 || supplier >= b.numSuppliers {
			continue
		}
		for _, bb := range b.blocks {
			bb.remoteData[supplier] = false
			bb.remoteParity[supplier] = false
		}
	}
}

// SuppliersChanged installs a new roster and returns the changed positions,
// whose remote columns are invalidated.
func (m *Matrix) SuppliersChanged(newList []string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []int
	for i, s := range newList {
		if i >= len(m.suppliers) || m.suppliers[i] != s {
			changed = append(changed, i)
		}
	}
	for i := len(newList); i < len(m.suppliers); i++ {
		changed = append(changed, i)
	}
	m.suppliers = append([]string(nil), newList...)
	for _, i := range changed {
		m.clearSupplierLocked(i)
	}
	return changed
}

// MissingLocally lists fragment slots of a block with no local copy.
func (m *Matrix) MissingLocally(backupID string, block int) []Position {
	return m.missing(backupID, block, false)
}

// MissingRemotely lists fragment slots of a block not confirmed on their
// supplier.
func (m *Matrix) MissingRemotely(backupID string, block int) []Position {
	return m.missing(backupID, block, true)
}

func (m *Matrix) missing(backupID string, block int, remote bool) []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return nil
	}
	bb, ok := b.blocks[block]
	if !ok {
		return nil
	}
	var out []Position
	for s := 0; s < b.numSuppliers; s++ {
		data, parity := bb.localData[s], bb.localParity[s]
		if remote {
			data, parity = bb.remoteData[s], bb.remoteParity[s]
		}
		if !data {
			out = append(out, Position{Supplier: s, Role: model.RoleData})
		}
		if !parity {
			out = append(out, Position{Supplier: s, Role: model.RoleParity})
		}
	}
	return out
}

// LocalPresence returns the local data/parity bitmaps of one block, shaped
// for eccmap.Fixable.
func (m *Matrix) LocalPresence(backupID string, block int) (data, parity []bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return nil, nil
	}
	bb, ok := b.blocks[block]
	if !ok {
		return make([]bool, 0), make([]bool, 0)
	}
	return append([]bool(nil), bb.localData...), append([]bool(nil), bb.localParity...)
}

// RemotePresence returns the confirmed remote bitmaps of one block.
func (m *Matrix) RemotePresence(backupID string, block int) (data, parity []bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[backupID]
	if !ok {
		return nil, nil
	}
	bb, ok := b.blocks[block]
	if !ok {
		return make([]bool, 0), make([]bool, 0)
	}
	return append([]bool(nil), bb.remoteData...), append([]bool(nil), bb.remoteParity...)
}

// FixableLocally reports whether the block could be reconstructed from
// local fragments alone.
func (m *Matrix) FixableLocally(backupID string, block int, em *eccmap.Map) bool {
	data, parity := m.LocalPresence(backupID, block)
	return em.Fixable(data, parity)
}

// FixableRemotely reports whether the confirmed remote coverage of a block
// is sufficient to reconstruct it.
func (m *Matrix) FixableRemotely(backupID string, block int, em *eccmap.Map) bool {
	data, parity := m.RemotePresence(backupID, block)
	return em.Fixable(data, parity)
}
