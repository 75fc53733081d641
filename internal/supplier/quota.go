package supplier

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hivekeep/hivekeep/pkg/model"
)

// quotaFile is the newline-separated "<customer>=<bytes>" ledger plus the
// "free=<bytes>" remainder. The invariant sum(allocated)+free == donated
// holds after every mutation.
const quotaFile = "space"

func (e *Engine) quotaPath() string {
	return filepath.Join(e.cfg.Root, quotaFile)
}

// loadQuota reads the quota file, creating it on demand with the whole
// donation free.
func (e *Engine) loadQuota() error {
	data, err := os.ReadFile(e.quotaPath())
	if os.IsNotExist(err) {
		return e.saveQuotaLocked()
	}
	if err != nil {
		return fmt.Errorf("supplier: read quota: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.LastIndex(line, "=")
		if i < 0 {
			return fmt.Errorf("supplier: malformed quota line %q", line)
		}
		name, value := line[:i], line[i+1:]
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("supplier: malformed quota line %q", line)
		}
		if name == "free" {
			continue // recomputed below
		}
		e.customers[name] = &customerState{Allocated: n, LastConnected: time.Now()}
	}
	return nil
}

// Free returns the unallocated part of the donation.
func (e *Engine) Free() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.freeLocked()
}

func (e *Engine) freeLocked() int64 {
	free := e.cfg.Donated
	for _, c := range e.customers {
		free -= c.Allocated
	}
	return free
}

// saveQuotaLocked rewrites the quota file atomically. Callers hold e.mu
// (or the engine is not yet shared).
func (e *Engine) saveQuotaLocked() error {
	names := make([]string, 0, len(e.customers))
	for name := range e.customers {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%d\n", name, e.customers[name].Allocated)
	}
	fmt.Fprintf(&b, "free=%d\n", e.freeLocked())
	return writeFileAtomic(e.quotaPath(), []byte(b.String()))
}

// AddCustomer allocates space for a customer. position is this supplier's
// index in the customer's roster. Fails with FailNoFreeSpace semantics
// when the remaining donation cannot cover the request.
func (e *Engine) AddCustomer(globalID string, allocated int64, position int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := int64(0)
	if c, ok := e.customers[globalID]; ok {
		existing = c.Allocated
	}
	if allocated-existing > e.freeLocked() {
		return fmt.Errorf("supplier: %s", FailNoFreeSpace)
	}
	e.customers[globalID] = &customerState{
		Allocated:     allocated,
		Position:      position,
		LastConnected: time.Now(),
	}
	return e.saveQuotaLocked()
}

// RemoveCustomer releases a customer's allocation and erases its storage,
// keys and quota line.
func (e *Engine) RemoveCustomer(globalID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rejectLocked(globalID)
}

// rejectLocked drops everything the supplier holds for a customer.
func (e *Engine) rejectLocked(globalID string) error {
	if _, ok := e.customers[globalID]; !ok {
		return fmt.Errorf("supplier: unknown customer %s", globalID)
	}
	dir := filepath.Join(e.cfg.Root, "customers", globalID)
	if err := e.removeTree(globalID, dir); err != nil {
		return err
	}
	delete(e.customers, globalID)
	for keyID := range e.keys {
		if _, owner := model.SplitKeyID(keyID); owner == globalID {
			delete(e.keys, keyID)
		}
	}
	delete(e.contracts, globalID)
	return e.saveQuotaLocked()
}

// Allocated returns a customer's quota, or false when unknown.
func (e *Engine) Allocated(globalID string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.customers[globalID]
	if !ok {
		return 0, false
	}
	return c.Allocated, true
}

// Used returns the bytes a customer currently consumes.
func (e *Engine) Used(globalID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedBytes(globalID)
}

// Customers returns the sorted customer ids.
func (e *Engine) Customers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.customers))
	for name := range e.customers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
