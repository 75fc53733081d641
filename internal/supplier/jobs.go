package supplier

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivekeep/hivekeep/internal/packetcodec"
)

func (e *Engine) startJobs() {
	e.wg.Add(2)
	go e.rejectLoop()
	go e.validateLoop()
}

func (e *Engine) rejectLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RejectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.RunRejecter()
		}
	}
}

func (e *Engine) validateLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ValidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.RunValidation()
		}
	}
}

// RunRejecter enforces the donated budget and the idle window. When the
// sum of allocations exceeds the donation it evicts customers with the
// highest used/allocated ratio first, which preserves the tenants that
// actually exercise their space.
func (e *Engine) RunRejecter() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.IdleWindow > 0 {
		cutoff := time.Now().Add(-e.cfg.IdleWindow)
		for name, c := range e.customers {
			if c.LastConnected.Before(cutoff) {
				e.log.WithField("customer", name).Warn("rejecting idle customer")
				if err := e.rejectLocked(name); err != nil {
					e.log.Errorf("idle rejection failed: %v", err)
				}
			}
		}
	}

	total := int64(0)
	for _, c := range e.customers {
		total += c.Allocated
	}
	if total <= e.cfg.Donated {
		return
	}

	type ranked struct {
		name  string
		ratio float64
	}
	order := make([]ranked, 0, len(e.customers))
	for name, c := range e.customers {
		r := 0.0
		if c.Allocated > 0 {
			r = float64(e.usedBytes(name)) / float64(c.Allocated)
		}
		order = append(order, ranked{name: name, ratio: r})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].ratio < order[j].ratio })

	// Pop from the high-ratio end until the allocations fit the donation.
	for len(order) > 0 && total > e.cfg.Donated {
		victim := order[len(order)-1]
		order = order[:len(order)-1]
		total -= e.customers[victim.name].Allocated
		e.log.WithFields(logrus.Fields{
			"customer": victim.name,
			"ratio":    victim.ratio,
		}).Warn("rejecting customer, donation exceeded")
		if err := e.rejectLocked(victim.name); err != nil {
			e.log.Errorf("rejection failed: %v", err)
		}
	}
}

// RunValidation walks every customer directory, re-parses each stored
// packet and deletes anything that no longer verifies. Counters are
// rebuilt afterwards.
func (e *Engine) RunValidation() {
	for _, customerID := range e.Customers() {
		removed := e.validateCustomer(customerID)
		if removed > 0 {
			e.log.WithFields(logrus.Fields{
				"customer": customerID,
				"removed":  removed,
			}).Warn("validation removed corrupt files")
		}
		if err := e.Recount(customerID); err != nil {
			e.log.Errorf("recount failed for %s: %v", customerID, err)
		}
	}
}

func (e *Engine) validateCustomer(customerID string) int {
	dir := filepath.Join(e.cfg.Root, "customers", customerID)
	removed := 0
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		if e.validateFile(path) {
			return nil
		}
		e.mu.Lock()
		rmErr := e.removeFile(customerID, path)
		e.mu.Unlock()
		if rmErr != nil {
			e.log.Errorf("cannot remove corrupt file %s: %v", path, rmErr)
			return nil
		}
		removed++
		e.notify(EventFileModified, customerID, path)
		return nil
	})
	return removed
}

func (e *Engine) validateFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	pkt, err := packetcodec.Parse(data)
	if err != nil {
		return false
	}
	return e.cfg.Codec.Verify(pkt) == nil
}
