package supplier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Contract is one storage billing period for a customer.
type Contract struct {
	Started        time.Time `json:"started"`
	CompleteAfter  time.Time `json:"complete_after"`
	PayBefore      time.Time `json:"pay_before"`
	AllocatedBytes int64     `json:"allocated_bytes"`
	DurationHours  int       `json:"duration_hours"`
	Value          float64   `json:"value"` // GB·h
	RaiseFactor    float64   `json:"raise_factor"`
	Paid           bool      `json:"paid"`
}

// DenyUnpaid is returned by RenewContract when the customer's unpaid
// balance exceeds one billing period.
type DenyUnpaid struct {
	Value float64
}

func (d *DenyUnpaid) Error() string {
	return fmt.Sprintf("supplier: contract denied, unpaid balance %.3f", d.Value)
}

var errContractsDisabled = errors.New("supplier: contracts disabled")

func (e *Engine) contractsPath(customerID string) string {
	return filepath.Join(e.cfg.Root, "contracts", customerID+".json")
}

func (e *Engine) loadContracts(customerID string) []*Contract {
	if cs, ok := e.contracts[customerID]; ok {
		return cs
	}
	data, err := os.ReadFile(e.contractsPath(customerID))
	if err != nil {
		return nil
	}
	var cs []*Contract
	if err := json.Unmarshal(data, &cs); err != nil {
		e.log.Errorf("corrupt contract history for %s: %v", customerID, err)
		return nil
	}
	e.contracts[customerID] = cs
	return cs
}

func (e *Engine) saveContracts(customerID string) error {
	data, err := json.MarshalIndent(e.contracts[customerID], "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(e.contractsPath(customerID), data)
}

// RenewContract opens the next billing period for a customer. It denies
// renewal when the accumulated completed-but-unpaid value exceeds the
// value of one period.
func (e *Engine) RenewContract(customerID string, allocated int64, durationHours int, raiseFactor float64) (*Contract, error) {
	if !e.cfg.Contracts {
		return nil, errContractsDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.loadContracts(customerID)
	now := time.Now()

	periodValue := float64(allocated) / (1 << 30) * float64(durationHours)
	var unpaid float64
	for _, c := range history {
		if !c.Paid && now.After(c.CompleteAfter) {
			unpaid += c.Value
		}
	}
	if unpaid > periodValue {
		return nil, &DenyUnpaid{Value: unpaid}
	}

	if raiseFactor <= 0 {
		raiseFactor = 1.0
	}
	c := &Contract{
		Started:        now,
		CompleteAfter:  now.Add(time.Duration(durationHours) * time.Hour),
		PayBefore:      now.Add(time.Duration(2*durationHours) * time.Hour),
		AllocatedBytes: allocated,
		DurationHours:  durationHours,
		Value:          periodValue * raiseFactor,
		RaiseFactor:    raiseFactor,
	}
	e.contracts[customerID] = append(history, c)
	if err := e.saveContracts(customerID); err != nil {
		return nil, err
	}
	return c, nil
}

// MarkContractPaid settles every completed contract up to the given time.
func (e *Engine) MarkContractPaid(customerID string, upTo time.Time) error {
	if !e.cfg.Contracts {
		return errContractsDisabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	history := e.loadContracts(customerID)
	for _, c := range history {
		if !c.Paid && c.CompleteAfter.Before(upTo) {
			c.Paid = true
		}
	}
	return e.saveContracts(customerID)
}

// CurrentContract returns the most recent contract, if any.
func (e *Engine) CurrentContract(customerID string) (*Contract, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	history := e.loadContracts(customerID)
	if len(history) == 0 {
		return nil, false
	}
	return history[len(history)-1], true
}
