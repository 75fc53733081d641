package model

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PacketID is the parsed form of the structured packet id:
//
//	[<key_id>:]<customer_glob_id>/<path_id>/<version>/<block>-<supplier>-(Data|Parity)
//
// Legacy forms without the key id prefix and without the customer id are
// accepted; a missing customer defaults to the id supplied by the caller.
type PacketID struct {
	KeyID         string
	CustomerID    string
	PathID        string
	Version       string
	BlockNumber   int
	SupplierIndex int
	Role          FragmentRole
}

// BackupID returns "<path_id>/<version>" for this packet.
func (p PacketID) BackupID() string {
	return p.PathID + "/" + p.Version
}

// String rebuilds the canonical packet id.
func (p PacketID) String() string {
	s := fmt.Sprintf("%s/%s/%s/%s", p.CustomerID, p.PathID, p.Version,
		FragmentFileName(p.BlockNumber, p.SupplierIndex, p.Role))
	if p.KeyID != "" {
		s = p.KeyID + ":" + s
	}
	return s
}

// MakePacketID builds a fragment packet id from its parts.
func MakePacketID(keyID, customerID, pathID, version string, block, supplier int, role FragmentRole) string {
	return PacketID{
		KeyID:         keyID,
		CustomerID:    customerID,
		PathID:        pathID,
		Version:       version,
		BlockNumber:   block,
		SupplierIndex: supplier,
		Role:          role,
	}.String()
}

// FragmentFileName is the on-disk name of one erasure-coded piece.
func FragmentFileName(block, supplier int, role FragmentRole) string {
	return fmt.Sprintf("%d-%d-%s", block, supplier, role)
}

// ParseFragmentFileName parses "<block>-<supplier>-(Data|Parity)".
func ParseFragmentFileName(name string) (block, supplier int, role FragmentRole, err error) {
	parts := strings.SplitN(name, "-", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("model: malformed fragment name %q", name)
	}
	block, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, "", fmt.Errorf("model: malformed fragment name %q", name)
	}
	supplier, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", fmt.Errorf("model: malformed fragment name %q", name)
	}
	switch FragmentRole(parts[2]) {
	case RoleData, RoleParity:
		role = FragmentRole(parts[2])
	default:
		return 0, 0, "", fmt.Errorf("model: unknown fragment role %q", parts[2])
	}
	return block, supplier, role, nil
}

// ParsePacketID parses a fragment packet id. defaultCustomer fills the
// customer component for the legacy form that omits it.
func ParsePacketID(raw, defaultCustomer string) (PacketID, error) {
	var p PacketID
	rest := raw
	if i := strings.Index(rest, ":"); i >= 0 {
		p.KeyID = rest[:i]
		rest = rest[i+1:]
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return p, fmt.Errorf("model: malformed packet id %q", raw)
	}
	if strings.Contains(parts[0], "@") {
		p.CustomerID = parts[0]
		parts = parts[1:]
	} else {
		p.CustomerID = defaultCustomer
	}
	if len(parts) < 3 {
		return p, fmt.Errorf("model: malformed packet id %q", raw)
	}
	last := parts[len(parts)-1]
	b, s, r, err := ParseFragmentFileName(last)
	if err != nil {
		return p, err
	}
	p.BlockNumber, p.SupplierIndex, p.Role = b, s, r
	p.Version = parts[len(parts)-2]
	p.PathID = strings.Join(parts[:len(parts)-2], "/")
	if p.PathID == "" || p.Version == "" {
		return p, fmt.Errorf("model: malformed packet id %q", raw)
	}
	return p, nil
}

// SplitKeyID splits "<alias>$<idurl-glob>" into its parts. A bare id is
// treated as the master alias.
func SplitKeyID(keyID string) (alias, owner string) {
	if i := strings.Index(keyID, "$"); i >= 0 {
		return keyID[:i], keyID[i+1:]
	}
	return "master", keyID
}

// MakeKeyID joins an alias and an owner glob id.
func MakeKeyID(alias, owner string) string {
	return alias + "$" + owner
}

// SplitBackupID splits "[customer/]<path_id>/<version>".
func SplitBackupID(backupID, defaultCustomer string) (customer, pathID, version string, err error) {
	parts := strings.Split(backupID, "/")
	if len(parts) >= 1 && strings.Contains(parts[0], "@") {
		customer = parts[0]
		parts = parts[1:]
	} else {
		customer = defaultCustomer
	}
	if len(parts) < 2 {
		return "", "", "", fmt.Errorf("model: malformed backup id %q", backupID)
	}
	version = parts[len(parts)-1]
	pathID = strings.Join(parts[:len(parts)-1], "/")
	return customer, pathID, version, nil
}

// NewVersionID returns a sortable timestamp-like version id, e.g.
// "F20131120053803PM".
func NewVersionID(t time.Time) string {
	return t.Format("F20060102030405PM")
}

var (
	uniqueMu   sync.Mutex
	lastUnique int64
)

// UniqueID returns a monotonic microsecond-resolution id for free-form
// packet ids (acks, events, messages).
func UniqueID() string {
	uniqueMu.Lock()
	defer uniqueMu.Unlock()
	now := time.Now().UnixMicro()
	if now <= lastUnique {
		now = lastUnique + 1
	}
	lastUnique = now
	return strconv.FormatInt(now, 10)
}
