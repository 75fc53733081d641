// Package identity carries the resolver contract of the identity layer.
// The data plane only ever needs resolve(idurl) -> public key + transports;
// issuance and rotation mechanics live outside this repository. A process
// local Registry implementation is provided for tests and single-process
// wiring.
package identity

import (
	"fmt"
	"sync"

	"github.com/hivekeep/hivekeep/internal/crypt"
)

// Identity is the resolved form of one IDURL.
type Identity struct {
	IDURL      string
	GlobalID   string // <user>@<host>
	Revision   int
	PublicKey  *crypt.Key
	Transports []string
}

// Resolver resolves IDURLs to identities. Implementations must treat a
// rotated IDURL as resolvable to its latest form.
type Resolver interface {
	Resolve(idurl string) (Identity, error)
	// Latest maps any persisted IDURL reference to its most recent form.
	Latest(idurl string) string
}

// RotationHandler observes identity-url-changed events.
type RotationHandler func(oldIDURL, newIDURL string)

// Registry is an in-memory Resolver with rotation support.
type Registry struct {
	mu       sync.RWMutex
	byURL    map[string]Identity
	forward  map[string]string // rotated-from -> rotated-to
	handlers []RotationHandler
}

// NewRegistry returns an empty identity registry.
func NewRegistry() *Registry {
	return &Registry{
		byURL:   make(map[string]Identity),
		forward: make(map[string]string),
	}
}

// Register adds or replaces an identity record.
func (r *Registry) Register(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURL[id.IDURL] = id
}

// Resolve returns the identity for the latest form of idurl.
func (r *Registry) Resolve(idurl string) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byURL[r.latestLocked(idurl)]
	if !ok {
		return Identity{}, fmt.Errorf("identity: unknown idurl %q", idurl)
	}
	return id, nil
}

// Latest follows rotation links to the newest known form of idurl.
func (r *Registry) Latest(idurl string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latestLocked(idurl)
}

func (r *Registry) latestLocked(idurl string) string {
	cur := idurl
	for i := 0; i < len(r.forward)+1; i++ {
		next, ok := r.forward[cur]
		if !ok {
			return cur
		}
		cur = next
	}
	return cur
}

// Rotate re-issues the identity at oldURL under newURL with a bumped
// revision and fires the registered rotation handlers.
func (r *Registry) Rotate(oldURL, newURL, newGlobalID string) error {
	r.mu.Lock()
	id, ok := r.byURL[oldURL]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("identity: unknown idurl %q", oldURL)
	}
	id.IDURL = newURL
	id.GlobalID = newGlobalID
	id.Revision++
	r.byURL[newURL] = id
	r.forward[oldURL] = newURL
	handlers := append([]RotationHandler(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		h(oldURL, newURL)
	}
	return nil
}

// OnRotation subscribes to identity-url-changed events.
func (r *Registry) OnRotation(h RotationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

var _ Resolver = (*Registry)(nil)
