// Package index is the customer's catalog of backed-up paths. It maps
// user paths to stable numeric path ids and records the versions stored
// for each file. The serialized form is a small text file committed
// atomically and replicated to suppliers under a reserved path id; a
// remote copy replaces the local one only when its revision is strictly
// higher.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ReservedIndexPathID is the path id under which the serialized index
// itself is replicated to suppliers. No user file ever gets this id.
const ReservedIndexPathID = "0"

// ItemType discriminates catalog entries.
type ItemType int

const (
	TypeDir    ItemType = 0
	TypeFile   ItemType = 1
	TypeParent ItemType = 2
)

// Version is one stored backup of a file.
type Version struct {
	MaxBlock int
	Size     int64
}

// Item is the public view of one catalog entry.
type Item struct {
	Name     string
	PathID   string
	Type     ItemType
	Size     int64
	Versions map[string]Version
}

type node struct {
	name     string
	id       string // numeric component, "" for the root
	typ      ItemType
	size     int64
	versions map[string]Version
	byName   map[string]*node
	byID     map[string]*node
}

func newNode(name, id string, typ ItemType) *node {
	return &node{
		name:     name,
		id:       id,
		typ:      typ,
		versions: make(map[string]Version),
		byName:   make(map[string]*node),
		byID:     make(map[string]*node),
	}
}

// CommitHook observes successful commits; serialized is the exact bytes
// written to disk.
type CommitHook func(revision int, serialized []byte)

// Index is the catalog. All methods are safe for concurrent use.
type Index struct {
	mu       sync.Mutex
	root     *node
	revision int
	nextID   int
	hooks    []CommitHook
}

// New returns an empty catalog at revision 0.
func New() *Index {
	return &Index{root: newNode("", "", TypeParent), nextID: 1}
}

// OnCommit registers a hook invoked after every successful Commit.
func (x *Index) OnCommit(h CommitHook) {
	x.mu.Lock()
	x.hooks = append(x.hooks, h)
	x.mu.Unlock()
}

// Revision returns the current revision number.
func (x *Index) Revision() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.revision
}

var driveRe = regexp.MustCompile(`^[A-Za-z]:$`)

// normalizePath canonicalizes a user path: NFC form, forward slashes,
// lower-cased drive letter, no trailing slash.
func normalizePath(p string) []string {
	p = norm.NFC.String(p)
	p = strings.ReplaceAll(p, "\\", "/")
	parts := strings.Split(p, "/")
	out := parts[:0]
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 && driveRe.MatchString(part) {
			part = strings.ToLower(part)
		}
		out = append(out, part)
	}
	return out
}

func (x *Index) allocID() string {
	id := strconv.Itoa(x.nextID)
	x.nextID++
	return id
}

// add walks the path, creating parent entries as needed, and returns the
// leaf node.
func (x *Index) add(path string, leafType ItemType, size int64) (*node, string, error) {
	parts := normalizePath(path)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("index: empty path")
	}
	cur := x.root
	ids := make([]string, 0, len(parts))
	for i, part := range parts {
		child, ok := cur.byName[part]
		if !ok {
			typ := TypeParent
			if i == len(parts)-1 {
				typ = leafType
			}
			child = newNode(part, x.allocID(), typ)
			cur.byName[part] = child
			cur.byID[child.id] = child
		} else if i == len(parts)-1 && child.typ == TypeParent {
			child.typ = leafType
		}
		ids = append(ids, child.id)
		cur = child
	}
	if leafType == TypeFile {
		cur.size = size
	}
	return cur, strings.Join(ids, "/"), nil
}

// AddFile registers a file path and returns its path id.
func (x *Index) AddFile(path string, size int64) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, id, err := x.add(path, TypeFile, size)
	return id, err
}

// AddDir registers a directory path and returns its path id.
func (x *Index) AddDir(path string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, id, err := x.add(path, TypeDir, 0)
	return id, err
}

func (x *Index) lookupByID(pathID string) *node {
	cur := x.root
	for _, part := range strings.Split(pathID, "/") {
		child, ok := cur.byID[part]
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

func (x *Index) lookupByPath(path string) (*node, string) {
	parts := normalizePath(path)
	cur := x.root
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		child, ok := cur.byName[part]
		if !ok {
			return nil, ""
		}
		ids = append(ids, child.id)
		cur = child
	}
	return cur, strings.Join(ids, "/")
}

func itemOf(n *node, pathID string) *Item {
	versions := make(map[string]Version, len(n.versions))
	for v, info := range n.versions {
		versions[v] = info
	}
	return &Item{Name: n.name, PathID: pathID, Type: n.typ, Size: n.size, Versions: versions}
}

// WalkByID resolves a path id to its entry.
func (x *Index) WalkByID(pathID string) (*Item, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := x.lookupByID(pathID)
	if n == nil {
		return nil, false
	}
	return itemOf(n, pathID), true
}

// WalkByPath resolves a user path to its entry.
func (x *Index) WalkByPath(path string) (*Item, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n, id := x.lookupByPath(path)
	if n == nil {
		return nil, false
	}
	return itemOf(n, id), true
}

// DeleteByID removes an entry and its whole subtree.
func (x *Index) DeleteByID(pathID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	parts := strings.Split(pathID, "/")
	cur := x.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur.byID[part]
		if !ok {
			return false
		}
		cur = child
	}
	leaf, ok := cur.byID[parts[len(parts)-1]]
	if !ok {
		return false
	}
	delete(cur.byID, leaf.id)
	delete(cur.byName, leaf.name)
	return true
}

// AddVersion records a stored backup of a file.
func (x *Index) AddVersion(pathID, version string, maxBlock int, size int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := x.lookupByID(pathID)
	if n == nil {
		return fmt.Errorf("index: unknown path id %s", pathID)
	}
	n.versions[version] = Version{MaxBlock: maxBlock, Size: size}
	return nil
}

// DeleteVersion removes one stored backup of a file.
func (x *Index) DeleteVersion(pathID, version string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := x.lookupByID(pathID)
	if n == nil {
		return false
	}
	if _, ok := n.versions[version]; !ok {
		return false
	}
	delete(n.versions, version)
	return true
}

// ListAllBackupIDs returns every "<path_id>/<version>" pair, sorted.
func (x *Index) ListAllBackupIDs() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []string
	x.walk(x.root, "", func(pathID string, n *node) {
		for v := range n.versions {
			out = append(out, pathID+"/"+v)
		}
	})
	sort.Strings(out)
	return out
}

func (x *Index) walk(n *node, pathID string, fn func(string, *node)) {
	if n != x.root {
		fn(pathID, n)
	}
	ids := make([]string, 0, len(n.byID))
	for id := range n.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	for _, id := range ids {
		child := n.byID[id]
		childPath := id
		if pathID != "" {
			childPath = pathID + "/" + id
		}
		x.walk(child, childPath, fn)
	}
}

// Serialize renders the catalog. First line is the revision; each entry
// is a metadata line "<path_id> <type> <size> <packed_versions>" followed
// by the entry name on its own line. Versions pack as
// "<version>:<max_block>:<size>" tokens, "." when there are none.
func (x *Index) Serialize() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.serializeLocked()
}

func (x *Index) serializeLocked() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", x.revision)
	x.walk(x.root, "", func(pathID string, n *node) {
		fmt.Fprintf(&b, "%s %d %d %s\n", pathID, int(n.typ), n.size, packVersions(n.versions))
		b.WriteString(n.name)
		b.WriteByte('\n')
	})
	return []byte(b.String())
}

func packVersions(versions map[string]Version) string {
	if len(versions) == 0 {
		return "."
	}
	names := make([]string, 0, len(versions))
	for v := range versions {
		names = append(names, v)
	}
	sort.Strings(names)
	toks := make([]string, 0, len(names))
	for _, v := range names {
		info := versions[v]
		toks = append(toks, fmt.Sprintf("%s:%d:%d", v, info.MaxBlock, info.Size))
	}
	return strings.Join(toks, " ")
}

// Parse loads a serialized catalog.
func Parse(data []byte) (*Index, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("index: empty serialization")
	}
	revision, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("index: malformed revision line %q", lines[0])
	}
	x := New()
	x.revision = revision

	maxID := 0
	for i := 1; i+1 < len(lines); i += 2 {
		meta := strings.TrimSpace(lines[i])
		if meta == "" {
			break
		}
		name := lines[i+1]
		fields := strings.SplitN(meta, " ", 4)
		if len(fields) < 4 {
			return nil, fmt.Errorf("index: malformed metadata line %q", meta)
		}
		pathID := fields[0]
		typ, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("index: malformed metadata line %q", meta)
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("index: malformed metadata line %q", meta)
		}
		n, err := x.graft(pathID, name, ItemType(typ), size)
		if err != nil {
			return nil, err
		}
		if err := unpackVersions(n, fields[3]); err != nil {
			return nil, err
		}
		for _, part := range strings.Split(pathID, "/") {
			if id, err := strconv.Atoi(part); err == nil && id > maxID {
				maxID = id
			}
		}
	}
	x.nextID = maxID + 1
	return x, nil
}

// graft inserts a parsed entry, requiring its parent chain to exist
// already (serialization is pre-order).
func (x *Index) graft(pathID, name string, typ ItemType, size int64) (*node, error) {
	parts := strings.Split(pathID, "/")
	cur := x.root
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur.byID[part]
		if !ok {
			return nil, fmt.Errorf("index: orphan entry %s", pathID)
		}
		cur = child
	}
	leafID := parts[len(parts)-1]
	n := newNode(name, leafID, typ)
	n.size = size
	cur.byID[leafID] = n
	cur.byName[name] = n
	return n, nil
}

func unpackVersions(n *node, packed string) error {
	if packed == "." {
		return nil
	}
	for _, tok := range strings.Fields(packed) {
		parts := strings.Split(tok, ":")
		if len(parts) != 3 {
			return fmt.Errorf("index: malformed version token %q", tok)
		}
		maxBlock, err1 := strconv.Atoi(parts[1])
		size, err2 := strconv.ParseInt(parts[2], 10, 64)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("index: malformed version token %q", tok)
		}
		n.versions[parts[0]] = Version{MaxBlock: maxBlock, Size: size}
	}
	return nil
}

// Commit bumps the revision, writes the catalog atomically and fires the
// commit hooks.
func (x *Index) Commit(path string) error {
	x.mu.Lock()
	x.revision++
	data := x.serializeLocked()
	revision := x.revision
	hooks := make([]CommitHook, len(x.hooks))
	copy(hooks, x.hooks)
	x.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("index: commit: %w", err)
	}
	for _, h := range hooks {
		h(revision, data)
	}
	return nil
}

// Load reads a committed catalog from disk.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("index: load: %w", err)
	}
	return Parse(data)
}

// ApplyRemote replaces the catalog with a replica carrying a strictly
// higher revision. Returns false when the replica is stale.
func (x *Index) ApplyRemote(data []byte) (bool, error) {
	replica, err := Parse(data)
	if err != nil {
		return false, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if replica.revision <= x.revision {
		return false, nil
	}
	x.root = replica.root
	x.revision = replica.revision
	x.nextID = replica.nextID
	return true, nil
}
