package supplier

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Metadata index keys:
//
//	used/<customer>        -> big-endian int64 consumed bytes
//	pkt/<customer>/<rel>   -> big-endian int64 stored packet size
//
// <rel> is the path relative to the customer directory, slash-separated.
// The index is a cache over the filesystem; Recount rebuilds it from disk.

func usedKey(customerID string) []byte {
	return []byte("used/" + customerID)
}

func pktKey(customerID, rel string) []byte {
	return []byte("pkt/" + customerID + "/" + rel)
}

func encodeInt64(n int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	return buf[:]
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (e *Engine) relPath(customerID, path string) string {
	base := filepath.Join(e.cfg.Root, "customers", customerID)
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return ""
	}
	return filepath.ToSlash(rel)
}

// usedBytes reads the consumed counter. Callers hold e.mu.
func (e *Engine) usedBytes(customerID string) int64 {
	var used int64
	e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usedKey(customerID))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			used = decodeInt64(val)
			return nil
		})
	})
	return used
}

func (e *Engine) addUsed(txn *badger.Txn, customerID string, delta int64) error {
	used := int64(0)
	if item, err := txn.Get(usedKey(customerID)); err == nil {
		item.Value(func(val []byte) error {
			used = decodeInt64(val)
			return nil
		})
	}
	used += delta
	if used < 0 {
		used = 0
	}
	return txn.Set(usedKey(customerID), encodeInt64(used))
}

// recordPacket updates the index after a successful write. previous is the
// size of the file that was overwritten, zero for a fresh write.
func (e *Engine) recordPacket(customerID, path string, size, previous int64) {
	rel := e.relPath(customerID, path)
	err := e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(pktKey(customerID, rel), encodeInt64(size)); err != nil {
			return err
		}
		return e.addUsed(txn, customerID, size-previous)
	})
	if err != nil {
		e.log.Errorf("metadata update failed: %v", err)
	}
}

// removeFile deletes one stored packet and its index entry. Callers hold
// e.mu.
func (e *Engine) removeFile(customerID, path string) error {
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	} else if os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	rel := e.relPath(customerID, path)
	return e.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(pktKey(customerID, rel)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return e.addUsed(txn, customerID, -size)
	})
}

// removeTree deletes a whole directory and every index entry beneath it.
// Callers hold e.mu.
func (e *Engine) removeTree(customerID, dir string) error {
	var freed int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			freed += info.Size()
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	prefix := []byte("pkt/" + customerID + "/")
	relDir := e.relPath(customerID, dir)
	if relDir != "" && relDir != "." {
		prefix = pktKey(customerID, relDir+"/")
	}
	return e.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return e.addUsed(txn, customerID, -freed)
	})
}

// renameMeta moves every index entry from one customer id to another after
// an identity rotation. Callers hold e.mu.
func (e *Engine) renameMeta(oldID, newID, oldDir, newDir string) {
	err := e.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(usedKey(oldID)); err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(usedKey(newID), val); err != nil {
				return err
			}
			if err := txn.Delete(usedKey(oldID)); err != nil {
				return err
			}
		}
		prefix := []byte("pkt/" + oldID + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		type move struct {
			old []byte
			rel string
			val []byte
		}
		var moves []move
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rel := strings.TrimPrefix(string(item.Key()), string(prefix))
			moves = append(moves, move{old: item.KeyCopy(nil), rel: rel, val: val})
		}
		for _, m := range moves {
			if err := txn.Set(pktKey(newID, m.rel), m.val); err != nil {
				return err
			}
			if err := txn.Delete(m.old); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Errorf("metadata rename failed: %v", err)
	}
}

// Recount rebuilds a customer's index from the filesystem. The validation
// job calls it after pruning corrupt files.
func (e *Engine) Recount(customerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(e.cfg.Root, "customers", customerID)
	type entry struct {
		rel  string
		size int64
	}
	var entries []entry
	var total int64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		entries = append(entries, entry{rel: e.relPath(customerID, path), size: info.Size()})
		total += info.Size()
		return nil
	})

	return e.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("pkt/" + customerID + "/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, en := range entries {
			if err := txn.Set(pktKey(customerID, en.rel), encodeInt64(en.size)); err != nil {
				return err
			}
		}
		return txn.Set(usedKey(customerID), encodeInt64(total))
	})
}
