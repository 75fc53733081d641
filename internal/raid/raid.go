// Package raid turns one serialized block into its on-disk data and parity
// fragments and back. Parity pieces are XOR-sums over the incidence sets of
// the block's ECC map, so encoding is deterministic: the same block and map
// always produce bit-identical fragment files.
package raid

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hivekeep/hivekeep/internal/eccmap"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// CoderError wraps I/O and consistency failures of the coder.
type CoderError struct {
	Op  string
	Err error
}

func (e *CoderError) Error() string { return fmt.Sprintf("raid: %s: %v", e.Op, e.Err) }
func (e *CoderError) Unwrap() error { return e.Err }

// Make splits the serialized block in blockFile into N equal data pieces
// (zero-padding the tail) plus M parity pieces and writes them into
// targetDir named "<block>-<index>-Data" / "<block>-<index>-Parity".
// Returns the number of data and parity pieces written.
func Make(blockFile string, m *eccmap.Map, blockNumber int, targetDir string) (int, int, error) {
	data, err := os.ReadFile(blockFile)
	if err != nil {
		return 0, 0, &CoderError{Op: "read block", Err: err}
	}
	if err := os.MkdirAll(targetDir, 0o700); err != nil {
		return 0, 0, &CoderError{Op: "create target dir", Err: err}
	}

	pieceSize := (len(data) + m.NumData - 1) / m.NumData
	if pieceSize == 0 {
		pieceSize = 1
	}
	pieces := make([][]byte, m.NumData)
	for i := 0; i < m.NumData; i++ {
		piece := make([]byte, pieceSize)
		lo := i * pieceSize
		if lo < len(data) {
			hi := lo + pieceSize
			if hi > len(data) {
				hi = len(data)
			}
			copy(piece, data[lo:hi])
		}
		pieces[i] = piece
		name := model.FragmentFileName(blockNumber, i, model.RoleData)
		if err := writeFileAtomic(filepath.Join(targetDir, name), piece); err != nil {
			return 0, 0, &CoderError{Op: "write data piece", Err: err}
		}
	}

	for p := 0; p < m.NumParity; p++ {
		parity := make([]byte, pieceSize)
		for _, d := range m.ParityToData(p) {
			xorInto(parity, pieces[d])
		}
		name := model.FragmentFileName(blockNumber, p, model.RoleParity)
		if err := writeFileAtomic(filepath.Join(targetDir, name), parity); err != nil {
			return 0, 0, &CoderError{Op: "write parity piece", Err: err}
		}
	}

	return m.NumData, m.NumParity, nil
}

// Read loads whichever fragments of blockNumber are present in sourceDir,
// iteratively reconstructs missing data pieces from parities, and writes
// the joined data pieces to outputFile. It fails when the present subset is
// not fixable.
func Read(outputFile string, m *eccmap.Map, blockNumber int, sourceDir string) error {
	data := make([][]byte, m.NumData)
	parity := make([][]byte, m.NumParity)
	pieceSize := 0

	load := func(index int, role model.FragmentRole) []byte {
		name := model.FragmentFileName(blockNumber, index, role)
		raw, err := os.ReadFile(filepath.Join(sourceDir, name))
		if err != nil {
			return nil
		}
		return raw
	}
	for i := 0; i < m.NumData; i++ {
		if raw := load(i, model.RoleData); raw != nil {
			data[i] = raw
			if len(raw) > pieceSize {
				pieceSize = len(raw)
			}
		}
	}
	for p := 0; p < m.NumParity; p++ {
		if raw := load(p, model.RoleParity); raw != nil {
			parity[p] = raw
			if len(raw) > pieceSize {
				pieceSize = len(raw)
			}
		}
	}
	if pieceSize == 0 {
		return &CoderError{Op: "read", Err: fmt.Errorf("no fragments for block %d in %s", blockNumber, sourceDir)}
	}

	// Iterate until every data piece is present or no parity can repair
	// its single missing member.
	for {
		missing := 0
		for _, d := range data {
			if d == nil {
				missing++
			}
		}
		if missing == 0 {
			break
		}
		progress := false
		for p := 0; p < m.NumParity; p++ {
			if parity[p] == nil {
				continue
			}
			lost := -1
			lostCount := 0
			for _, d := range m.ParityToData(p) {
				if data[d] == nil {
					lost = d
					lostCount++
				}
			}
			if lostCount != 1 {
				continue
			}
			rebuilt := make([]byte, pieceSize)
			xorInto(rebuilt, parity[p])
			for _, d := range m.ParityToData(p) {
				if d != lost {
					xorInto(rebuilt, data[d])
				}
			}
			data[lost] = rebuilt
			progress = true
		}
		if !progress {
			return &CoderError{Op: "read", Err: fmt.Errorf("block %d not fixable from present fragments", blockNumber)}
		}
	}

	joined := make([]byte, 0, pieceSize*m.NumData)
	for _, d := range data {
		joined = append(joined, d...)
	}
	if err := writeFileAtomic(outputFile, joined); err != nil {
		return &CoderError{Op: "write output", Err: err}
	}
	return nil
}

// RebuildFragment reconstructs a single missing fragment from whatever is
// present in sourceDir and writes it there. Used by the rebuilder to refill
// a supplier position without materializing the whole block.
func RebuildFragment(m *eccmap.Map, blockNumber, index int, role model.FragmentRole, sourceDir string) error {
	tmp, err := os.MkdirTemp("", "raid-rebuild-")
	if err != nil {
		return &CoderError{Op: "rebuild", Err: err}
	}
	defer os.RemoveAll(tmp)

	blockFile := filepath.Join(tmp, "block")
	if err := Read(blockFile, m, blockNumber, sourceDir); err != nil {
		return err
	}
	if _, _, err := Make(blockFile, m, blockNumber, tmp); err != nil {
		return err
	}
	name := model.FragmentFileName(blockNumber, index, role)
	raw, err := os.ReadFile(filepath.Join(tmp, name))
	if err != nil {
		return &CoderError{Op: "rebuild", Err: err}
	}
	if err := writeFileAtomic(filepath.Join(sourceDir, name), raw); err != nil {
		return &CoderError{Op: "rebuild", Err: err}
	}
	return nil
}

func xorInto(dst, src []byte) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
