package supplier

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/hivekeep/hivekeep/pkg/model"
)

// Listing grammar, one record per line:
//
//	Q<query>                          echo of one query item
//	K<key_alias>                      starts a key-alias section
//	D<rel_path>                       directory
//	F<rel_path> <size>                file (a path id carrying versions)
//	V<rel_path>/<version> <idx> 0-<max> <size>[ missing Data:<csv>[ Parity:<csv>]]
//
// A version directory holding anything but fragment files is reported with
// the size marker "-".

var versionDirRe = regexp.MustCompile(`^F\d{14}(AM|PM)$`)

// buildListing renders the listing for one customer. position is this
// supplier's index in the customer's roster; only fragments for that
// position count towards sizes and missing-block sets.
func (e *Engine) buildListing(customerID string, position int, queries []string) ([]byte, error) {
	var b strings.Builder
	for _, q := range queries {
		fmt.Fprintf(&b, "Q%s\n", q)
	}

	custDir := filepath.Join(e.cfg.Root, "customers", customerID)
	aliases, err := os.ReadDir(custDir)
	if os.IsNotExist(err) {
		return []byte(b.String()), nil
	}
	if err != nil {
		return nil, err
	}
	for _, alias := range aliases {
		if !alias.IsDir() {
			continue
		}
		fmt.Fprintf(&b, "K%s\n", alias.Name())
		if err := e.listAlias(&b, filepath.Join(custDir, alias.Name()), "", position, queries); err != nil {
			return nil, err
		}
	}
	return []byte(b.String()), nil
}

// listAlias walks one key-alias tree. rel is the slash-separated path id
// prefix accumulated so far.
func (e *Engine) listAlias(b *strings.Builder, dir, rel string, position int, queries []string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var versions []string
	var children []string
	for _, en := range entries {
		if !en.IsDir() {
			continue
		}
		if versionDirRe.MatchString(en.Name()) {
			versions = append(versions, en.Name())
		} else {
			children = append(children, en.Name())
		}
	}

	if len(versions) > 0 && matchQuery(rel, queries) {
		var total int64
		lines := make([]string, 0, len(versions))
		for _, version := range versions {
			line, size := e.versionLine(filepath.Join(dir, version), rel, version, position)
			lines = append(lines, line)
			total += size
		}
		fmt.Fprintf(b, "F%s %d\n", rel, total)
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	for _, child := range children {
		childRel := child
		if rel != "" {
			childRel = rel + "/" + child
		}
		if matchQuery(childRel, queries) {
			fmt.Fprintf(b, "D%s\n", childRel)
		}
		if err := e.listAlias(b, filepath.Join(dir, child), childRel, position, queries); err != nil {
			return err
		}
	}
	return nil
}

// versionLine renders one V record and returns the bytes this version
// consumes for our position.
func (e *Engine) versionLine(dir, rel, version string, position int) (string, int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Sprintf("V%s/%s %d 0-0 -", rel, version, position), 0
	}

	var size int64
	foreign := false
	maxBlock := -1
	haveData := map[int]bool{}
	haveParity := map[int]bool{}
	for _, en := range entries {
		block, supplier, role, err := model.ParseFragmentFileName(en.Name())
		if err != nil {
			foreign = true
			continue
		}
		if fi, err := en.Info(); err == nil {
			size += fi.Size()
		}
		if block > maxBlock {
			maxBlock = block
		}
		if supplier != position {
			continue
		}
		if role == model.RoleData {
			haveData[block] = true
		} else {
			haveParity[block] = true
		}
	}
	if maxBlock < 0 {
		maxBlock = 0
	}

	sizeField := fmt.Sprintf("%d", size)
	if foreign {
		sizeField = "-"
	}
	line := fmt.Sprintf("V%s/%s %d 0-%d %s", rel, version, position, maxBlock, sizeField)

	missingData := missingCSV(haveData, maxBlock)
	missingParity := missingCSV(haveParity, maxBlock)
	if missingData != "" || missingParity != "" {
		line += " missing"
		if missingData != "" {
			line += " Data:" + missingData
		}
		if missingParity != "" {
			line += " Parity:" + missingParity
		}
	}
	return line, size
}

func missingCSV(have map[int]bool, maxBlock int) string {
	var miss []string
	for b := 0; b <= maxBlock; b++ {
		if !have[b] {
			miss = append(miss, fmt.Sprintf("%d", b))
		}
	}
	return strings.Join(miss, ",")
}

// matchQuery reports whether a relative path id matches any query item.
func matchQuery(rel string, queries []string) bool {
	if rel == "" {
		return true
	}
	for _, q := range queries {
		if q == "*" {
			return true
		}
		if ok, _ := path.Match(q, rel); ok {
			return true
		}
		if rel == q || strings.HasPrefix(rel, q+"/") {
			return true
		}
	}
	return false
}

func zlibCompress(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

// ZlibDecompress opens a compressed listing; customers use it on Files
// replies when compression is enabled.
func ZlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("supplier: decompress listing: %w", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("supplier: decompress listing: %w", err)
	}
	return buf.Bytes(), nil
}
