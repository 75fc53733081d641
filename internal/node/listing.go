package node

import (
	"strconv"
	"strings"

	"github.com/hivekeep/hivekeep/internal/index"
	"github.com/hivekeep/hivekeep/internal/matrix"
	"github.com/hivekeep/hivekeep/pkg/model"
)

// parseListing converts a decrypted ListFiles reply into per-backup block
// sets for the reporting supplier. Lines it does not understand are
// skipped; a "-" size marker means the version directory held foreign
// files and is reported as empty.
func parseListing(listing []byte) map[string]matrix.BlockSet {
	out := make(map[string]matrix.BlockSet)
	for _, line := range strings.Split(string(listing), "\n") {
		if len(line) == 0 || line[0] != 'V' {
			continue
		}
		backupID, bs, ok := parseVersionLine(line[1:])
		if !ok {
			continue
		}
		// The catalog replica lives under the reserved path id and is
		// not a backup.
		if strings.HasPrefix(backupID, index.ReservedIndexPathID+"/") {
			continue
		}
		out[backupID] = bs
	}
	return out
}

// parseVersionLine parses
//
//	<rel_path>/<version> <idx> 0-<max> <size>[ missing Data:<csv>[ Parity:<csv>]]
func parseVersionLine(line string) (string, matrix.BlockSet, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return "", matrix.BlockSet{}, false
	}
	backupID := fields[0]
	span := fields[2]
	i := strings.Index(span, "-")
	if i < 0 {
		return "", matrix.BlockSet{}, false
	}
	maxBlock, err := strconv.Atoi(span[i+1:])
	if err != nil {
		return "", matrix.BlockSet{}, false
	}
	if fields[3] == "-" {
		return backupID, matrix.BlockSet{Data: map[int]bool{}, Parity: map[int]bool{}}, true
	}

	missingData := map[int]bool{}
	missingParity := map[int]bool{}
	for f := 4; f < len(fields); f++ {
		switch {
		case strings.HasPrefix(fields[f], "Data:"):
			fillCSV(missingData, strings.TrimPrefix(fields[f], "Data:"))
		case strings.HasPrefix(fields[f], "Parity:"):
			fillCSV(missingParity, strings.TrimPrefix(fields[f], "Parity:"))
		}
	}

	bs := matrix.BlockSet{Data: map[int]bool{}, Parity: map[int]bool{}}
	for b := 0; b <= maxBlock; b++ {
		if !missingData[b] {
			bs.Data[b] = true
		}
		if !missingParity[b] {
			bs.Parity[b] = true
		}
	}
	return backupID, bs, true
}

func fillCSV(set map[int]bool, csv string) {
	for _, tok := range strings.Split(csv, ",") {
		if n, err := strconv.Atoi(tok); err == nil {
			set[n] = true
		}
	}
}

// backupKey normalizes a listing backup id to the matrix key form
// "<path_id>/<version>" scoped to the owner.
func backupKey(owner, backupID string) string {
	if _, pathID, version, err := model.SplitBackupID(backupID, owner); err == nil {
		return pathID + "/" + version
	}
	return backupID
}
