// Package eccmap holds the named error-correcting-code maps that shape how
// one block is cut into data and parity fragments. A map with N data pieces
// pairs each data index with the set of parity pieces that XOR it; the
// transpose answers which data pieces a given parity can repair.
//
// Maps are part of the on-disk and on-wire contract: the same map name must
// always produce bit-identical fragments.
package eccmap

import (
	"fmt"
	"sort"
)

// Map is one named ECC shape. DataToParity[i] lists the parity indices
// whose XOR-sum includes data piece i.
type Map struct {
	Name         string
	NumData      int
	NumParity    int
	Correctable  int
	DataToParity [][]int

	parityToData [][]int
}

var registry = map[string]*Map{
	"ecc/2x2": {
		NumData:     2,
		NumParity:   2,
		Correctable: 1,
		DataToParity: [][]int{
			{1},
			{0},
		},
	},
	"ecc/4x4": {
		NumData:     4,
		NumParity:   4,
		Correctable: 2,
		DataToParity: [][]int{
			{1, 2, 3},
			{0, 2},
			{0, 3},
			{0, 1},
		},
	},
	"ecc/7x7": {
		NumData:     7,
		NumParity:   7,
		Correctable: 3,
		DataToParity: [][]int{
			{3, 4, 6},
			{0, 4, 5},
			{1, 5, 6},
			{0, 2, 6},
			{0, 1, 3},
			{1, 2, 4},
			{2, 3, 5},
		},
	},
	"ecc/13x13": {
		NumData:     13,
		NumParity:   13,
		Correctable: 4,
		DataToParity: [][]int{
			{1, 4, 8, 12},
			{5, 8, 9, 11},
			{3, 7, 10, 11},
			{0, 4, 6, 9},
			{2, 3, 6, 12},
			{0, 1, 6, 10},
			{1, 3, 7, 9},
			{2, 5, 8, 12},
			{2, 4, 7, 11},
			{0, 1, 3, 5, 12},
			{6, 7, 8},
			{2, 5, 9, 10},
			{0, 4, 10, 11},
		},
	},
	"ecc/18x18": {
		NumData:     18,
		NumParity:   18,
		Correctable: 5,
		DataToParity: [][]int{
			{5, 7, 11, 16, 17},
			{2, 9, 11, 13, 17},
			{5, 8, 9, 13, 15},
			{0, 1, 4, 6, 10},
			{2, 3, 12, 13, 14},
			{6, 8, 13, 17},
			{2, 5, 10, 12},
			{3, 10, 11, 14},
			{0, 1, 3, 4, 5, 6, 7, 9, 10, 11, 13, 14, 15, 16, 17},
			{0, 1, 12, 14},
			{5, 6, 8, 14, 16},
			{0, 4, 7, 9},
			{2, 4, 7, 8},
			{3, 4, 6, 11, 15},
			{0, 10, 15, 16},
			{1, 2, 17},
			{3, 8, 12, 15},
			{1, 7, 9, 12, 16},
		},
	},
	"ecc/26x26": {
		NumData:     26,
		NumParity:   26,
		Correctable: 6,
		DataToParity: [][]int{
			{1, 8, 11, 16, 19, 21},
			{3, 6, 8, 17, 23},
			{6, 7, 11, 17, 21, 25},
			{0, 10, 13, 14, 21},
			{5, 9, 10, 18, 22},
			{12, 13, 17, 20, 21, 22},
			{1, 2, 9, 13},
			{2, 3, 5, 9, 20, 22},
			{0, 6, 9, 12, 15, 25},
			{2, 7, 14, 15, 16, 24},
			{2, 5, 6, 11, 15, 16, 18, 19, 23},
			{2, 10, 12, 13, 14, 20, 23},
			{0, 3, 4, 11, 19},
			{0, 1, 4, 18, 19, 20, 23, 25},
			{1, 5, 7, 11, 20, 21, 25},
			{1, 4, 16, 17, 18},
			{2, 4, 11, 22, 24},
			{5, 12, 13, 14, 16, 24},
			{3, 7, 10, 20, 22, 24, 25},
			{0, 8, 10, 12, 17},
			{0, 8, 9, 17, 19, 22, 25},
			{4, 5, 15, 16, 22},
			{6, 8, 12, 14, 15, 18, 23},
			{1, 3, 7, 13, 19, 24},
			{0, 3, 4, 7, 14, 15, 21, 23},
			{6, 8, 9, 10, 18, 24},
		},
	},
	"ecc/64x64": {
		NumData:     64,
		NumParity:   64,
		Correctable: 10,
		DataToParity: [][]int{
			{5, 17, 18, 31, 39, 47, 55, 58},
			{0, 3, 4, 25, 27, 32, 34, 48, 53, 56, 63},
			{10, 11, 17, 18, 25, 32, 36, 40, 45, 51},
			{1, 21, 23, 27, 30, 35, 43, 47, 62},
			{2, 19, 20, 21, 28, 29, 37, 38, 40, 55, 56, 62},
			{15, 17, 19, 20, 31, 45, 46, 54, 57, 63},
			{19, 20, 30, 36, 46, 47, 52, 62},
			{2, 5, 16, 18, 19, 37, 48, 55},
			{1, 2, 7, 12, 13, 20, 26, 28, 48, 55},
			{0, 1, 15, 21, 24, 33, 36, 41, 56, 62},
			{19, 20, 28, 30, 43, 45, 52, 57, 59},
			{2, 6, 12, 20, 34, 58, 61, 63},
			{5, 6, 13, 15, 25, 34, 36, 40, 42, 43, 50, 51, 55, 61, 62},
			{21, 22, 23, 34, 39, 41, 43, 45, 49, 52, 53, 58},
			{0, 12, 17, 19, 28, 57, 58, 63},
			{8, 18, 25, 29, 34, 49, 52, 53, 56, 62},
			{3, 6, 19, 23, 35, 39, 40, 43, 49, 54, 57},
			{2, 3, 8, 9, 30, 31, 47, 54, 58, 62},
			{0, 8, 14, 24, 28, 33, 36, 47, 52, 58},
			{8, 10, 13, 22, 25, 27, 32, 35, 40, 51, 56},
			{2, 14, 16, 17, 26, 27, 29, 31, 43, 46, 54, 56},
			{22, 25, 37, 41, 45, 52, 61},
			{5, 9, 13, 32, 46, 50, 54, 62},
			{0, 4, 5, 10, 15, 16, 26, 36, 37, 48, 50},
			{13, 14, 20, 21, 40, 42, 55, 60},
			{1, 2, 13, 15, 16, 19, 26, 30, 37, 42, 48, 50, 59},
			{4, 10, 11, 18, 28, 30, 44, 45, 46, 60, 63},
			{2, 6, 16, 22, 24, 38, 41, 53, 59},
			{6, 15, 21, 23, 26, 29, 32, 34, 35, 36, 38, 43, 51, 54, 60},
			{13, 24, 32, 33, 34, 41, 46, 52, 58, 61},
			{1, 10, 23, 24, 27, 29, 40, 41, 61},
			{4, 5, 6, 10, 14, 42, 44, 48, 51, 53, 61},
			{0, 5, 7, 15, 49, 50},
			{8, 29, 35, 36, 43, 47, 51, 60, 62},
			{7, 12, 15, 21, 22, 27, 31, 33, 57, 60},
			{5, 16, 18, 24, 26, 33, 38, 44, 46, 53, 56, 57, 61},
			{1, 3, 4, 9, 24, 27, 31, 39, 50, 51, 54, 58},
			{12, 18, 22, 23, 27, 35, 36, 44, 60, 63},
			{0, 12, 17, 20, 32, 35, 37, 50, 53, 59},
			{8, 11, 14, 16, 22, 24, 35, 36, 41, 42, 44, 46, 57},
			{14, 23, 30, 33, 34, 38, 42, 44, 46, 48, 54},
			{9, 14, 27, 31, 33, 35, 49, 51, 52, 54},
			{3, 8, 11, 12, 14, 30, 32, 34, 48, 56, 62},
			{7, 9, 29, 44, 46, 58},
			{6, 18, 21, 26, 28, 39, 40, 45, 47, 55, 58, 63},
			{4, 17, 21, 26, 30, 34, 54, 61},
			{0, 5, 6, 10, 23, 29, 39, 55, 60},
			{7, 9, 10, 11, 12, 18, 25, 26, 29, 37, 38, 39, 42, 45, 49},
			{6, 7, 17, 27, 33, 56, 59, 60},
			{1, 3, 9, 14, 20, 28, 42, 47, 57, 63},
			{11, 17, 23, 25, 39, 41, 45, 53, 56, 57, 60, 61, 63},
			{4, 8, 12, 16, 19, 28, 31, 32, 47},
			{2, 4, 22, 23, 26, 39, 41, 42, 51, 59},
			{0, 3, 9, 13, 25, 40, 43},
			{0, 9, 10, 16, 22, 47, 53, 55},
			{1, 3, 4, 7, 13, 20, 21, 25, 49, 50},
			{6, 12, 15, 16, 17, 29, 33, 38, 48, 50, 55, 57, 59},
			{1, 15, 24, 28, 37, 40, 42, 52},
			{1, 4, 7, 13, 14, 30, 38, 59},
			{11, 31, 33, 37, 44, 49, 51, 52},
			{8, 11, 24, 31, 32, 35, 50, 53, 59, 63},
			{3, 8, 11, 18, 22, 38, 44, 49},
			{7, 9, 10, 19, 37, 41, 44, 45, 49, 60, 61},
			{2, 3, 5, 7, 11, 38, 39, 43, 48, 59},
		},
	},}

var suppliersToName = map[int]string{}

func init() {
	for name, m := range registry {
		m.Name = name
		m.parityToData = transpose(m.DataToParity, m.NumParity)
		suppliersToName[m.NumData] = name
	}
}

func transpose(dataToParity [][]int, numParity int) [][]int {
	out := make([][]int, numParity)
	for d, parities := range dataToParity {
		for _, p := range parities {
			out[p] = append(out[p], d)
		}
	}
	for _, row := range out {
		sort.Ints(row)
	}
	return out
}

// ByName returns the map registered under name, e.g. "ecc/4x4".
func ByName(name string) (*Map, error) {
	m, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("eccmap: unknown map %q", name)
	}
	return m, nil
}

// BySupplierCount returns the map sized for the given number of suppliers.
func BySupplierCount(n int) (*Map, error) {
	name, ok := suppliersToName[n]
	if !ok {
		return nil, fmt.Errorf("eccmap: no map for %d suppliers", n)
	}
	return registry[name], nil
}

// Names lists all registered map names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupplierCount is the number of suppliers the map spreads one block over.
// Every registered map is square: supplier i holds data piece i and parity
// piece i.
func (m *Map) SupplierCount() int { return m.NumData }

// ParityToData lists the data indices XOR-ed into parity piece j.
func (m *Map) ParityToData(j int) []int { return m.parityToData[j] }

// Fixable reports whether a solver starting from the present pieces would
// recover every data piece. This is the scheduling predicate used by the
// restore and rebuild paths; it mirrors exactly what Read does, without
// touching any bytes.
func (m *Map) Fixable(presentData, presentParity []bool) bool {
	if len(presentData) != m.NumData || len(presentParity) != m.NumParity {
		return false
	}
	have := make([]bool, m.NumData)
	copy(have, presentData)
	for {
		progress := false
		for p := 0; p < m.NumParity; p++ {
			if !presentParity[p] {
				continue
			}
			missing := -1
			count := 0
			for _, d := range m.parityToData[p] {
				if !have[d] {
					missing = d
					count++
				}
			}
			if count == 1 {
				have[missing] = true
				progress = true
			}
		}
		done := true
		for _, h := range have {
			if !h {
				done = false
				break
			}
		}
		if done {
			return true
		}
		if !progress {
			return false
		}
	}
}
