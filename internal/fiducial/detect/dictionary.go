package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrUnknownDictionary is returned for dictionary names or ids that are not
// built in.
var ErrUnknownDictionary = errors.New("detect: unknown dictionary")

// DictionaryID names a built-in marker dictionary.
type DictionaryID int

const (
	Dict4X4_50 DictionaryID = iota
	Dict4X4_100
	Dict4X4_250
	Dict4X4_1000
	Dict5X5_50
	Dict5X5_100
	Dict5X5_250
	Dict5X5_1000
	Dict6X6_50
	Dict6X6_100
	Dict6X6_250
	Dict6X6_1000
	Dict7X7_50
	Dict7X7_100
	Dict7X7_250
	Dict7X7_1000
	DictArucoOriginal
	DictAprilTag16h5
	DictAprilTag25h9
	DictAprilTag36h10
	DictAprilTag36h11

	numDictionaries
)

type dictionaryFamily struct {
	name string
	bits int // marker side in cells, excluding the border
	size int
}

// DictionaryID follows the order of OpenCV's predefined dictionary enum, so
// it converts directly to gocv.ArucoDictionaryCode.
var dictionaryFamilies = [numDictionaries]dictionaryFamily{
	Dict4X4_50:        {"DICT_4X4_50", 4, 50},
	Dict4X4_100:       {"DICT_4X4_100", 4, 100},
	Dict4X4_250:       {"DICT_4X4_250", 4, 250},
	Dict4X4_1000:      {"DICT_4X4_1000", 4, 1000},
	Dict5X5_50:        {"DICT_5X5_50", 5, 50},
	Dict5X5_100:       {"DICT_5X5_100", 5, 100},
	Dict5X5_250:       {"DICT_5X5_250", 5, 250},
	Dict5X5_1000:      {"DICT_5X5_1000", 5, 1000},
	Dict6X6_50:        {"DICT_6X6_50", 6, 50},
	Dict6X6_100:       {"DICT_6X6_100", 6, 100},
	Dict6X6_250:       {"DICT_6X6_250", 6, 250},
	Dict6X6_1000:      {"DICT_6X6_1000", 6, 1000},
	Dict7X7_50:        {"DICT_7X7_50", 7, 50},
	Dict7X7_100:       {"DICT_7X7_100", 7, 100},
	Dict7X7_250:       {"DICT_7X7_250", 7, 250},
	Dict7X7_1000:      {"DICT_7X7_1000", 7, 1000},
	DictArucoOriginal: {"DICT_ARUCO_ORIGINAL", 5, 1024},
	DictAprilTag16h5:  {"DICT_APRILTAG_16h5", 4, 30},
	DictAprilTag25h9:  {"DICT_APRILTAG_25h9", 5, 35},
	DictAprilTag36h10: {"DICT_APRILTAG_36h10", 6, 2320},
	DictAprilTag36h11: {"DICT_APRILTAG_36h11", 6, 587},
}

var (
	builtinOnce [numDictionaries]sync.Once
	builtin     [numDictionaries]*Dictionary
)

func (id DictionaryID) String() string {
	if id < 0 || id >= numDictionaries {
		return fmt.Sprintf("dictionary(%d)", int(id))
	}
	return dictionaryFamilies[id].name
}

// DictionaryNames lists every built-in dictionary in id order.
func DictionaryNames() []string {
	names := make([]string, 0, numDictionaries)
	for _, s := range dictionaryFamilies {
		names = append(names, s.name)
	}
	return names
}

// ParseDictionary resolves a name such as "DICT_6X6_250" or "apriltag_36h11".
func ParseDictionary(name string) (DictionaryID, error) {
	norm := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(norm, "DICT_") {
		norm = "DICT_" + norm
	}
	for i, s := range dictionaryFamilies {
		if strings.ToUpper(s.name) == norm {
			return DictionaryID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDictionary, name)
}

// Validate reports ErrUnknownDictionary for ids outside the built-in set.
func (id DictionaryID) Validate() error {
	if id < 0 || id >= numDictionaries {
		return fmt.Errorf("%w: %d", ErrUnknownDictionary, int(id))
	}
	return nil
}

// Dictionary returns the codebook for id, reading it out of OpenCV on first
// use.
func (id DictionaryID) Dictionary() (*Dictionary, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	builtinOnce[id].Do(func() {
		fam := dictionaryFamilies[id]
		d := newDictionary(fam.name, fam.bits, extractCodebook(id, fam), 0)
		d.MinDistance = d.measureMinDistance()
		builtin[id] = d
	})
	return builtin[id], nil
}

// Dictionary is a set of square binary codes. Bit r*n+c of a code is the
// cell in row r, column c of the interior grid; 1 is white.
type Dictionary struct {
	Name        string
	MarkerBits  int
	MinDistance int

	codes     []uint64
	rotations [][4]uint64
}

func newDictionary(name string, n int, codes []uint64, minDistance int) *Dictionary {
	d := &Dictionary{
		Name:        name,
		MarkerBits:  n,
		MinDistance: minDistance,
		codes:       codes,
		rotations:   make([][4]uint64, len(codes)),
	}
	for i, c := range codes {
		d.rotations[i] = rotations(c, n)
	}
	return d
}

// NewDictionary builds a dictionary from explicit codes and measures its
// minimum distance, counting all four rotations.
func NewDictionary(name string, markerBits int, codes []uint64) (*Dictionary, error) {
	if markerBits < 2 || markerBits > 8 {
		return nil, fmt.Errorf("marker_bits must be between 2 and 8, got %d", markerBits)
	}
	if len(codes) == 0 {
		return nil, errors.New("codebook is empty")
	}
	mask := codeMask(markerBits)
	for i, c := range codes {
		if c&^mask != 0 {
			return nil, fmt.Errorf("code %d has bits outside a %dx%d grid", i, markerBits, markerBits)
		}
	}
	d := newDictionary(name, markerBits, codes, 0)
	d.MinDistance = d.measureMinDistance()
	return d, nil
}

// Len returns the number of markers in the dictionary.
func (d *Dictionary) Len() int { return len(d.codes) }

// Code returns the unrotated code of marker id.
func (d *Dictionary) Code(id int) (uint64, bool) {
	if id < 0 || id >= len(d.codes) {
		return 0, false
	}
	return d.codes[id], true
}

// MaxCorrectionBits is the number of bit errors that can be corrected
// without ambiguity.
func (d *Dictionary) MaxCorrectionBits() int {
	if d.MinDistance <= 1 {
		return 0
	}
	return (d.MinDistance - 1) / 2
}

// identify finds the closest code to observed over all rotations. rot is the
// number of clockwise quarter turns between the marker and the observation.
func (d *Dictionary) identify(observed uint64, maxErr int) (id, rot, dist int, ok bool) {
	best := maxErr + 1
	for i, rs := range d.rotations {
		for k, r := range rs {
			if hd := bits.OnesCount64(observed ^ r); hd < best {
				best, id, rot = hd, i, k
				if hd == 0 {
					return id, rot, 0, true
				}
			}
		}
	}
	if best > maxErr {
		return 0, 0, 0, false
	}
	return id, rot, best, true
}

func (d *Dictionary) measureMinDistance() int {
	n := d.MarkerBits * d.MarkerBits
	minDist := n
	for i, ri := range d.rotations {
		for k := 1; k < 4; k++ {
			minDist = min(minDist, bits.OnesCount64(ri[0]^ri[k]))
		}
		for j := 0; j < i; j++ {
			for _, r := range d.rotations[j] {
				minDist = min(minDist, bits.OnesCount64(ri[0]^r))
			}
		}
	}
	return minDist
}

func codeMask(n int) uint64 {
	if n*n == 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(n*n) - 1
}

// rotate90 turns an n×n grid a quarter turn clockwise:
// out[r][c] = in[n-1-c][r].
func rotate90(code uint64, n int) uint64 {
	var out uint64
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			if code>>uint((n-1-c)*n+r)&1 == 1 {
				out |= 1 << uint(r*n+c)
			}
		}
	}
	return out
}

func rotations(code uint64, n int) [4]uint64 {
	var rs [4]uint64
	rs[0] = code
	for k := 1; k < 4; k++ {
		rs[k] = rotate90(rs[k-1], n)
	}
	return rs
}

type codebookFile struct {
	Name       string   `json:"name"`
	MarkerBits int      `json:"marker_bits"`
	Codes      []string `json:"codes"`
}

// ParseCodebook reads a JSON codebook: {"name", "marker_bits", "codes"} where
// each code is a row-major string of '0' (black) and '1' (white) cells.
func ParseCodebook(r io.Reader) (*Dictionary, error) {
	var f codebookFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse codebook JSON: %w", err)
	}
	n := f.MarkerBits
	if n < 2 || n > 8 {
		return nil, fmt.Errorf("marker_bits must be between 2 and 8, got %d", n)
	}
	codes := make([]uint64, 0, len(f.Codes))
	for i, s := range f.Codes {
		s = strings.ReplaceAll(s, " ", "")
		if len(s) != n*n {
			return nil, fmt.Errorf("code %d has %d cells, want %d", i, len(s), n*n)
		}
		var c uint64
		for j, ch := range s {
			switch ch {
			case '1':
				c |= 1 << uint(j)
			case '0':
			default:
				return nil, fmt.Errorf("code %d: invalid cell %q", i, ch)
			}
		}
		codes = append(codes, c)
	}
	name := f.Name
	if name == "" {
		name = "custom"
	}
	return NewDictionary(name, n, codes)
}

// LoadCodebook reads a JSON codebook from disk.
func LoadCodebook(path string) (*Dictionary, error) {
	clean := filepath.Clean(path)
	if ext := filepath.Ext(clean); ext != ".json" {
		return nil, fmt.Errorf("codebook file must have .json extension, got %q", ext)
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to open codebook: %w", err)
	}
	defer f.Close()
	return ParseCodebook(io.LimitReader(f, 4<<20))
}
