// Package vector provides the append-only flat vector index used for
// similarity search over entry embeddings.
package vector

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/pkg/utils"
)

var (
	// ErrDimensionMismatch reports a vector whose length violates the
	// configured index dimension. Caller bug; never retried.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnsupported reports an operation the append-only index cannot
	// perform, such as deletion.
	ErrUnsupported = errors.New("operation not supported by append-only index")

	// ErrCorruptSnapshot reports an unreadable or inconsistent snapshot.
	// Load recovers by reinitializing empty; callers log this, never crash.
	ErrCorruptSnapshot = errors.New("corrupt index snapshot")
)

// Snapshot artifact names inside the index directory. The id map retains the
// original JSON format; the vector collection is a binary row file. A load
// that cannot reconcile the two reinitializes the index empty.
const (
	vectorsFile = "vectors.bin"
	idMapFile   = "id_map.json"
)

// FlatIndex is a flat (brute-force) similarity index over L2-normalized
// vectors. Positions are append-only and never reused; position i of the
// vector sequence and the id map refer to the same logical item. The append
// path is single-writer (the indexing pipeline); searches take read locks and
// run concurrently.
type FlatIndex struct {
	dimensions int
	path       string // snapshot directory; empty disables persistence

	mu      sync.RWMutex
	vectors [][]float32
	ids     []int64
}

// NewFlatIndex creates an empty index with the given dimension. path is the
// snapshot directory; pass "" for a memory-only index (tests).
func NewFlatIndex(dimensions int, path string) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{
		dimensions: dimensions,
		path:       path,
		vectors:    make([][]float32, 0),
		ids:        make([]int64, 0),
	}, nil
}

// Add validates, normalizes a copy of vec, and appends it. Returns the new
// append-only position.
func (x *FlatIndex) Add(entryID int64, vec []float32) (int64, error) {
	if len(vec) != x.dimensions {
		return 0, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vec), x.dimensions)
	}
	row := make([]float32, x.dimensions)
	copy(row, vec)
	utils.NormalizeL2(row)

	x.mu.Lock()
	defer x.mu.Unlock()
	pos := int64(len(x.ids))
	x.vectors = append(x.vectors, row)
	x.ids = append(x.ids, entryID)
	return pos, nil
}

// AddBatch appends all vectors or none: every row is validated before any is
// appended, so a bad dimension cannot leave the id map and the vector
// sequence out of step. Returns the assigned positions in input order.
func (x *FlatIndex) AddBatch(entryIDs []int64, vecs [][]float32) ([]int64, error) {
	if len(entryIDs) != len(vecs) {
		return nil, fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(entryIDs), len(vecs))
	}
	rows := make([][]float32, len(vecs))
	for i, vec := range vecs {
		if len(vec) != x.dimensions {
			return nil, fmt.Errorf("%w: row %d got %d, expected %d", ErrDimensionMismatch, i, len(vec), x.dimensions)
		}
		row := make([]float32, x.dimensions)
		copy(row, vec)
		utils.NormalizeL2(row)
		rows[i] = row
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	start := int64(len(x.ids))
	positions := make([]int64, len(entryIDs))
	for i := range entryIDs {
		positions[i] = start + int64(i)
	}
	x.vectors = append(x.vectors, rows...)
	x.ids = append(x.ids, entryIDs...)
	return positions, nil
}

// Search returns up to k entries ordered by ascending squared L2 distance to
// the (normalized) query. Score is 1/(1+distance). An empty index returns an
// empty slice, never an error.
func (x *FlatIndex) Search(query []float32, k int) ([]models.SearchResult, error) {
	if len(query) != x.dimensions {
		return nil, fmt.Errorf("%w: query got %d, expected %d", ErrDimensionMismatch, len(query), x.dimensions)
	}
	q := make([]float32, x.dimensions)
	copy(q, query)
	utils.NormalizeL2(q)

	x.mu.RLock()
	defer x.mu.RUnlock()
	if k <= 0 || len(x.ids) == 0 {
		return []models.SearchResult{}, nil
	}
	if k > len(x.ids) {
		k = len(x.ids)
	}

	results := make([]models.SearchResult, len(x.ids))
	for i, row := range x.vectors {
		dist := utils.L2DistanceSquared(q, row)
		results[i] = models.SearchResult{
			EntryID:  x.ids[i],
			Score:    1.0 / (1.0 + dist),
			Distance: dist,
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	return results[:k], nil
}

// Delete always fails: the flat index is append-only and has no efficient
// removal. Callers must not assume soft-delete semantics.
func (x *FlatIndex) Delete(entryID int64) error {
	return fmt.Errorf("%w: delete entry %d", ErrUnsupported, entryID)
}

// Size returns the number of vectors in the index.
func (x *FlatIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Dimensions returns the configured vector dimension.
func (x *FlatIndex) Dimensions() int {
	return x.dimensions
}

// Stats describes the index for status reporting.
type Stats struct {
	Size       int  `json:"size"`
	Dimensions int  `json:"dimensions"`
	Persistent bool `json:"persistent"`
}

// Stats returns a snapshot of the index shape.
func (x *FlatIndex) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Size:       len(x.ids),
		Dimensions: x.dimensions,
		Persistent: x.path != "",
	}
}

// Save persists the vector collection and the id map to the index directory.
// No-op for a memory-only index.
func (x *FlatIndex) Save() error {
	if x.path == "" {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(x.path, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := x.saveVectorsLocked(); err != nil {
		return err
	}
	return x.saveIDMapLocked()
}

func (x *FlatIndex) saveVectorsLocked() error {
	f, err := os.Create(filepath.Join(x.path, vectorsFile))
	if err != nil {
		return fmt.Errorf("create vectors file: %w", err)
	}
	defer f.Close()
	if err := binary.Write(f, binary.LittleEndian, uint32(x.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(x.vectors))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for _, row := range x.vectors {
		if _, err := f.Write(float32SliceToBytes(row)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

func (x *FlatIndex) saveIDMapLocked() error {
	data, err := json.Marshal(x.ids)
	if err != nil {
		return fmt.Errorf("marshal id map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(x.path, idMapFile), data, 0644); err != nil {
		return fmt.Errorf("write id map: %w", err)
	}
	return nil
}

// Load restores the snapshot from the index directory and returns the number
// of vectors loaded. A missing snapshot leaves the index empty and returns
// (0, nil). A corrupt or inconsistent snapshot reinitializes the index empty
// and returns an error wrapping ErrCorruptSnapshot so the caller can log the
// recovery; the index stays live either way.
func (x *FlatIndex) Load() (int, error) {
	if x.path == "" {
		return 0, nil
	}
	vecPath := filepath.Join(x.path, vectorsFile)
	mapPath := filepath.Join(x.path, idMapFile)
	if _, err := os.Stat(vecPath); os.IsNotExist(err) {
		return 0, nil
	}

	vectors, err := readVectorsFile(vecPath, x.dimensions)
	if err != nil {
		x.reinitialize()
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	ids, err := readIDMapFile(mapPath)
	if err != nil {
		x.reinitialize()
		return 0, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if len(vectors) != len(ids) {
		x.reinitialize()
		return 0, fmt.Errorf("%w: %d vectors vs %d ids", ErrCorruptSnapshot, len(vectors), len(ids))
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = vectors
	x.ids = ids
	return len(ids), nil
}

func (x *FlatIndex) reinitialize() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = make([][]float32, 0)
	x.ids = make([]int64, 0)
}

// Reset discards all vectors and the id map and removes any persisted
// snapshot. Atomic from the caller's perspective: performed under the write
// lock, so no reader observes partial state.
func (x *FlatIndex) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors = make([][]float32, 0)
	x.ids = make([]int64, 0)
	if x.path == "" {
		return nil
	}
	for _, name := range []string{vectorsFile, idMapFile} {
		p := filepath.Join(x.path, name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

func readVectorsFile(path string, dimensions int) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vectors file: %w", err)
	}
	defer f.Close()

	var dim, n uint32
	if err := binary.Read(f, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != dimensions {
		return nil, fmt.Errorf("dimension mismatch: file has %d, index expects %d", dim, dimensions)
	}
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read count: %w", err)
	}
	vectors := make([][]float32, 0, n)
	buf := make([]byte, dimensions*4)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vectors = append(vectors, bytesToFloat32Slice(buf))
	}
	return vectors, nil
}

func readIDMapFile(path string) ([]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read id map: %w", err)
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse id map: %w", err)
	}
	return ids, nil
}

func float32SliceToBytes(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func bytesToFloat32Slice(b []byte) []float32 {
	const size = 4
	out := make([]float32, len(b)/size)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out
}
