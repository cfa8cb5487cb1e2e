package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/yakkan/internal/errs"
)

// MemoryPartition is an in-memory partition using exact brute-force cosine search.
// It serves tests, small deployments and dimensionalities no approximate index supports.
type MemoryPartition struct {
	spec    PartitionSpec
	records []Record
	byID    map[string]int
	mu      sync.RWMutex
}

// NewMemoryPartition creates an empty in-memory partition.
func NewMemoryPartition(spec PartitionSpec) (*MemoryPartition, error) {
	if spec.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryPartition{spec: spec, byID: make(map[string]int)}, nil
}

// Upsert inserts or replaces records by chunk ID.
func (m *MemoryPartition) Upsert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if len(r.Vector) != m.spec.Dimensions {
			return errs.Validation("vector.upsert", "vector dimension mismatch: got %d, expected %d", len(r.Vector), m.spec.Dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		r.Vector = vec
		if i, ok := m.byID[r.ChunkID]; ok {
			m.records[i] = r
			continue
		}
		m.byID[r.ChunkID] = len(m.records)
		m.records = append(m.records, r)
	}
	return nil
}

// Query returns the top-k chunks by similarity among those the filter allows.
func (m *MemoryPartition) Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if len(vec) != m.spec.Dimensions {
		return nil, errs.Validation("vector.query", "query dimension mismatch: got %d, expected %d", len(vec), m.spec.Dimensions)
	}
	if err := errs.FromContext(ctx, "vector.query"); err != nil {
		return nil, err
	}
	allowed := filter.set()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.records) == 0 {
		return nil, nil
	}
	hits := make([]Hit, 0, len(m.records))
	for _, r := range m.records {
		if allowed != nil && !allowed[r.DocumentID] {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Similarity: Similarity(vec, r.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return lessHit(hits[i], hits[j]) })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteDocument removes every chunk of documentID and returns how many were removed.
func (m *MemoryPartition) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(func(r Record) bool { return r.DocumentID == documentID }), nil
}

// DeleteChunks removes chunks by ID.
func (m *MemoryPartition) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	drop := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(func(r Record) bool { return drop[r.ChunkID] })
	return nil
}

func (m *MemoryPartition) removeLocked(match func(Record) bool) int {
	kept := m.records[:0]
	removed := 0
	for _, r := range m.records {
		if match(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	m.byID = make(map[string]int, len(kept))
	for i, r := range kept {
		m.byID[r.ChunkID] = i
	}
	return removed
}

// ListChunks returns every stored chunk reference.
func (m *MemoryPartition) ListChunks(ctx context.Context) ([]ChunkRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChunkRef, len(m.records))
	for i, r := range m.records {
		out[i] = ChunkRef{ChunkID: r.ChunkID, DocumentID: r.DocumentID}
	}
	return out, nil
}

// Count returns the number of stored vectors.
func (m *MemoryPartition) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Close is a no-op for MemoryPartition.
func (m *MemoryPartition) Close() error {
	return nil
}

// Save persists the partition to path. Directory is created if needed. Format: dimension (4),
// n (4), then per record: chunk ID, document ID, model and text as length-prefixed strings,
// chunk index (4), created-at unix nanos (8) and the vector (dimension*4 bytes).
func (m *MemoryPartition) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	w := bufio.NewWriter(f)
	err = m.writeLocked(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *MemoryPartition) writeLocked(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(m.spec.Dimensions)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.records))); err != nil {
		return err
	}
	for _, r := range m.records {
		for _, s := range []string{r.ChunkID, r.DocumentID, r.Model, r.Text} {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, int32(r.ChunkIndex)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, r.CreatedAt.UnixNano()); err != nil {
			return err
		}
		if _, err := w.Write(float32SliceToBytes(r.Vector)); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the partition from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the partition is unchanged.
func (m *MemoryPartition) Load(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.spec.Dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, partition expects %d", dim, m.spec.Dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	records := make([]Record, 0, n)
	buf := make([]byte, m.spec.Dimensions*4)
	for i := uint32(0); i < n; i++ {
		var rec Record
		fields := []*string{&rec.ChunkID, &rec.DocumentID, &rec.Model, &rec.Text}
		for _, p := range fields {
			if *p, err = readString(r); err != nil {
				return fmt.Errorf("read record %d: %w", i, err)
			}
		}
		var idx int32
		var nanos int64
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return fmt.Errorf("read chunk index: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &nanos); err != nil {
			return fmt.Errorf("read created at: %w", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		rec.ChunkIndex = int(idx)
		rec.CreatedAt = time.Unix(0, nanos).UTC()
		rec.Vector = bytesToFloat32Slice(buf)
		records = append(records, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.byID = make(map[string]int, len(records))
	for i, rec := range records {
		m.byID[rec.ChunkID] = i
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
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
