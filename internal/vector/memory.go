package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
)

// MemoryIndex is an exact index: every query scores every allowed entry.
// Entries live in dense slices; removal swaps the last entry into the hole so
// positions stay contiguous and double as filter ordinals.
type MemoryIndex struct {
	dimensions int
	metric     Metric
	ids        []string
	vectors    [][]float32
	norms      []float64
	positions  map[string]uint32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an exact index with the given dimension and metric.
func NewMemoryIndex(dimensions int, metric Metric) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	return &MemoryIndex{
		dimensions: dimensions,
		metric:     m,
		positions:  make(map[string]uint32),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() IndexType {
	return IndexTypeExact
}

// Metric returns the similarity metric.
func (m *MemoryIndex) Metric() Metric {
	return m.metric
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Add inserts or replaces vectors with the given IDs.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vectors[i]), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		vec := append([]float32(nil), vectors[i]...)
		norm := L2Norm(vec)
		if pos, ok := m.positions[id]; ok {
			m.vectors[pos], m.norms[pos] = vec, norm
			continue
		}
		m.positions[id] = uint32(len(m.ids))
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
		m.norms = append(m.norms, norm)
	}
	return nil
}

// Search scores all allowed entries against query.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]*Result, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), m.dimensions)
	}
	qNorm := L2Norm(query)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}

	var hits []*Result
	if filter == nil {
		hits = make([]*Result, 0, len(m.ids))
		for i, vec := range m.vectors {
			if i%4096 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			hits = append(hits, &Result{ID: m.ids[i], Score: score(m.metric, query, qNorm, vec, m.norms[i])})
		}
	} else {
		allowed := filter.bitmap(m.positions)
		hits = make([]*Result, 0, allowed.GetCardinality())
		it := allowed.Iterator()
		for it.HasNext() {
			pos := it.Next()
			hits = append(hits, &Result{ID: m.ids[pos], Score: score(m.metric, query, qNorm, m.vectors[pos], m.norms[pos])})
		}
	}
	return topK(hits, k), nil
}

// Remove deletes vectors by ID.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		pos, ok := m.positions[id]
		if !ok {
			continue
		}
		last := uint32(len(m.ids) - 1)
		if pos != last {
			m.ids[pos] = m.ids[last]
			m.vectors[pos] = m.vectors[last]
			m.norms[pos] = m.norms[last]
			m.positions[m.ids[pos]] = pos
		}
		m.ids = m.ids[:last]
		m.vectors = m.vectors[:last]
		m.norms = m.norms[:last]
		delete(m.positions, id)
	}
	return nil
}

// Contains reports whether id is indexed.
func (m *MemoryIndex) Contains(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[id]
	return ok
}

// Save writes the index. Format: dimension (4), n (4), then per vector:
// idLen (4), id bytes, vector (dimension*4 bytes). All little endian.
func (m *MemoryIndex) Save(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := binary.Write(w, binary.LittleEndian, uint32(m.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range m.ids {
		if err := writeString(w, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(m.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return nil
}

// Load replaces the in-memory contents with the payload read from r. Dimensions must match.
func (m *MemoryIndex) Load(r io.Reader) error {
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("%w: snapshot has %d, index expects %d", ErrDimensionMismatch, dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	norms := make([]float64, 0, n)
	positions := make(map[string]uint32, n)
	for i := uint32(0); i < n; i++ {
		id, err := readString(r)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		vec, err := readVector(r, m.dimensions)
		if err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		positions[id] = uint32(len(ids))
		ids = append(ids, id)
		vectors = append(vectors, vec)
		norms = append(norms, L2Norm(vec))
	}
	m.mu.Lock()
	m.ids, m.vectors, m.norms, m.positions = ids, vectors, norms, positions
	m.mu.Unlock()
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
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
	if n > 1<<16 {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readVector(r io.Reader, dims int) ([]float32, error) {
	buf := make([]byte, dims*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return bytesToFloat32Slice(buf), nil
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
