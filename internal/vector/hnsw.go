package vector

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

const (
	// DefaultM is the default number of links per node above layer 0.
	DefaultM = 16
	// DefaultEfConstruction is the default candidate list size while inserting.
	DefaultEfConstruction = 200

	minEfSearch = 16
	maxEfSearch = 1024
	maxLevel    = 16

	// Filtered queries whose allow-list has at most ef*bruteForceFactor
	// entries are scanned exactly instead of walking the graph.
	bruteForceFactor = 4
	// Compaction runs once tombstones outnumber live nodes and exceed this.
	compactMinTombstones = 1024
)

// HNSWConfig tunes the graph. Zero values take the defaults.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// EfSearchForRecall maps a recall target in (0, 1] to a search width.
// The width grows as 16/(1-recall), clamped to [16, 1024].
func EfSearchForRecall(recall float64) int {
	if recall <= 0 {
		return minEfSearch
	}
	if recall >= 1 {
		return maxEfSearch
	}
	ef := int(math.Ceil(minEfSearch / (1 - recall)))
	if ef < minEfSearch {
		return minEfSearch
	}
	if ef > maxEfSearch {
		return maxEfSearch
	}
	return ef
}

type hnswNode struct {
	id    string
	vec   []float32
	norm  float64
	links [][]uint32 // links[l] are the neighbours on layer l
}

// HNSWIndex is an approximate index based on a hierarchical navigable small
// world graph. Removed or replaced entries stay in the graph as tombstoned
// waypoints until enough accumulate to trigger a compaction.
type HNSWIndex struct {
	mu         sync.RWMutex
	dimensions int
	metric     Metric
	cfg        HNSWConfig
	levelMult  float64
	rng        *rand.Rand

	nodes      []*hnswNode
	ordinals   map[string]uint32 // live entries only
	tombstones *roaring.Bitmap
	entry      uint32
	hasEntry   bool
	topLevel   int
}

// NewHNSWIndex creates an empty graph.
func NewHNSWIndex(dimensions int, metric Metric, cfg HNSWConfig) (*HNSWIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}
	if cfg.M < 2 {
		cfg.M = DefaultM
	}
	if cfg.EfConstruction < cfg.M {
		cfg.EfConstruction = DefaultEfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = EfSearchForRecall(0.95)
	}
	h := &HNSWIndex{
		dimensions: dimensions,
		metric:     m,
		cfg:        cfg,
		levelMult:  1 / math.Log(float64(cfg.M)),
	}
	h.reset()
	return h, nil
}

func (h *HNSWIndex) reset() {
	h.rng = rand.New(rand.NewSource(h.cfg.Seed))
	h.nodes = nil
	h.ordinals = make(map[string]uint32)
	h.tombstones = roaring.New()
	h.entry, h.hasEntry, h.topLevel = 0, false, 0
}

// Type returns the index type identifier.
func (h *HNSWIndex) Type() IndexType { return IndexTypeApproximate }

// Metric returns the similarity metric.
func (h *HNSWIndex) Metric() Metric { return h.metric }

// Dimensions returns the vector dimension.
func (h *HNSWIndex) Dimensions() int { return h.dimensions }

// EfSearch returns the configured search width.
func (h *HNSWIndex) EfSearch() int { return h.cfg.EfSearch }

// Size returns the number of live entries.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ordinals)
}

// Contains reports whether id is indexed.
func (h *HNSWIndex) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ordinals[id]
	return ok
}

// Close is a no-op.
func (h *HNSWIndex) Close() error { return nil }

// Add inserts vectors; an existing ID is tombstoned and inserted again.
func (h *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != h.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vectors[i]), h.dimensions)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ord, ok := h.ordinals[id]; ok {
			h.tombstones.Add(ord)
			delete(h.ordinals, id)
		}
		h.insert(id, append([]float32(nil), vectors[i]...))
	}
	h.maybeCompact()
	return nil
}

// Remove tombstones ids.
func (h *HNSWIndex) Remove(ctx context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if ord, ok := h.ordinals[id]; ok {
			h.tombstones.Add(ord)
			delete(h.ordinals, id)
		}
	}
	h.maybeCompact()
	return nil
}

// Search walks the graph with a candidate list of max(efSearch, k).
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int, filter *Filter) ([]*Result, error) {
	if len(query) != h.dimensions {
		return nil, fmt.Errorf("%w: query has %d, expected %d", ErrDimensionMismatch, len(query), h.dimensions)
	}
	q := query
	qNorm := L2Norm(q)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if k <= 0 || len(h.ordinals) == 0 {
		return nil, nil
	}
	ef := max(h.cfg.EfSearch, k)

	var allowed *roaring.Bitmap
	if filter != nil {
		allowed = filter.bitmap(h.ordinals)
		if allowed.IsEmpty() {
			return nil, nil
		}
		if allowed.GetCardinality() <= uint64(ef*bruteForceFactor) {
			return topK(h.scan(q, qNorm, allowed), k), nil
		}
	}
	if len(h.ordinals) <= ef {
		return topK(h.scan(q, qNorm, allowed), k), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := h.entry
	for l := h.topLevel; l > 0; l-- {
		ep = h.greedy(q, qNorm, ep, l)
	}
	accept := func(ord uint32) bool {
		if h.tombstones.Contains(ord) {
			return false
		}
		return allowed == nil || allowed.Contains(ord)
	}
	cands := h.searchLayer(q, qNorm, ep, ef, 0, accept)
	hits := make([]*Result, len(cands))
	for i, c := range cands {
		hits[i] = &Result{ID: h.nodes[c.ord].id, Score: c.sim}
	}
	return topK(hits, k), nil
}

// scan scores live entries exactly; allowed == nil means all of them.
func (h *HNSWIndex) scan(q []float32, qNorm float64, allowed *roaring.Bitmap) []*Result {
	if allowed != nil {
		hits := make([]*Result, 0, allowed.GetCardinality())
		it := allowed.Iterator()
		for it.HasNext() {
			ord := it.Next()
			hits = append(hits, &Result{ID: h.nodes[ord].id, Score: h.sim(q, qNorm, ord)})
		}
		return hits
	}
	hits := make([]*Result, 0, len(h.ordinals))
	for _, ord := range h.ordinals {
		hits = append(hits, &Result{ID: h.nodes[ord].id, Score: h.sim(q, qNorm, ord)})
	}
	return hits
}

func (h *HNSWIndex) randomLevel() int {
	l := int(math.Floor(-math.Log(1-h.rng.Float64()) * h.levelMult))
	return min(l, maxLevel)
}

func (h *HNSWIndex) maxConn(level int) int {
	if level == 0 {
		return 2 * h.cfg.M
	}
	return h.cfg.M
}

func (h *HNSWIndex) sim(q []float32, qNorm float64, ord uint32) float64 {
	n := h.nodes[ord]
	return score(h.metric, q, qNorm, n.vec, n.norm)
}

func (h *HNSWIndex) insert(id string, vec []float32) {
	level := h.randomLevel()
	ord := uint32(len(h.nodes))
	node := &hnswNode{id: id, vec: vec, norm: L2Norm(vec), links: make([][]uint32, level+1)}
	h.nodes = append(h.nodes, node)
	h.ordinals[id] = ord

	if !h.hasEntry {
		h.entry, h.hasEntry, h.topLevel = ord, true, level
		return
	}

	ep := h.entry
	for l := h.topLevel; l > level; l-- {
		ep = h.greedy(vec, node.norm, ep, l)
	}
	acceptAll := func(uint32) bool { return true }
	for l := min(level, h.topLevel); l >= 0; l-- {
		cands := h.searchLayer(vec, node.norm, ep, h.cfg.EfConstruction, l, acceptAll)
		n := min(h.cfg.M, len(cands))
		node.links[l] = make([]uint32, 0, n)
		for _, c := range cands[:n] {
			node.links[l] = append(node.links[l], c.ord)
			h.connect(c.ord, ord, l)
		}
		if len(cands) > 0 {
			ep = cands[0].ord
		}
	}
	if level > h.topLevel {
		h.entry, h.topLevel = ord, level
	}
}

// connect adds a link from -> to on level, pruning from's list to its closest maxConn neighbours.
func (h *HNSWIndex) connect(from, to uint32, level int) {
	n := h.nodes[from]
	n.links[level] = append(n.links[level], to)
	limit := h.maxConn(level)
	if len(n.links[level]) <= limit {
		return
	}
	scored := make([]candidate, len(n.links[level]))
	for i, ord := range n.links[level] {
		scored[i] = candidate{ord: ord, sim: h.sim(n.vec, n.norm, ord)}
	}
	sortCandidates(scored)
	pruned := make([]uint32, limit)
	for i := range pruned {
		pruned[i] = scored[i].ord
	}
	n.links[level] = pruned
}

func (h *HNSWIndex) greedy(q []float32, qNorm float64, ep uint32, level int) uint32 {
	cur, curSim := ep, h.sim(q, qNorm, ep)
	for changed := true; changed; {
		changed = false
		for _, nb := range h.nodes[cur].links[level] {
			if s := h.sim(q, qNorm, nb); s > curSim {
				cur, curSim, changed = nb, s, true
			}
		}
	}
	return cur
}

// searchLayer returns up to ef accepted nodes reachable from ep on level,
// best first. Rejected nodes are still traversed.
func (h *HNSWIndex) searchLayer(q []float32, qNorm float64, ep uint32, ef int, level int, accept func(uint32) bool) []candidate {
	visited := roaring.New()
	visited.Add(ep)
	start := candidate{ord: ep, sim: h.sim(q, qNorm, ep)}

	frontier := &candidateHeap{max: true}
	heap.Push(frontier, start)
	results := &candidateHeap{}
	if accept(ep) {
		heap.Push(results, start)
	}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if results.Len() >= ef && c.sim < results.items[0].sim {
			break
		}
		for _, nb := range h.nodes[c.ord].links[level] {
			if !visited.CheckedAdd(nb) {
				continue
			}
			s := h.sim(q, qNorm, nb)
			if results.Len() < ef || s > results.items[0].sim {
				heap.Push(frontier, candidate{ord: nb, sim: s})
				if accept(nb) {
					heap.Push(results, candidate{ord: nb, sim: s})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

func (h *HNSWIndex) maybeCompact() {
	dead := h.tombstones.GetCardinality()
	if len(h.ordinals) == 0 && dead > 0 {
		h.reset()
		return
	}
	if dead < compactMinTombstones || dead <= uint64(len(h.ordinals)) {
		return
	}
	live := make([]*hnswNode, 0, len(h.ordinals))
	for i, n := range h.nodes {
		if !h.tombstones.Contains(uint32(i)) {
			live = append(live, n)
		}
	}
	h.reset()
	for _, n := range live {
		h.insert(n.id, n.vec)
	}
}

// Save writes the graph including tombstones so a load restores identical search behaviour.
func (h *HNSWIndex) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	le := binary.LittleEndian
	header := []uint32{uint32(h.dimensions), uint32(h.cfg.M), uint32(h.cfg.EfConstruction), uint32(h.topLevel), h.entry, boolToUint32(h.hasEntry), uint32(len(h.nodes))}
	if err := binary.Write(w, le, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writeString(w, string(h.metric)); err != nil {
		return fmt.Errorf("write metric: %w", err)
	}
	for _, n := range h.nodes {
		if err := writeString(w, n.id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := w.Write(float32SliceToBytes(n.vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
		if err := binary.Write(w, le, uint32(len(n.links))); err != nil {
			return err
		}
		for _, links := range n.links {
			if err := binary.Write(w, le, uint32(len(links))); err != nil {
				return err
			}
			if err := binary.Write(w, le, links); err != nil {
				return err
			}
		}
	}
	tomb, err := h.tombstones.ToBytes()
	if err != nil {
		return fmt.Errorf("encode tombstones: %w", err)
	}
	if err := binary.Write(w, le, uint32(len(tomb))); err != nil {
		return err
	}
	_, err = w.Write(tomb)
	return err
}

// Load replaces the graph with one written by Save. Dimension and metric must match.
func (h *HNSWIndex) Load(r io.Reader) error {
	le := binary.LittleEndian
	header := make([]uint32, 7)
	if err := binary.Read(r, le, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header[1] < 2 {
		return fmt.Errorf("snapshot has invalid M %d", header[1])
	}
	if int(header[0]) != h.dimensions {
		return fmt.Errorf("%w: snapshot has %d, index expects %d", ErrDimensionMismatch, header[0], h.dimensions)
	}
	metric, err := readString(r)
	if err != nil {
		return fmt.Errorf("read metric: %w", err)
	}
	if Metric(metric) != h.metric {
		return fmt.Errorf("snapshot metric %s does not match %s", metric, h.metric)
	}
	count := header[6]
	if header[5] == 1 && header[4] >= count {
		return fmt.Errorf("entry point %d out of range for %d nodes", header[4], count)
	}
	if int(header[3]) > maxLevel {
		return fmt.Errorf("snapshot has invalid top level %d", header[3])
	}
	nodes := make([]*hnswNode, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return fmt.Errorf("read id: %w", err)
		}
		vec, err := readVector(r, h.dimensions)
		if err != nil {
			return fmt.Errorf("read vector: %w", err)
		}
		var levels uint32
		if err := binary.Read(r, le, &levels); err != nil {
			return err
		}
		if levels == 0 || levels > maxLevel+1 {
			return fmt.Errorf("node %d has invalid level count %d", i, levels)
		}
		n := &hnswNode{id: id, vec: vec, norm: L2Norm(vec), links: make([][]uint32, levels)}
		for l := range n.links {
			var size uint32
			if err := binary.Read(r, le, &size); err != nil {
				return err
			}
			if size > uint32(2*int(header[1])) {
				return fmt.Errorf("node %d has %d links on layer %d", i, size, l)
			}
			n.links[l] = make([]uint32, size)
			if err := binary.Read(r, le, n.links[l]); err != nil {
				return err
			}
		}
		nodes = append(nodes, n)
	}
	var tombLen uint32
	if err := binary.Read(r, le, &tombLen); err != nil {
		return err
	}
	buf := make([]byte, tombLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	tombstones := roaring.New()
	if err := tombstones.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("decode tombstones: %w", err)
	}
	for _, n := range nodes {
		for l, links := range n.links {
			for _, ord := range links {
				if ord >= count {
					return fmt.Errorf("link to unknown node %d", ord)
				}
				if len(nodes[ord].links) <= l {
					return fmt.Errorf("link to node %d on layer %d above its level", ord, l)
				}
			}
		}
	}
	if header[5] == 1 && len(nodes[header[4]].links) <= int(header[3]) {
		return fmt.Errorf("entry point %d is below top level %d", header[4], header[3])
	}

	ordinals := make(map[string]uint32, len(nodes))
	for i, n := range nodes {
		if !tombstones.Contains(uint32(i)) {
			ordinals[n.id] = uint32(i)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg.M = int(header[1])
	h.cfg.EfConstruction = int(header[2])
	h.levelMult = 1 / math.Log(float64(h.cfg.M))
	h.topLevel = int(header[3])
	h.entry = header[4]
	h.hasEntry = header[5] == 1 && count > 0
	h.nodes = nodes
	h.ordinals = ordinals
	h.tombstones = tombstones
	h.rng = rand.New(rand.NewSource(h.cfg.Seed + int64(count)))
	return nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

type candidate struct {
	ord uint32
	sim float64
}

// candidateHeap is a min-heap on sim, or a max-heap when max is set.
type candidateHeap struct {
	items []candidate
	max   bool
}

func (c *candidateHeap) Len() int { return len(c.items) }
func (c *candidateHeap) Less(i, j int) bool {
	if c.max {
		return c.items[i].sim > c.items[j].sim
	}
	return c.items[i].sim < c.items[j].sim
}
func (c *candidateHeap) Swap(i, j int)      { c.items[i], c.items[j] = c.items[j], c.items[i] }
func (c *candidateHeap) Push(x interface{}) { c.items = append(c.items, x.(candidate)) }
func (c *candidateHeap) Pop() interface{} {
	old := c.items
	n := len(old)
	item := old[n-1]
	c.items = old[:n-1]
	return item
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].sim > cs[j].sim })
}
