package vector

import "github.com/RoaringBitmap/roaring/v2"

// Filter is an allow-list of IDs. A nil *Filter allows every entry; an empty
// non-nil Filter allows none.
type Filter struct {
	ids map[string]struct{}
}

// NewFilter returns a filter allowing exactly ids.
func NewFilter(ids []string) *Filter {
	f := &Filter{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		f.ids[id] = struct{}{}
	}
	return f
}

// Allows reports whether id passes the filter.
func (f *Filter) Allows(id string) bool {
	if f == nil {
		return true
	}
	_, ok := f.ids[id]
	return ok
}

// Len returns the number of allowed IDs, or -1 for a nil filter.
func (f *Filter) Len() int {
	if f == nil {
		return -1
	}
	return len(f.ids)
}

// bitmap translates the allow-list to the ordinals an index uses internally.
// IDs the index does not hold are dropped.
func (f *Filter) bitmap(ordinals map[string]uint32) *roaring.Bitmap {
	bm := roaring.New()
	if len(f.ids) < len(ordinals) {
		for id := range f.ids {
			if ord, ok := ordinals[id]; ok {
				bm.Add(ord)
			}
		}
		return bm
	}
	for id, ord := range ordinals {
		if _, ok := f.ids[id]; ok {
			bm.Add(ord)
		}
	}
	return bm
}
