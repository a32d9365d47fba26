package models

// SearchResult represents a single ranked hit.
type SearchResult struct {
	Record *ImageRecord `json:"record"`
	Score  float64      `json:"score"`
	Rank   int          `json:"rank"`
}

// SearchResponse is the response for a similarity search.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	K         int             `json:"k"`
	QueryTime int64           `json:"query_time_ms"`
	// IndexMode is the vector index that served the query ("exact" or "approximate").
	IndexMode string `json:"index_mode"`
	Metric    string `json:"metric"`
	// CacheHit is set for search-by-image when the query embedding came from cache.
	CacheHit bool `json:"cache_hit,omitempty"`
}
