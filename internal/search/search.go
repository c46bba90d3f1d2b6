package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	SchemaID string `json:"schema"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	SchemaID string // empty = all schemas
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// EntryRecord is the data we index for a published entry.
type EntryRecord struct {
	ID       string `json:"id"`
	SchemaID string `json:"schema"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}
