package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSOP       ResultType = "sop"
	ResultChecklist ResultType = "checklist"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Status  string     `json:"status,omitempty"`
	Version int        `json:"version,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexSOP(record SOPRecord) error
	IndexChecklist(record ChecklistRecord) error
	DeleteSOP(id string) error
	DeleteChecklist(id string) error
}

// SOPRecord is the data we index for a procedure document.
type SOPRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StepText    string `json:"stepText"`
	Status      string `json:"status"`
	Version     int    `json:"version"`
}

// ChecklistRecord is the data we index for a checklist run.
type ChecklistRecord struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SOPTitle string `json:"sopTitle"`
	Status   string `json:"status"`
}
