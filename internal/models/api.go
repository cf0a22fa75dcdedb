package models

// SearchRequest is the body of a search call.
type SearchRequest struct {
	ParameterSets     []*QueryParameters `json:"parameter_sets"`
	ConfirmOpenSearch bool               `json:"confirm_open_search,omitempty"`
	// Sources optionally selects a source group before searching.
	Sources []string `json:"sources,omitempty"`
}

// FailureInfo names a source whose query failed.
type FailureInfo struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

// SearchResponse is a result table as returned by the API.
type SearchResponse struct {
	GroupID   string        `json:"group_id"`
	Title     string        `json:"title"`
	Sources   []string      `json:"sources"`
	Rows      []*Study      `json:"rows"`
	Failures  []FailureInfo `json:"failures,omitempty"`
	Message   string        `json:"message,omitempty"`
	Stale     bool          `json:"stale,omitempty"`
	ElapsedMS int64         `json:"elapsed_ms,omitempty"`
}

// PageResponse is one window of local studies.
type PageResponse struct {
	Page        int      `json:"page"`
	PageSize    int      `json:"page_size"`
	FirstRow    int      `json:"first_row"`
	Rows        []*Study `json:"rows"`
	HasNext     bool     `json:"has_next"`
	HasPrevious bool     `json:"has_previous"`
}

// GroupRequest selects a source group by member names.
type GroupRequest struct {
	Sources []string `json:"sources"`
}

// ImportRequest names a descriptor file or directory to import.
type ImportRequest struct {
	Path string `json:"path"`
}

// ImportResponse reports an import call.
type ImportResponse struct {
	Path     string `json:"path"`
	Imported int    `json:"imported"`
	Error    string `json:"error,omitempty"`
}

// StatusResponse summarizes the local datastore and session.
type StatusResponse struct {
	Studies          int64    `json:"studies"`
	Instances        int64    `json:"instances"`
	ActiveGroup      []string `json:"active_group"`
	PendingArrived   int      `json:"pending_arrived"`
	PendingDeleted   int      `json:"pending_deleted"`
	DiskUsageBytes   int64    `json:"disk_usage_bytes,omitempty"`
	DatabasePath     string   `json:"database_path,omitempty"`
	BleveIndexPath   string   `json:"bleve_index_path,omitempty"`
	WatchDirectories []string `json:"watch_directories,omitempty"`
}
