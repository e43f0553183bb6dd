package domain

import "time"

// DirSizeSentinel is reported as the size of directory entries.
const DirSizeSentinel int64 = -1

// FileEntry describes one item inside an instance directory listing.
type FileEntry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"is_dir"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
	Extension string    `json:"extension,omitempty"`
	Protected bool      `json:"protected"`
}

// BulkDeleteResult accumulates per-item outcomes of a bulk delete. One item's
// failure never aborts or rolls back completed deletions of its siblings.
type BulkDeleteResult struct {
	Deleted int               `json:"deleted"`
	Failed  int               `json:"failed"`
	Errors  map[string]string `json:"errors,omitempty"`
}
