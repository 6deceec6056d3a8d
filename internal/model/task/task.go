package task

import "time"

// Sync status values reported in the task summary.
const (
	SyncIdle      = "idle"
	SyncSyncing   = "syncing"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// TerminalSyncStatus reports whether no further status change is expected
// without a new sync trigger.
func TerminalSyncStatus(status string) bool {
	return status == SyncCompleted || status == SyncFailed
}

// Task is the synced mirror of one remote work item, keyed by its external
// task key ("account:board:item").
type Task struct {
	ExternalTaskKey string     `json:"externalTaskKey"`
	AccountID       string     `json:"accountId"`
	ItemID          string     `json:"itemId"`
	Status          string     `json:"status,omitempty"`
	SyncStatus      string     `json:"syncStatus"`
	SyncStartedAt   *time.Time `json:"syncStartedAt,omitempty"`
	SyncCompletedAt *time.Time `json:"syncCompletedAt,omitempty"`
	SyncError       string     `json:"syncError,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Snapshot is one immutable capture of a task's remote state. Version is an
// opaque fingerprint compared by equality only.
type Snapshot struct {
	ID              string         `json:"id"`
	ExternalTaskKey string         `json:"externalTaskKey"`
	Version         string         `json:"version"`
	TaskContext     map[string]any `json:"taskContext,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// SourceFile is a document ingested into a snapshot.
type SourceFile struct {
	ID               string    `json:"id"`
	ExternalTaskKey  string    `json:"-"`
	SnapshotID       string    `json:"-"`
	Kind             string    `json:"kind"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	MimeType         string    `json:"mimeType,omitempty"`
	SizeBytes        int64     `json:"sizeBytes,omitempty"`
	ExternalAssetID  string    `json:"externalAssetId,omitempty"`
	StoragePath      string    `json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Chunk is a retrievable text fragment extracted from a source file.
type Chunk struct {
	ID              string `json:"id"`
	ExternalTaskKey string `json:"-"`
	FileID          string `json:"fileId"`
	Page            int    `json:"page,omitempty"`
	Section         string `json:"section,omitempty"`
	Text            string `json:"text"`
}

// Citation points a chat answer back at a retrieved passage. All fields are
// optional; absence is normal.
type Citation struct {
	Filename        string   `json:"filename,omitempty"`
	Page            int      `json:"page,omitempty"`
	Section         string   `json:"section,omitempty"`
	Snippet         string   `json:"snippet,omitempty"`
	Score           *float64 `json:"score,omitempty"`
	FileID          string   `json:"fileId,omitempty"`
	ExternalAssetID string   `json:"externalAssetId,omitempty"`
}

// SyncResponse answers a sync trigger.
type SyncResponse struct {
	Status          string `json:"status"`
	SnapshotVersion string `json:"snapshotVersion,omitempty"`
}

// SummaryResponse is the polled task summary.
type SummaryResponse struct {
	ExternalTaskKey string         `json:"externalTaskKey"`
	SnapshotVersion string         `json:"snapshotVersion,omitempty"`
	TaskContext     map[string]any `json:"taskContext,omitempty"`
	Status          string         `json:"status,omitempty"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
	SyncStatus      string         `json:"syncStatus,omitempty"`
	SyncStartedAt   *time.Time     `json:"syncStartedAt,omitempty"`
	SyncCompletedAt *time.Time     `json:"syncCompletedAt,omitempty"`
	SyncError       string         `json:"syncError,omitempty"`
}

// SourcesResponse lists the files of the latest snapshot.
type SourcesResponse struct {
	SnapshotVersion string       `json:"snapshotVersion,omitempty"`
	Files           []SourceFile `json:"files"`
}

// SignedURLResponse carries a short-lived download link.
type SignedURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
