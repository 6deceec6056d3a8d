package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiuhaotian/taskdeck/internal/model/task"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrFileNotFound     = errors.New("file not found")
)

// Store keeps tasks, snapshots, source files and chunks in memory. Snapshot
// persistence proper is owned by the backend of record; this mirror only has
// to survive the process.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]task.Task
	snapshots map[string][]task.Snapshot // keyed by externalTaskKey, newest last
	files     map[string][]task.SourceFile
	chunks    map[string][]task.Chunk // both keyed by snapshot ID
}

// NewStore bootstraps an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tasks:     make(map[string]task.Task),
		snapshots: make(map[string][]task.Snapshot),
		files:     make(map[string][]task.SourceFile),
		chunks:    make(map[string][]task.Chunk),
	}
}

// CreateTask registers a task mirror for the given external key. Creating an
// existing task is a no-op returning the stored record.
func (s *Store) CreateTask(_ context.Context, externalTaskKey string) (task.Task, error) {
	account, _, item, err := task.ParseExternalTaskKey(externalTaskKey)
	if err != nil {
		return task.Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[externalTaskKey]; ok {
		return existing, nil
	}

	record := task.Task{
		ExternalTaskKey: externalTaskKey,
		AccountID:       account,
		ItemID:          item,
		SyncStatus:      task.SyncIdle,
		UpdatedAt:       time.Now().UTC(),
	}
	s.tasks[externalTaskKey] = record
	return record, nil
}

// GetTask retrieves a task by its external key.
func (s *Store) GetTask(_ context.Context, externalTaskKey string) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.tasks[externalTaskKey]
	if !ok {
		return task.Task{}, ErrTaskNotFound
	}
	return record, nil
}

// MarkSyncStarted flips the task into the syncing state, clearing any
// previous error. Returns false when a sync is already running.
func (s *Store) MarkSyncStarted(_ context.Context, externalTaskKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[externalTaskKey]
	if !ok {
		return false, ErrTaskNotFound
	}
	if record.SyncStatus == task.SyncSyncing {
		return false, nil
	}

	now := time.Now().UTC()
	record.SyncStatus = task.SyncSyncing
	record.SyncStartedAt = &now
	record.SyncCompletedAt = nil
	record.SyncError = ""
	record.UpdatedAt = now
	s.tasks[externalTaskKey] = record
	return true, nil
}

// MarkSyncCompleted records a successful pipeline run.
func (s *Store) MarkSyncCompleted(_ context.Context, externalTaskKey string) error {
	return s.finishSync(externalTaskKey, task.SyncCompleted, "")
}

// MarkSyncFailed records a failed pipeline run together with its cause.
func (s *Store) MarkSyncFailed(_ context.Context, externalTaskKey string, cause string) error {
	return s.finishSync(externalTaskKey, task.SyncFailed, cause)
}

func (s *Store) finishSync(externalTaskKey, status, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tasks[externalTaskKey]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now().UTC()
	record.SyncStatus = status
	record.SyncCompletedAt = &now
	record.SyncError = cause
	record.UpdatedAt = now
	s.tasks[externalTaskKey] = record
	return nil
}

// AddSnapshot stores a new snapshot with its files and chunks and makes it
// the task's latest.
func (s *Store) AddSnapshot(_ context.Context, snapshot task.Snapshot, files []task.SourceFile, chunks []task.Chunk) (task.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[snapshot.ExternalTaskKey]; !ok {
		return task.Snapshot{}, ErrTaskNotFound
	}

	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	stored := make([]task.SourceFile, 0, len(files))
	for _, file := range files {
		if file.ID == "" {
			file.ID = uuid.NewString()
		}
		file.ExternalTaskKey = snapshot.ExternalTaskKey
		file.SnapshotID = snapshot.ID
		if file.CreatedAt.IsZero() {
			file.CreatedAt = snapshot.CreatedAt
		}
		stored = append(stored, file)
	}

	storedChunks := make([]task.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		chunk.ExternalTaskKey = snapshot.ExternalTaskKey
		storedChunks = append(storedChunks, chunk)
	}

	s.snapshots[snapshot.ExternalTaskKey] = append(s.snapshots[snapshot.ExternalTaskKey], snapshot)
	s.files[snapshot.ID] = stored
	s.chunks[snapshot.ID] = storedChunks
	return snapshot, nil
}

// LatestSnapshot returns the newest snapshot for a task.
func (s *Store) LatestSnapshot(_ context.Context, externalTaskKey string) (task.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[externalTaskKey]
	if len(list) == 0 {
		return task.Snapshot{}, ErrSnapshotNotFound
	}
	return list[len(list)-1], nil
}

// SnapshotFiles lists the files belonging to one snapshot.
func (s *Store) SnapshotFiles(_ context.Context, snapshotID string) []task.SourceFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := s.files[snapshotID]
	copied := make([]task.SourceFile, len(files))
	copy(copied, files)
	return copied
}

// GetFile resolves one source file within a task.
func (s *Store) GetFile(_ context.Context, externalTaskKey, fileID string) (task.SourceFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snapshot := range s.snapshots[externalTaskKey] {
		for _, file := range s.files[snapshot.ID] {
			if file.ID == fileID {
				return file, nil
			}
		}
	}
	return task.SourceFile{}, ErrFileNotFound
}

// LatestChunks returns the chunks of the newest snapshot together with a
// lookup of their source files.
func (s *Store) LatestChunks(_ context.Context, externalTaskKey string) ([]task.Chunk, map[string]task.SourceFile) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[externalTaskKey]
	if len(list) == 0 {
		return nil, nil
	}
	snapshotID := list[len(list)-1].ID

	chunks := make([]task.Chunk, len(s.chunks[snapshotID]))
	copy(chunks, s.chunks[snapshotID])

	byID := make(map[string]task.SourceFile, len(s.files[snapshotID]))
	for _, file := range s.files[snapshotID] {
		byID[file.ID] = file
	}
	return chunks, byID
}
