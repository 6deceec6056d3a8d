package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
)

var ErrFetcherUnavailable = errors.New("no source fetcher configured")

// SourceDocument is one document attached to the remote item.
type SourceDocument struct {
	Kind            string       `json:"kind"`
	Filename        string       `json:"filename"`
	MimeType        string       `json:"mimeType,omitempty"`
	SizeBytes       int64        `json:"sizeBytes,omitempty"`
	ExternalAssetID string       `json:"externalAssetId,omitempty"`
	Pages           []SourcePage `json:"pages"`
}

// SourcePage is a page- or section-scoped slice of document text.
type SourcePage struct {
	Page    int    `json:"page,omitempty"`
	Section string `json:"section,omitempty"`
	Text    string `json:"text"`
}

// ItemPayload is everything fetched from the remote system in one sync.
type ItemPayload struct {
	Context   map[string]any   `json:"context,omitempty"`
	Documents []SourceDocument `json:"documents"`
}

// SourceFetcher pulls the remote item state. Fetch errors fail the sync run;
// they are never retried here.
type SourceFetcher interface {
	FetchItem(ctx context.Context, externalTaskKey string) (ItemPayload, error)
}

// Service drives the re-sync pipeline: fetch remote sources, fingerprint
// them, and publish a fresh snapshot. Trigger returns immediately; the
// pipeline always runs in the background.
type Service struct {
	store         *taskstore.Store
	fetcher       SourceFetcher
	maxChunkChars int
}

// NewService wires the pipeline to its store and fetcher.
func NewService(store *taskstore.Store, fetcher SourceFetcher, maxChunkChars int) *Service {
	if maxChunkChars < 1 {
		maxChunkChars = 1200
	}
	return &Service{store: store, fetcher: fetcher, maxChunkChars: maxChunkChars}
}

// Trigger starts a background sync for the task. A run already in flight is
// reported as already_syncing and not duplicated.
func (s *Service) Trigger(ctx context.Context, externalTaskKey string, force bool) (taskmodel.SyncResponse, error) {
	if s.fetcher == nil {
		return taskmodel.SyncResponse{}, ErrFetcherUnavailable
	}

	started, err := s.store.MarkSyncStarted(ctx, externalTaskKey)
	if err != nil {
		return taskmodel.SyncResponse{}, err
	}
	if !started {
		version := ""
		if snapshot, err := s.store.LatestSnapshot(ctx, externalTaskKey); err == nil {
			version = snapshot.Version
		}
		return taskmodel.SyncResponse{Status: "already_syncing", SnapshotVersion: version}, nil
	}

	// Detached from the request context: a dropped trigger request must not
	// kill the pipeline mid-ingest.
	go s.runPipeline(context.Background(), externalTaskKey, force)

	return taskmodel.SyncResponse{Status: "queued"}, nil
}

func (s *Service) runPipeline(ctx context.Context, externalTaskKey string, force bool) {
	if err := s.syncOnce(ctx, externalTaskKey, force); err != nil {
		log.Printf("[sync] pipeline failed for task=%s: %v", externalTaskKey, err)
		if markErr := s.store.MarkSyncFailed(ctx, externalTaskKey, err.Error()); markErr != nil {
			log.Printf("[sync] failed to record failure for task=%s: %v", externalTaskKey, markErr)
		}
		return
	}

	if err := s.store.MarkSyncCompleted(ctx, externalTaskKey); err != nil {
		log.Printf("[sync] failed to record completion for task=%s: %v", externalTaskKey, err)
	}
}

func (s *Service) syncOnce(ctx context.Context, externalTaskKey string, force bool) error {
	payload, err := s.fetcher.FetchItem(ctx, externalTaskKey)
	if err != nil {
		return fmt.Errorf("fetch remote item: %w", err)
	}

	version := fingerprint(externalTaskKey, payload.Documents)

	if !force {
		if latest, err := s.store.LatestSnapshot(ctx, externalTaskKey); err == nil && latest.Version == version {
			log.Printf("[sync] task=%s unchanged at version=%s, skipping ingest", externalTaskKey, version)
			return nil
		}
	}

	files := make([]taskmodel.SourceFile, 0, len(payload.Documents))
	chunks := make([]taskmodel.Chunk, 0)
	for _, doc := range payload.Documents {
		file := taskmodel.SourceFile{
			ID:               newFileID(externalTaskKey, doc),
			Kind:             doc.Kind,
			OriginalFilename: doc.Filename,
			MimeType:         doc.MimeType,
			SizeBytes:        doc.SizeBytes,
			ExternalAssetID:  doc.ExternalAssetID,
		}
		files = append(files, file)

		for _, page := range doc.Pages {
			for _, text := range splitChunks(page.Text, s.maxChunkChars) {
				chunks = append(chunks, taskmodel.Chunk{
					FileID:  file.ID,
					Page:    page.Page,
					Section: page.Section,
					Text:    text,
				})
			}
		}
	}

	snapshot := taskmodel.Snapshot{
		ExternalTaskKey: externalTaskKey,
		Version:         version,
		TaskContext:     payload.Context,
	}
	if _, err := s.store.AddSnapshot(ctx, snapshot, files, chunks); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	log.Printf("[sync] task=%s published snapshot version=%s files=%d chunks=%d",
		externalTaskKey, version, len(files), len(chunks))
	return nil
}

// fingerprint derives the opaque snapshot version from the identity of the
// fetched sources. Equal source sets yield equal versions.
func fingerprint(externalTaskKey string, docs []SourceDocument) string {
	identities := make([]string, 0, len(docs))
	for _, doc := range docs {
		identities = append(identities, fmt.Sprintf("%s|%s|%s|%d", doc.ExternalAssetID, doc.Filename, doc.Kind, doc.SizeBytes))
	}
	sort.Strings(identities)

	h := sha256.New()
	h.Write([]byte(externalTaskKey))
	for _, id := range identities {
		h.Write([]byte("\n"))
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// newFileID keeps file identity stable across snapshots of the same source.
func newFileID(externalTaskKey string, doc SourceDocument) string {
	h := sha256.Sum256([]byte(externalTaskKey + "|" + doc.ExternalAssetID + "|" + doc.Filename))
	return hex.EncodeToString(h[:])[:16]
}

// splitChunks breaks text on paragraph boundaries, packing paragraphs until
// the character budget is reached. Oversized single paragraphs are emitted
// whole rather than cut mid-sentence.
func splitChunks(text string, maxChars int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if len(trimmed) <= maxChars {
		return []string{trimmed}
	}

	paragraphs := strings.Split(trimmed, "\n\n")
	chunks := make([]string, 0, len(paragraphs))
	var current strings.Builder
	for _, paragraph := range paragraphs {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(paragraph)+2 > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(paragraph)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
