package task

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
	syncservice "github.com/qiuhaotian/taskdeck/internal/service/sync"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
	"github.com/qiuhaotian/taskdeck/pkg/utils"
)

// Handler serves the task sync, summary, sources and download-link routes.
type Handler struct {
	store         *taskstore.Store
	syncSvc       *syncservice.Service
	signedURLBase string
	signedURLTTL  time.Duration
	signingKey    []byte
}

// New creates the task handler. signingKey signs download links; the base
// and TTL shape the produced URLs.
func New(store *taskstore.Store, syncSvc *syncservice.Service, signedURLBase string, signedURLTTL time.Duration, signingKey []byte) *Handler {
	if signedURLTTL <= 0 {
		signedURLTTL = 10 * time.Minute
	}
	return &Handler{
		store:         store,
		syncSvc:       syncSvc,
		signedURLBase: signedURLBase,
		signedURLTTL:  signedURLTTL,
		signingKey:    signingKey,
	}
}

// RegisterRoutes mounts the task routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/tasks/{externalTaskKey}", func(r chi.Router) {
		r.Post("/sync", h.handleSync)
		r.Get("/summary", h.handleSummary)
		r.Get("/sources", h.handleSources)
		r.Get("/files/{fileID}/signed-url", h.handleSignedURL)
	})
}

// requireTask validates the key and resolves the task, writing the HTTP
// error itself when either fails.
func (h *Handler) requireTask(w http.ResponseWriter, r *http.Request) (taskmodel.Task, bool) {
	key := chi.URLParam(r, "externalTaskKey")
	if _, _, _, err := taskmodel.ParseExternalTaskKey(key); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid externalTaskKey")
		return taskmodel.Task{}, false
	}

	record, err := h.store.GetTask(r.Context(), key)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			utils.RespondError(w, http.StatusNotFound, "task not found")
		} else {
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return taskmodel.Task{}, false
	}
	return record, true
}

type syncRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	record, ok := h.requireTask(w, r)
	if !ok {
		return
	}

	var payload syncRequest
	if r.Body != nil {
		// Absent or empty body means a default (non-forced) sync.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	resp, err := h.syncSvc.Trigger(r.Context(), record.ExternalTaskKey, payload.Force)
	if err != nil {
		if errors.Is(err, syncservice.ErrFetcherUnavailable) {
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	record, ok := h.requireTask(w, r)
	if !ok {
		return
	}

	resp := taskmodel.SummaryResponse{
		ExternalTaskKey: record.ExternalTaskKey,
		Status:          record.Status,
		UpdatedAt:       &record.UpdatedAt,
		SyncStatus:      record.SyncStatus,
		SyncStartedAt:   record.SyncStartedAt,
		SyncCompletedAt: record.SyncCompletedAt,
		SyncError:       record.SyncError,
	}

	if snapshot, err := h.store.LatestSnapshot(r.Context(), record.ExternalTaskKey); err == nil {
		resp.SnapshotVersion = snapshot.Version
		resp.TaskContext = snapshot.TaskContext
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSources(w http.ResponseWriter, r *http.Request) {
	record, ok := h.requireTask(w, r)
	if !ok {
		return
	}

	resp := taskmodel.SourcesResponse{Files: []taskmodel.SourceFile{}}
	if snapshot, err := h.store.LatestSnapshot(r.Context(), record.ExternalTaskKey); err == nil {
		resp.SnapshotVersion = snapshot.Version
		resp.Files = h.store.SnapshotFiles(r.Context(), snapshot.ID)
	}

	utils.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	record, ok := h.requireTask(w, r)
	if !ok {
		return
	}

	fileID := chi.URLParam(r, "fileID")
	file, err := h.store.GetFile(r.Context(), record.ExternalTaskKey, fileID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "file not found")
		return
	}

	expiresAt := time.Now().UTC().Add(h.signedURLTTL)
	signed := h.signDownload(file.ID, expiresAt)

	utils.RespondJSON(w, http.StatusOK, taskmodel.SignedURLResponse{
		URL:       signed,
		ExpiresAt: expiresAt,
	})
}

// signDownload builds {base}/{fileID}?expires=...&sig=... with an HMAC over
// the file identity and expiry.
func (h *Handler) signDownload(fileID string, expiresAt time.Time) string {
	expires := fmt.Sprintf("%d", expiresAt.Unix())

	mac := hmac.New(sha256.New, h.signingKey)
	mac.Write([]byte(fileID + "|" + expires))
	sig := hex.EncodeToString(mac.Sum(nil))

	query := url.Values{}
	query.Set("expires", expires)
	query.Set("sig", sig)
	return fmt.Sprintf("%s/%s?%s", h.signedURLBase, url.PathEscape(fileID), query.Encode())
}
