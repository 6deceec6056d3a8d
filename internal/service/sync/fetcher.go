package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// StaticFetcher serves pre-registered item payloads. Used for local seeding
// and tests.
type StaticFetcher struct {
	items map[string]ItemPayload
}

// NewStaticFetcher builds a fetcher over a fixed payload set.
func NewStaticFetcher(items map[string]ItemPayload) *StaticFetcher {
	if items == nil {
		items = make(map[string]ItemPayload)
	}
	return &StaticFetcher{items: items}
}

// Register adds or replaces the payload for a task key.
func (f *StaticFetcher) Register(externalTaskKey string, payload ItemPayload) {
	f.items[externalTaskKey] = payload
}

// FetchItem returns the registered payload for the key.
func (f *StaticFetcher) FetchItem(_ context.Context, externalTaskKey string) (ItemPayload, error) {
	payload, ok := f.items[externalTaskKey]
	if !ok {
		return ItemPayload{}, fmt.Errorf("no source registered for task %s", externalTaskKey)
	}
	return payload, nil
}

// HTTPFetcher pulls item payloads from the upstream source system.
type HTTPFetcher struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewHTTPFetcher builds a fetcher against the upstream base URL.
func NewHTTPFetcher(baseURL, accessToken string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchItem requests GET {base}/items/{key} and decodes the payload.
func (f *HTTPFetcher) FetchItem(ctx context.Context, externalTaskKey string) (ItemPayload, error) {
	endpoint := fmt.Sprintf("%s/items/%s", f.baseURL, url.PathEscape(externalTaskKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ItemPayload{}, fmt.Errorf("build source request: %w", err)
	}
	if f.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.accessToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return ItemPayload{}, fmt.Errorf("fetch source item: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ItemPayload{}, fmt.Errorf("source responded with status %d", resp.StatusCode)
	}

	var payload ItemPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ItemPayload{}, fmt.Errorf("decode source payload: %w", err)
	}
	return payload, nil
}
