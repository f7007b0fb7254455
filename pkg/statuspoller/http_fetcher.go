package statuspoller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"printframe/internal/servicetoken"
	"printframe/pkg/domain"
)

// APIError is a non-2xx answer from the pipeline service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// HTTPFetcher talks to the pipeline service's batch endpoints.
type HTTPFetcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPFetcher builds a fetcher for baseURL; token may be empty when auth is disabled.
func NewHTTPFetcher(baseURL, token string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchStatus reads GET /batches/{id}/status.
func (f *HTTPFetcher) FetchStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error) {
	var agg domain.AggregateStatus
	err := f.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/status", &agg)
	return agg, err
}

// Dispatch calls POST /batches/{id}/dispatch.
func (f *HTTPFetcher) Dispatch(ctx context.Context, batchID string) (domain.DispatchResult, error) {
	var res domain.DispatchResult
	err := f.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(batchID)+"/dispatch", &res)
	return res, err
}

func (f *HTTPFetcher) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, nil)
	if err != nil {
		return err
	}
	servicetoken.SetBearer(req, f.token)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
