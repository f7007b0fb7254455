package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"

	"printframe/internal/servicetoken"
	"printframe/pkg/compositor"
	"printframe/pkg/domain"
	"printframe/pkg/storage"
	"printframe/pkg/store"
	"printframe/services/pipeline/internal/app"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "server.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	st, err := store.NewGormStoreWithDialector(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	objects, err := storage.NewFileStore(filepath.Join(t.TempDir(), "objects"), "http://files.test")
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	redisSrv := miniredis.RunT(t)
	a, err := app.New(app.Config{
		Store:              st,
		Objects:            objects,
		RedisAddr:          redisSrv.Addr(),
		QueueConcurrency:   2,
		QueueBlock:         10 * time.Millisecond,
		QueueRetryDelay:    time.Millisecond,
		QueueMaxRetryDelay: 5 * time.Millisecond,
		Composer: compositor.New(compositor.Layout{
			LongEdge:    100,
			ShortEdge:   80,
			OuterMargin: 0.08,
			MatRatio:    0.06,
			MatDarken:   0.7,
			JPEGQuality: 90,
		}),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.App == nil {
		cfg.App = newTestApp(t)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 180, G: 90, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func upload(t *testing.T, baseURL, batchID string, data []byte, crop string) (domain.Image, int) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "photo.jpg")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if crop != "" {
		if err := mw.WriteField("crop", crop); err != nil {
			t.Fatalf("write crop: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	resp, err := http.Post(baseURL+"/batches/"+batchID+"/images", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	var img domain.Image
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
			t.Fatalf("decode image: %v", err)
		}
	}
	return img, resp.StatusCode
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, Config{StatusRateLimitPerMinute: 10000})

	var batch domain.Batch
	if code := doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": "owner-1"}, &batch); code != http.StatusCreated {
		t.Fatalf("create batch: status %d", code)
	}
	first, code := upload(t, ts.URL, batch.ID, testJPEG(t, 60, 40), "")
	if code != http.StatusCreated {
		t.Fatalf("upload first: status %d", code)
	}
	if first.Status != domain.StatusPending || first.OriginalURL != storage.Key("owner-1", batch.ID, first.ID, storage.StageOriginal) {
		t.Fatalf("unexpected uploaded image %+v", first)
	}
	if _, code := upload(t, ts.URL, batch.ID, testJPEG(t, 60, 40), `{"x":0,"y":0,"width":30,"height":40}`); code != http.StatusCreated {
		t.Fatalf("upload second: status %d", code)
	}

	var res domain.DispatchResult
	if code := doJSON(t, http.MethodPost, ts.URL+"/batches/"+batch.ID+"/dispatch", nil, &res); code != http.StatusOK {
		t.Fatalf("dispatch: status %d", code)
	}
	if !res.Success || res.ProcessedCount != 2 || len(res.Errors) != 0 {
		t.Fatalf("unexpected dispatch result %+v", res)
	}

	deadline := time.Now().Add(10 * time.Second)
	var agg domain.AggregateStatus
	for {
		if code := doJSON(t, http.MethodGet, ts.URL+"/batches/"+batch.ID+"/status", nil, &agg); code != http.StatusOK {
			t.Fatalf("status: %d", code)
		}
		if agg.IsComplete {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch did not complete: %+v", agg)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if agg.Completed != 2 || agg.Progress != 100 {
		t.Fatalf("unexpected aggregate %+v", agg)
	}

	var img domain.Image
	if code := doJSON(t, http.MethodGet, ts.URL+"/images/"+first.ID, nil, &img); code != http.StatusOK {
		t.Fatalf("get image: %d", code)
	}
	wantURL := "http://files.test/" + storage.Key("owner-1", batch.ID, first.ID, storage.StageFramed)
	if img.ProcessedURL != wantURL {
		t.Fatalf("processedUrl = %q, want %q", img.ProcessedURL, wantURL)
	}

	resp, err := http.Get(ts.URL + "/batches/" + batch.ID + "/download")
	if err != nil {
		t.Fatalf("download zip: %v", err)
	}
	var zipBody bytes.Buffer
	_, _ = zipBody.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("download zip: status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	zr, err := zip.NewReader(bytes.NewReader(zipBody.Bytes()), int64(zipBody.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 prints in zip, got %d", len(zr.File))
	}

	resp, err = http.Get(ts.URL + "/batches/" + batch.ID + "/download?format=pdf")
	if err != nil {
		t.Fatalf("download pdf: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/pdf" {
		t.Fatalf("download pdf: status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	var apiErr map[string]string
	if code := doJSON(t, http.MethodPost, ts.URL+"/images/"+first.ID+"/resubmit", nil, &apiErr); code != http.StatusConflict {
		t.Fatalf("resubmit completed image: status %d", code)
	}
	if apiErr["error"] == "" {
		t.Fatalf("expected error envelope, got %+v", apiErr)
	}

	if code := doJSON(t, http.MethodDelete, ts.URL+"/batches/"+batch.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete batch: %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/batches/"+batch.ID+"/status", nil, nil); code != http.StatusNotFound {
		t.Fatalf("status after delete: %d", code)
	}
}

func TestValidationErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	if code := doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": ""}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty owner: status %d", code)
	}
	var batch domain.Batch
	doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": "owner-1"}, &batch)

	badCrop := map[string]any{"sourceUri": "https://img.test/a.jpg", "crop": map[string]int{"x": 0, "y": 0, "width": 0, "height": 10}}
	if code := doJSON(t, http.MethodPost, ts.URL+"/batches/"+batch.ID+"/images", badCrop, nil); code != http.StatusBadRequest {
		t.Fatalf("zero-width crop: status %d", code)
	}
	if _, code := upload(t, ts.URL, batch.ID, []byte("not an image"), ""); code != http.StatusBadRequest {
		t.Fatalf("garbage upload: status %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/batches/missing/images", map[string]string{"sourceUri": "k"}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown batch: status %d", code)
	}
	if code := doJSON(t, http.MethodPost, ts.URL+"/batches/missing/dispatch", nil, nil); code != http.StatusNotFound {
		t.Fatalf("dispatch unknown batch: status %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/batches/"+batch.ID+"/download", nil, nil); code != http.StatusConflict {
		t.Fatalf("download without prints: status %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/images/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown image: status %d", code)
	}
	if code := doJSON(t, http.MethodPut, ts.URL+"/batches", nil, nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT /batches: status %d", code)
	}
}

func TestUploadRejectsCropOutsideImage(t *testing.T) {
	ts := newTestServer(t, Config{})
	var batch domain.Batch
	doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": "owner-1"}, &batch)

	data := testJPEG(t, 40, 40)
	if _, code := upload(t, ts.URL, batch.ID, data, `{"x":30,"y":0,"width":50,"height":10}`); code != http.StatusBadRequest {
		t.Fatalf("crop past right edge: status %d", code)
	}
	if _, code := upload(t, ts.URL, batch.ID, data, `{"x":0,"y":35,"width":10,"height":6}`); code != http.StatusBadRequest {
		t.Fatalf("crop past bottom edge: status %d", code)
	}
	var listed struct {
		Count int `json:"count"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/batches/"+batch.ID+"/images", nil, &listed); code != http.StatusOK || listed.Count != 0 {
		t.Fatalf("rejected uploads must not be registered: status %d count %d", code, listed.Count)
	}

	img, code := upload(t, ts.URL, batch.ID, data, `{"x":30,"y":0,"width":10,"height":40}`)
	if code != http.StatusCreated || img.Status != domain.StatusPending {
		t.Fatalf("crop touching the edges: status %d image %+v", code, img)
	}
}

func TestStatusRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{StatusRateLimitPerMinute: 2})
	var batch domain.Batch
	doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": "owner-1"}, &batch)

	for i := 0; i < 2; i++ {
		if code := doJSON(t, http.MethodGet, ts.URL+"/batches/"+batch.ID+"/status", nil, nil); code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, code)
		}
	}
	resp, err := http.Get(ts.URL + "/batches/" + batch.ID + "/status")
	if err != nil {
		t.Fatalf("third request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestInternalTokenRequired(t *testing.T) {
	tokens, err := servicetoken.NewManager(servicetoken.Options{Secret: "0123456789abcdef0123456789abcdef", Issuer: "printframe"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ts := newTestServer(t, Config{Tokens: tokens})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should stay public, got %d", resp.StatusCode)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/batches", map[string]string{"ownerId": "owner-1"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", code)
	}

	token, err := tokens.Issue("printframectl")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/batches", bytes.NewReader([]byte(`{"ownerId":"owner-1"}`)))
	servicetoken.SetBearer(req, token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("authorized request expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}
