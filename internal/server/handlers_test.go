package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/featcache/internal/cache"
	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/config"
	"github.com/hyperjump/featcache/internal/embedding"
	"github.com/hyperjump/featcache/internal/features"
	"github.com/hyperjump/featcache/internal/fileid"
	"github.com/hyperjump/featcache/internal/metrics"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/scoring"
	"github.com/hyperjump/featcache/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type mockFeatureService struct {
	keys    []string
	release bool
	result  features.PrecacheResult
	err     error
}

func (m *mockFeatureService) Precache(_ context.Context, keys []string, releaseAfter bool) (features.PrecacheResult, error) {
	m.keys = keys
	m.release = releaseAfter
	return m.result, m.err
}

func (m *mockFeatureService) Status() features.Status {
	return features.Status{Extractor: "vit", Backends: []string{"vit"}, Kind: "vit", Dimension: 4}
}

type mockScoreService struct {
	scores map[string]float64
	err    error
}

func (m *mockScoreService) Score(_ context.Context, model, key string) (scoring.Score, error) {
	if m.err != nil {
		return scoring.Score{}, m.err
	}
	return scoring.Score{Key: key, Model: model, Raw: m.scores[key], Normalized: m.scores[key]}, nil
}

func (m *mockScoreService) Models() ([]string, error) { return []string{"aesthetic"}, nil }

type mockClassifyService struct {
	probs map[string]classify.Probabilities
	err   error
}

func (m *mockClassifyService) Classify(_ context.Context, classifier, key string) (classify.Result, error) {
	if m.err != nil {
		return classify.Result{}, m.err
	}
	probs := m.probs[key]
	_, category, p := probs.MostLikely()
	return classify.Result{Key: key, Classifier: classifier, Category: category, Probability: p, Probabilities: probs}, nil
}

func (m *mockClassifyService) CategoryScores(_ context.Context, _, category string, keys []string) ([]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(keys))
	for i, key := range keys {
		out[i] = m.probs[key].Of(category)
	}
	return out, nil
}

func (m *mockClassifyService) Classifiers() ([]string, error) { return []string{"pets"}, nil }

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "scores.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlePrecache(t *testing.T) {
	feats := &mockFeatureService{result: features.PrecacheResult{Requested: 2, Computed: 2, Records: 2}}
	srv := NewServer(feats, nil, nil, &config.ServerConfig{}, zap.NewNop())

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/precache", `{"keys":["a.png","b.png"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out precacheResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID == "" {
		t.Error("expected a job id")
	}
	if out.Result.Computed != 2 {
		t.Errorf("computed: got %d, want 2", out.Result.Computed)
	}
	if len(feats.keys) != 2 || feats.keys[0] != "a.png" {
		t.Errorf("keys: got %v", feats.keys)
	}
}

func TestHandlePrecache_ReleaseAfter(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"default", `{"keys":["a.png"]}`, true},
		{"explicit true", `{"keys":["a.png"],"release_after":true}`, true},
		{"explicit false", `{"keys":["a.png"],"release_after":false}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feats := &mockFeatureService{}
			srv := NewServer(feats, nil, nil, &config.ServerConfig{}, zap.NewNop())
			w := do(t, srv.Router(), http.MethodPost, "/api/v1/precache", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
			}
			if feats.release != tt.want {
				t.Errorf("release_after: got %v, want %v", feats.release, tt.want)
			}
		})
	}
}

func TestHandlePrecache_ListsRoot(t *testing.T) {
	feats := &mockFeatureService{}
	srv := NewServer(feats, nil, nil, &config.ServerConfig{}, zap.NewNop(),
		WithKeyLister(func() ([]string, error) { return []string{"x.png"}, nil }))

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/precache", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(feats.keys) != 1 || feats.keys[0] != "x.png" {
		t.Errorf("keys: got %v", feats.keys)
	}
}

func TestHandlePrecache_NoKeys(t *testing.T) {
	srv := NewServer(&mockFeatureService{}, nil, nil, &config.ServerConfig{}, zap.NewNop())
	w := do(t, srv.Router(), http.MethodPost, "/api/v1/precache", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestHandlePrecache_PartialFailure(t *testing.T) {
	feats := &mockFeatureService{
		result: features.PrecacheResult{Requested: 2, Computed: 1, Records: 1},
		err:    os.ErrNotExist,
	}
	srv := NewServer(feats, nil, nil, &config.ServerConfig{}, zap.NewNop())
	w := do(t, srv.Router(), http.MethodPost, "/api/v1/precache", `{"keys":["a.png","gone.png"]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", w.Code)
	}
	var out precacheResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Result.Records != 1 || out.Error == "" {
		t.Errorf("expected partial result with error, got %+v", out)
	}
}

func writePNG(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, size, size))); err != nil {
		t.Fatal(err)
	}
}

func TestHandlePrecache_WithService(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "a.png"), 4)
	writePNG(t, filepath.Join(root, "sub", "b.png"), 6)

	rt := embedding.NewMockRuntime(embedding.ModelInfo{ProjectionDim: 4, NumHiddenStates: 2, FeatureDim: 4})
	adapter, err := embedding.NewFromIDs([]string{"vit"}, models.LayerSelector{}, rt)
	if err != nil {
		t.Fatal(err)
	}
	cacheDir := t.TempDir()
	store, err := features.OpenStore(cacheDir, adapter, cache.CompressionNone, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc, err := features.New(adapter, store, features.FileImageSource{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(svc, nil, nil, &config.ServerConfig{}, zap.NewNop(),
		WithKeyLister(func() ([]string, error) { return []string{"a.png", "sub/b.png"}, nil }),
		WithDiskUsage(cacheDir))
	h := srv.Router()

	w := do(t, h, http.MethodPost, "/api/v1/precache", `{"release_after":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var first precacheResponse
	if err := json.NewDecoder(w.Body).Decode(&first); err != nil {
		t.Fatal(err)
	}
	if first.Result.Computed != 2 || first.Result.Records != 2 {
		t.Errorf("first precache: got %+v", first.Result)
	}
	if rt.Closed("vit") != 1 {
		t.Errorf("release_after should unload the backend, closed %d times", rt.Closed("vit"))
	}

	w = do(t, h, http.MethodPost, "/api/v1/precache", `{}`)
	var second precacheResponse
	if err := json.NewDecoder(w.Body).Decode(&second); err != nil {
		t.Fatal(err)
	}
	if second.Result.Computed != 0 || second.Result.Skipped != 2 {
		t.Errorf("second precache: got %+v", second.Result)
	}

	w = do(t, h, http.MethodGet, "/api/v1/status", "")
	var status struct {
		Features       features.Status `json:"features"`
		DiskUsageBytes *int64          `json:"disk_usage_bytes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Features.Records != 2 {
		t.Errorf("records: got %d, want 2", status.Features.Records)
	}
	if status.DiskUsageBytes == nil || *status.DiskUsageBytes < 1 {
		t.Errorf("disk_usage_bytes: got %v", status.DiskUsageBytes)
	}
}

func TestHandleScore(t *testing.T) {
	scores := &mockScoreService{scores: map[string]float64{"a.png": 1.5, "b.png": 0.5}}
	srv := NewServer(&mockFeatureService{}, scores, nil, &config.ServerConfig{}, zap.NewNop(),
		WithDefaultModel("aesthetic"))

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/score", `{"keys":["a.png","b.png"],"threshold":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Model  string `json:"model"`
		Scores []struct {
			Key        string  `json:"key"`
			Normalized float64 `json:"normalized"`
			Passes     *bool   `json:"passes"`
		} `json:"scores"`
		Average float64 `json:"average"`
		Passed  *int    `json:"passed"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Model != "aesthetic" {
		t.Errorf("model: got %q", out.Model)
	}
	if len(out.Scores) != 2 {
		t.Fatalf("scores: got %d, want 2", len(out.Scores))
	}
	if out.Scores[0].Passes == nil || !*out.Scores[0].Passes {
		t.Error("a.png should pass")
	}
	if out.Scores[1].Passes == nil || *out.Scores[1].Passes {
		t.Error("b.png should not pass")
	}
	if out.Average != 1.0 {
		t.Errorf("average: got %v, want 1", out.Average)
	}
	if out.Passed == nil || *out.Passed != 1 {
		t.Errorf("passed: got %v, want 1", out.Passed)
	}
}

func TestHandleScore_Errors(t *testing.T) {
	tests := []struct {
		name   string
		scores ScoreService
		body   string
		want   int
	}{
		{"not configured", nil, `{"model":"m","keys":["a"]}`, http.StatusNotImplemented},
		{"no model", &mockScoreService{}, `{"keys":["a"]}`, http.StatusBadRequest},
		{"no keys", &mockScoreService{}, `{"model":"m"}`, http.StatusBadRequest},
		{"bad body", &mockScoreService{}, `{`, http.StatusBadRequest},
		{"mismatch", &mockScoreService{err: &models.IdentityMismatchError{Source: "m", Want: "a", Got: "b"}},
			`{"model":"m","keys":["a"]}`, http.StatusConflict},
		{"bad header", &mockScoreService{err: &models.HeaderError{Path: "m", Msg: "missing stdev"}},
			`{"model":"m","keys":["a"]}`, http.StatusUnprocessableEntity},
		{"missing model", &mockScoreService{err: os.ErrNotExist}, `{"model":"m","keys":["a"]}`, http.StatusNotFound},
		{"key outside root", &mockScoreService{err: fmt.Errorf("load image: %w", fileid.ErrOutsideRoot)},
			`{"model":"m","keys":["../a"]}`, http.StatusBadRequest},
		{"other", &mockScoreService{err: errors.New("boom")}, `{"model":"m","keys":["a"]}`, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var scores ScoreService
			if tt.scores != nil {
				scores = tt.scores
			}
			srv := NewServer(&mockFeatureService{}, scores, nil, &config.ServerConfig{}, zap.NewNop())
			w := do(t, srv.Router(), http.MethodPost, "/api/v1/score", tt.body)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d, body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleClassify(t *testing.T) {
	cls := &mockClassifyService{probs: map[string]classify.Probabilities{
		"a.png": {{Label: "cat", P: 0.9}, {Label: "dog", P: 0.1}},
		"b.png": {{Label: "cat", P: 0.2}, {Label: "dog", P: 0.8}},
	}}
	srv := NewServer(&mockFeatureService{}, nil, nil, &config.ServerConfig{}, zap.NewNop(), WithClassifier(cls))

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/classify", `{"classifier":"pets","keys":["a.png","b.png"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out classifyResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 2 || out.Results[0].Category != "cat" || out.Results[1].Category != "dog" {
		t.Errorf("results: %+v", out.Results)
	}

	w = do(t, srv.Router(), http.MethodPost, "/api/v1/classify", `{"classifier":"pets","keys":["a.png","b.png"],"category":"dog"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	out = classifyResponse{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Scores) != 2 || out.Scores[1] != 0.8 {
		t.Errorf("scores: %v", out.Scores)
	}
	if out.Text != " 10.00, 80.00" {
		t.Errorf("text: %q", out.Text)
	}

	w = do(t, srv.Router(), http.MethodGet, "/api/v1/classifiers", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pets") {
		t.Errorf("classifiers: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleClassify_Errors(t *testing.T) {
	tests := []struct {
		name string
		cls  ClassifyService
		body string
		want int
	}{
		{"not configured", nil, `{"classifier":"pets","keys":["a"]}`, http.StatusNotImplemented},
		{"no classifier", &mockClassifyService{}, `{"keys":["a"]}`, http.StatusBadRequest},
		{"no keys", &mockClassifyService{}, `{"classifier":"pets"}`, http.StatusBadRequest},
		{"missing image", &mockClassifyService{err: os.ErrNotExist}, `{"classifier":"pets","keys":["a"]}`, http.StatusNotFound},
		{"outside root", &mockClassifyService{err: fileid.ErrOutsideRoot}, `{"classifier":"pets","keys":["../a"],"category":"cat"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.cls != nil {
				opts = append(opts, WithClassifier(tt.cls))
			}
			srv := NewServer(&mockFeatureService{}, nil, nil, &config.ServerConfig{}, zap.NewNop(), opts...)
			w := do(t, srv.Router(), http.MethodPost, "/api/v1/classify", tt.body)
			if w.Code != tt.want {
				t.Errorf("status: got %d, want %d, body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleListScores(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for key, v := range map[string]float64{"a.png": 2, "b.png": 1, "c.png": -1} {
		if err := store.SaveScore(ctx, &models.ScoreRecord{ImageKey: key, Model: "aesthetic", Extractor: "vit", Raw: v, Normalized: v}); err != nil {
			t.Fatal(err)
		}
	}
	srv := NewServer(&mockFeatureService{}, nil, store, &config.ServerConfig{}, zap.NewNop())
	h := srv.Router()

	w := do(t, h, http.MethodGet, "/api/v1/scores?model=aesthetic&min_score=0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Scores  []models.ScoreRecord `json:"scores"`
		Summary *models.ScoreSummary `json:"summary"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Scores) != 2 || out.Scores[0].ImageKey != "a.png" {
		t.Errorf("scores: got %+v", out.Scores)
	}
	if out.Summary == nil || out.Summary.Count != 3 {
		t.Errorf("summary: got %+v", out.Summary)
	}

	w = do(t, h, http.MethodGet, "/api/v1/scores?limit=1&offset=1", "")
	out.Scores = nil
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Scores) != 1 || out.Scores[0].ImageKey != "b.png" {
		t.Errorf("paged scores: got %+v", out.Scores)
	}

	for _, q := range []string{"limit=x", "offset=-1", "min_score=high"} {
		w = do(t, h, http.MethodGet, "/api/v1/scores?"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, w.Code)
		}
	}
}

func TestHandleStatus(t *testing.T) {
	store := newTestStorage(t)
	if err := store.SaveScore(context.Background(), &models.ScoreRecord{ImageKey: "a.png", Model: "aesthetic", Normalized: 1}); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(&mockFeatureService{}, &mockScoreService{}, store, &config.ServerConfig{}, zap.NewNop())
	w := do(t, srv.Router(), http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Features    features.Status       `json:"features"`
		Scores      []models.ScoreSummary `json:"scores"`
		ScoreModels []string              `json:"score_models"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Features.Extractor != "vit" {
		t.Errorf("extractor: got %q", out.Features.Extractor)
	}
	if len(out.Scores) != 1 || out.Scores[0].Count != 1 {
		t.Errorf("scores: got %+v", out.Scores)
	}
	if len(out.ScoreModels) != 1 {
		t.Errorf("score_models: got %v", out.ScoreModels)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(&mockFeatureService{}, nil, nil, &config.ServerConfig{}, zap.NewNop(),
		WithMetrics(metrics.New(reg), reg))
	h := srv.Router()

	if w := do(t, h, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health: got %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `featcache_http_requests_total{method="GET",path="/health",status="200"} 1`) {
		t.Errorf("missing request counter in:\n%s", body)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(&mockFeatureService{}, nil, nil, &config.ServerConfig{}, zap.NewNop())
	w := do(t, srv.Router(), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ok"`)) {
		t.Errorf("body: %s", w.Body.String())
	}
}
