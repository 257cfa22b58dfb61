package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/hyperjump/featcache/internal/classify"
	"github.com/hyperjump/featcache/internal/features"
	"github.com/hyperjump/featcache/internal/fileid"
	"github.com/hyperjump/featcache/internal/models"
	"github.com/hyperjump/featcache/internal/scoring"
	"github.com/hyperjump/featcache/internal/storage"
	"go.uber.org/zap"
)

const defaultListLimit = 50

type precacheRequest struct {
	Keys         []string `json:"keys"`
	ReleaseAfter *bool    `json:"release_after,omitempty"`
}

// releaseAfter defaults to true when the field is absent.
func (r precacheRequest) releaseAfter() bool {
	return r.ReleaseAfter == nil || *r.ReleaseAfter
}

type precacheResponse struct {
	JobID  string                  `json:"job_id"`
	Result features.PrecacheResult `json:"result"`
	Error  string                  `json:"error,omitempty"`
}

func (s *Server) handlePrecache(w http.ResponseWriter, r *http.Request) {
	var req precacheRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	keys := req.Keys
	if len(keys) == 0 {
		if s.keys == nil {
			s.respondError(w, http.StatusBadRequest, "keys are required")
			return
		}
		var err error
		keys, err = s.keys()
		if err != nil {
			s.logger.Error("precache: list images failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	jobID := uuid.NewString()
	s.logger.Debug("precache request",
		zap.String("job_id", jobID),
		zap.Int("keys", len(keys)),
		zap.Bool("release_after", req.releaseAfter()))

	res, err := s.features.Precache(r.Context(), keys, req.releaseAfter())
	resp := precacheResponse{JobID: jobID, Result: res}
	if err != nil {
		s.logger.Error("precache failed", zap.String("job_id", jobID), zap.Error(err))
		resp.Error = err.Error()
		s.respondJSON(w, errorStatus(err), resp)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type scoreRequest struct {
	Model     string   `json:"model"`
	Keys      []string `json:"keys"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type scoreEntry struct {
	scoring.Score
	Passes *bool `json:"passes,omitempty"`
}

type scoreResponse struct {
	JobID   string       `json:"job_id"`
	Model   string       `json:"model"`
	Scores  []scoreEntry `json:"scores"`
	Average float64      `json:"average"`
	Passed  *int         `json:"passed,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.scores == nil {
		s.respondError(w, http.StatusNotImplemented, "scoring not configured")
		return
	}
	var req scoreRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.Model == "" {
		s.respondError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Keys) == 0 {
		s.respondError(w, http.StatusBadRequest, "keys are required")
		return
	}
	resp := scoreResponse{JobID: uuid.NewString(), Model: req.Model, Scores: make([]scoreEntry, 0, len(req.Keys))}
	s.logger.Debug("score request",
		zap.String("job_id", resp.JobID),
		zap.String("model", req.Model),
		zap.Int("keys", len(req.Keys)))

	var avg scoring.RunningAverage
	passed := 0
	for _, key := range req.Keys {
		score, err := s.scores.Score(r.Context(), req.Model, key)
		if err != nil {
			s.logger.Error("scoring failed", zap.String("model", req.Model), zap.String("key", key), zap.Error(err))
			s.respondError(w, errorStatus(err), err.Error())
			return
		}
		entry := scoreEntry{Score: score}
		if req.Threshold != nil {
			ok := scoring.Passes(score.Normalized, *req.Threshold)
			entry.Passes = &ok
			if ok {
				passed++
			}
		}
		avg.Add(score.Normalized)
		resp.Scores = append(resp.Scores, entry)
	}
	resp.Average = avg.Average()
	if req.Threshold != nil {
		resp.Passed = &passed
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListScores(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		s.respondError(w, http.StatusNotImplemented, "score storage not configured")
		return
	}
	q := r.URL.Query()
	opts := storage.ListOptions{Model: q.Get("model"), Limit: defaultListLimit}
	if v := q.Get("min_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid min_score")
			return
		}
		opts.MinScore = &f
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.respondError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	recs, err := s.storage.ListScores(r.Context(), opts)
	if err != nil {
		s.logger.Error("list scores failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*models.ScoreRecord{}
	}
	resp := map[string]interface{}{"scores": recs}
	if opts.Model != "" {
		summary, err := s.storage.AverageScore(r.Context(), opts.Model)
		if err != nil {
			s.logger.Error("average score failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["summary"] = summary
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"features": s.features.Status(),
	}
	if s.storage != nil {
		summaries, err := s.storage.Summaries(r.Context())
		if err != nil {
			s.logger.Error("status: score summaries failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if summaries == nil {
			summaries = []*models.ScoreSummary{}
		}
		resp["scores"] = summaries
	}
	if s.scores != nil {
		names, err := s.scores.Models()
		if err != nil {
			s.logger.Warn("status: list score models failed", zap.Error(err))
		} else {
			resp["score_models"] = names
		}
	}
	if len(s.diskPaths) > 0 {
		if n, err := storage.DiskUsageBytes(s.diskPaths...); err == nil {
			resp["disk_usage_bytes"] = n
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// decodeBody accepts an empty body as the zero request.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type classifyRequest struct {
	Classifier string   `json:"classifier"`
	Keys       []string `json:"keys"`
	// Category switches the response to the probability of that category per key.
	Category string `json:"category,omitempty"`
}

type classifyResponse struct {
	JobID      string            `json:"job_id"`
	Classifier string            `json:"classifier"`
	Results    []classify.Result `json:"results,omitempty"`
	Category   string            `json:"category,omitempty"`
	Scores     []float64         `json:"scores,omitempty"`
	Text       string            `json:"text,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.respondError(w, http.StatusNotImplemented, "classification not configured")
		return
	}
	var req classifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Classifier == "" {
		s.respondError(w, http.StatusBadRequest, "classifier is required")
		return
	}
	if len(req.Keys) == 0 {
		s.respondError(w, http.StatusBadRequest, "keys are required")
		return
	}
	resp := classifyResponse{JobID: uuid.NewString(), Classifier: req.Classifier}
	s.logger.Debug("classify request",
		zap.String("job_id", resp.JobID),
		zap.String("classifier", req.Classifier),
		zap.String("category", req.Category),
		zap.Int("keys", len(req.Keys)))

	if req.Category != "" {
		scores, err := s.classifier.CategoryScores(r.Context(), req.Classifier, req.Category, req.Keys)
		if err != nil {
			s.logger.Error("category scoring failed", zap.String("classifier", req.Classifier), zap.Error(err))
			s.respondError(w, errorStatus(err), err.Error())
			return
		}
		resp.Category = req.Category
		resp.Scores = scores
		resp.Text = classify.FormatPercents(scores)
		s.respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.Results = make([]classify.Result, 0, len(req.Keys))
	for _, key := range req.Keys {
		res, err := s.classifier.Classify(r.Context(), req.Classifier, key)
		if err != nil {
			s.logger.Error("classification failed", zap.String("classifier", req.Classifier), zap.String("key", key), zap.Error(err))
			s.respondError(w, errorStatus(err), err.Error())
			return
		}
		resp.Results = append(resp.Results, res)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListClassifiers(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		s.respondError(w, http.StatusNotImplemented, "classification not configured")
		return
	}
	names, err := s.classifier.Classifiers()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string][]string{"classifiers": names})
}

func errorStatus(err error) int {
	switch {
	case models.IsIdentityMismatch(err):
		return http.StatusConflict
	case models.IsConfiguration(err), models.IsHeader(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fileid.ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
