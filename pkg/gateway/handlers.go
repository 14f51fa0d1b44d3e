package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/infra/store"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/pipeline"
)

const (
	defaultLogLimit  = 50
	defaultGameLimit = 10

	defaultPredictionLimit = 10
)

type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

type BatchRequest struct {
	Requests []pipeline.Input `json:"requests"`
}

type BatchResponse struct {
	Results    []pipeline.Result `json:"results"`
	Total      int               `json:"total"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
}

type OptimizeRequest struct {
	Memory bool `json:"memory"`
}

type OptimizeResponse struct {
	Summary     string                  `json:"summary"`
	Memory      *optimizer.MemoryReport `json:"memory,omitempty"`
	Predictions []optimizer.Prediction  `json:"predictions,omitempty"`
}

type ModelInfo struct {
	offline.Descriptor
	Metrics offline.ModelMetrics `json:"metrics"`
}

type LogsResponse struct {
	Records []store.LogRecord `json:"records"`
	Stats   store.LogStats    `json:"stats"`
}

// GamesResponse describes the game metadata cache.
type GamesResponse struct {
	Popular []string    `json:"popular"`
	Stats   cache.Stats `json:"stats"`
	Report  string      `json:"report"`
}

type HealthResponse struct {
	Status     string   `json:"status"`
	Components []string `json:"components"`
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, resp Response) {
	if id := logger.GetRequestID(r.Context()); id != "" {
		resp.Meta = &Meta{RequestID: id}
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil && s.logger != nil {
		s.logger.Warn("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, data any) {
	s.writeJSON(w, r, http.StatusOK, Response{Success: true, Data: data})
}

// writeError answers with err's mapped status. data, when set, carries a
// partial result alongside the error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, data any) {
	info, status := ToErrorInfo(err)
	s.writeJSON(w, r, status, Response{Success: false, Data: data, Error: info})
}

// decode reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return true
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := fmt.Sprintf("invalid JSON body: %v", err)
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
		}
		s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest, msg), nil)
		return false
	}
	return true
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.config.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, HealthResponse{Status: "healthy", Components: s.pipeline.Components()})
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var in pipeline.Input
	if !s.decode(w, r, &in, false) {
		return
	}
	req, err := in.Request()
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	res, err := s.pipeline.ProcessRequest(ctx, req)
	if err != nil {
		s.writeError(w, r, err, res)
		return
	}
	s.writeData(w, r, res)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchRequest
	if !s.decode(w, r, &body, false) {
		return
	}
	if len(body.Requests) == 0 {
		s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest, "requests is empty"), nil)
		return
	}
	if len(body.Requests) > s.config.MaxBatchSize {
		s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest,
			fmt.Sprintf("batch of %d exceeds the limit of %d", len(body.Requests), s.config.MaxBatchSize)), nil)
		return
	}

	reqs := make([]pipeline.Request, len(body.Requests))
	for i, in := range body.Requests {
		req, err := in.Request()
		if err != nil {
			s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest, fmt.Sprintf("requests[%d]: %v", i, err)), nil)
			return
		}
		reqs[i] = req
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	results, err := s.pipeline.ProcessBatch(ctx, reqs)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	resp := BatchResponse{Results: results, Total: len(results)}
	for _, res := range results {
		if res.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	s.writeData(w, r, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeData(w, r, s.pipeline.Stats())
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.pipeline.ResetStats()
	s.writeData(w, r, s.pipeline.Stats())
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var body OptimizeRequest
	if !s.decode(w, r, &body, true) {
		return
	}
	resp := OptimizeResponse{Summary: s.pipeline.AutoOptimize()}
	if o := s.pipeline.Optimizer(); o != nil {
		if body.Memory {
			report := o.OptimizeMemoryUsage()
			resp.Memory = &report
		}
		resp.Predictions = o.Predictions(defaultPredictionLimit)
	}
	s.writeData(w, r, resp)
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	out := []backend.Metrics{}
	if m := s.pipeline.Backends(); m != nil {
		out = m.Metrics()
	}
	s.writeData(w, r, out)
}

func (s *Server) offlineManager(w http.ResponseWriter, r *http.Request) (*offline.Manager, bool) {
	m := s.pipeline.Offline()
	if m == nil {
		s.writeError(w, r, NewErrorInfo(ErrCodeUnavailable, "offline fallback is disabled"), nil)
		return nil, false
	}
	return m, true
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	m, ok := s.offlineManager(w, r)
	if !ok {
		return
	}
	metrics := m.Metrics()
	models := m.Models()
	out := make([]ModelInfo, 0, len(models))
	for _, d := range models {
		out = append(out, ModelInfo{Descriptor: d, Metrics: metrics[d.Pair()]})
	}
	s.writeData(w, r, out)
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	pair := r.PathValue("pair")
	src, tgt, ok := strings.Cut(pair, "-")
	if !ok || src == "" || tgt == "" {
		s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest,
			fmt.Sprintf("language pair %q must look like en-it", pair)), nil)
		return "", "", false
	}
	return src, tgt, true
}

func (s *Server) handleDownloadModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.offlineManager(w, r)
	if !ok {
		return
	}
	src, tgt, ok := s.pair(w, r)
	if !ok {
		return
	}
	d, err := m.Download(r.Context(), src, tgt)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeData(w, r, d)
}

func (s *Server) handleRemoveModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.offlineManager(w, r)
	if !ok {
		return
	}
	src, tgt, ok := s.pair(w, r)
	if !ok {
		return
	}
	d, err := m.Remove(r.Context(), src, tgt)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeData(w, r, d)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, r, NewErrorInfo(ErrCodeNotFound, "translation log is disabled"), nil)
		return
	}

	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest, fmt.Sprintf("invalid limit %q", v)), nil)
			return
		}
		limit = n
	}

	list := s.history.Recent
	if pending, _ := strconv.ParseBool(r.URL.Query().Get("pending")); pending {
		list = s.history.PendingReview
	}
	records, err := list(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	stats, err := s.history.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if records == nil {
		records = []store.LogRecord{}
	}
	s.writeData(w, r, LogsResponse{Records: records, Stats: stats})
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g, ok := s.pipeline.GameContext(name)
	if !ok {
		s.writeError(w, r, NewErrorInfo(ErrCodeNotFound, fmt.Sprintf("no context remembered for game %q", name)), nil)
		return
	}
	s.writeData(w, r, g)
}

func (s *Server) handleGames(w http.ResponseWriter, r *http.Request) {
	n := defaultGameLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeError(w, r, NewErrorInfo(ErrCodeInvalidRequest, fmt.Sprintf("invalid limit %q", v)), nil)
			return
		}
		n = parsed
	}
	s.writeData(w, r, GamesResponse{
		Popular: s.pipeline.PopularGames(n),
		Stats:   s.pipeline.GameCacheStats(),
		Report:  s.pipeline.GameCacheReport(),
	})
}

func (s *Server) handleForgetGame(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.pipeline.ForgetGame(name) == 0 {
		s.writeError(w, r, NewErrorInfo(ErrCodeNotFound, fmt.Sprintf("no context remembered for game %q", name)), nil)
		return
	}
	s.writeData(w, r, map[string]string{"forgotten": name})
}
