package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/detector"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/evaluation"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/features"
	"go.uber.org/zap"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchSize = 1000
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type batchRequest struct {
	Samples []domain.TelemetrySample `json:"samples"`
}

type batchItem struct {
	Result *domain.AnomalyResult `json:"result,omitempty"`
	Error  *errorResponse        `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchItem `json:"results"`
}

type statusResponse struct {
	Resources  *domain.ResourceStatus `json:"resources,omitempty"`
	ModelState string                 `json:"model_state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReady: 503 только пока модель грузится. Failed - это готовность в режиме эвристики.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := s.modelState()
	code := http.StatusOK
	if s.model != nil {
		if st := s.model.State(); st == domain.ModelUnloaded || st == domain.ModelLoading {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"model_state": state})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{ModelState: s.modelState()}
	if s.resources != nil {
		st, err := s.resources.Status(r.Context())
		if err != nil {
			s.writeDetectError(w, r, err)
			return
		}
		resp.Resources = st.Copy()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var sample domain.TelemetrySample
	if err := decodeBody(w, r, &sample); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx, cancel := s.detectContext(r.Context())
	defer cancel()

	res, err := s.detector.DetectAnomaly(ctx, sample)
	if err != nil {
		s.writeDetectError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDetectBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "samples must not be empty")
		return
	}
	if len(req.Samples) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", "too many samples")
		return
	}

	ctx, cancel := s.detectContext(r.Context())
	defer cancel()

	items := s.detector.DetectBatch(ctx, req.Samples)
	resp := batchResponse{Results: make([]batchItem, len(items))}
	for i, it := range items {
		if it.Err != nil {
			_, e := classifyError(it.Err)
			resp.Results[i] = batchItem{Error: &e}
			continue
		}
		resp.Results[i] = batchItem{Result: it.Result}
	}
	writeJSON(w, http.StatusOK, resp)
}

type groundTruthRequest struct {
	Events []evaluation.GroundTruth `json:"events"`
}

// handleGroundTruth принимает пачку отметок; первая невалидная отклоняет всю пачку.
func (s *Server) handleGroundTruth(w http.ResponseWriter, r *http.Request) {
	var req groundTruthRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "bad_request", "events must contain 1..1000 items")
		return
	}
	for _, ev := range req.Events {
		if ev.UnitID == "" || ev.At.IsZero() {
			writeError(w, http.StatusUnprocessableEntity, "invalid_ground_truth", evaluation.ErrInvalidGroundTruth.Error())
			return
		}
	}
	for _, ev := range req.Events {
		if err := s.evaluator.RecordGroundTruth(ev); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_ground_truth", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Events)})
}

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.evaluator.Summary())
}

func (s *Server) handleAccuracyReset(w http.ResponseWriter, r *http.Request) {
	s.evaluator.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) detectContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(parent, s.cfg.RequestTimeout)
	}
	return context.WithCancel(parent)
}

func (s *Server) modelState() string {
	if s.model == nil {
		return "disabled"
	}
	return s.model.State().String()
}

func (s *Server) writeDetectError(w http.ResponseWriter, r *http.Request, err error) {
	code, body := classifyError(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("detection failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
	}
	writeJSON(w, code, body)
}

// classifyError - маппинг доменных ошибок на HTTP.
func classifyError(err error) (int, errorResponse) {
	var vErr *features.ValidationError
	switch {
	case errors.As(err, &vErr):
		return http.StatusUnprocessableEntity, errorResponse{Error: "invalid_sample", Message: vErr.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errorResponse{Error: "timeout", Message: "detection deadline exceeded"}
	case errors.Is(err, context.Canceled):
		return 499, errorResponse{Error: "canceled", Message: "request canceled"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal", Message: "detection failed"}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorResponse{Error: kind, Message: msg})
}

// Компилятор проверяет, что оркестратор и трекер подходят HTTP-слою.
var (
	_ Detector  = (*detector.Orchestrator)(nil)
	_ Evaluator = (*evaluation.Tracker)(nil)
)
