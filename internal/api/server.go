package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/detector"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/evaluation"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra/auth"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Detector - то, что HTTP-слой требует от оркестратора.
type Detector interface {
	DetectAnomaly(ctx context.Context, s domain.TelemetrySample) (*domain.AnomalyResult, error)
	DetectBatch(ctx context.Context, samples []domain.TelemetrySample) []detector.BatchItem
}

// Evaluator - сверка с разметкой. nil, если evaluation выключен.
type Evaluator interface {
	RecordGroundTruth(g evaluation.GroundTruth) error
	Summary() evaluation.Summary
	Reset()
}

// ModelStateSource - состояние модели для /ready и /v1/status. nil, если модель выключена.
type ModelStateSource interface {
	State() domain.ModelState
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    infra.ServerConfig

	detector  Detector
	resources detector.ResourceSource
	model     ModelStateSource
	evaluator Evaluator

	// Интерфейс для проверки токенов (RS256); nil - авторизация выключена
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer
	limiter       *rate.Limiter
}

type Deps struct {
	Detector  Detector
	Resources detector.ResourceSource
	Model     ModelStateSource
	Evaluator Evaluator
	Validator auth.TokenValidator
	Gatherer  prometheus.Gatherer
}

func NewServer(cfg infra.ServerConfig, logger *zap.Logger, deps Deps) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("http-api"),
		cfg:           cfg,
		detector:      deps.Detector,
		resources:     deps.Resources,
		model:         deps.Model,
		evaluator:     deps.Evaluator,
		authValidator: deps.Validator,
		gatherer:      deps.Gatherer,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(burst, 1))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. Служебные роуты (без токена и лимита) ---
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.gatherer != nil {
		path := s.cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// --- 3. API детекции ---
	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(RateLimitMiddleware(s.limiter))
		}

		r.Group(func(r chi.Router) {
			if s.authValidator != nil {
				r.Use(auth.NewMiddleware(s.authValidator, domain.ScopeDetect, s.logger))
			}
			r.Get("/status", s.handleStatus)
			r.Post("/detect", s.handleDetect)
			r.Post("/detect/batch", s.handleDetectBatch)
		})

		// Разметка и точность - отдельное право
		if s.evaluator != nil {
			r.Group(func(r chi.Router) {
				if s.authValidator != nil {
					r.Use(auth.NewMiddleware(s.authValidator, domain.ScopeEvaluate, s.logger))
				}
				r.Post("/ground-truth", s.handleGroundTruth)
				r.Get("/accuracy", s.handleAccuracy)
				r.Delete("/accuracy", s.handleAccuracyReset)
			})
		}
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer собирает *http.Server с таймаутами из конфига.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
