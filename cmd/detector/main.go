package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/api"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/confidence"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/detector"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/evaluation"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/features"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/grpcapi"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/heuristic"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra/auth"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/ingest"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/metrics"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/model"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/repository/postgres"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/resource"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/sink"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ./config.yaml or ./configs/config.yaml)")
	flag.Parse()

	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("detector stopped with error", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла фоновых горутин: SIGINT/SIGTERM отменяет его
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Ядро: признаки, эвристика, ресурсы
	extractor, err := features.NewExtractor(features.SchemaFromConfig(cfg.Features))
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}
	evaluator, err := heuristic.NewEvaluator(extractor.Names(), heuristic.ThresholdsFromConfig(cfg.Heuristic))
	if err != nil {
		return fmt.Errorf("heuristic: %w", err)
	}
	monitor := resource.NewMonitor(
		resource.NewGopsutilProber(cfg.Resource.SampleInterval),
		resource.ConfigFromInfra(cfg.Resource),
		logger, m,
	)

	// Redis нужен только артефакту модели и ingest
	var rdb *redis.Client
	if (cfg.Model.Enabled && cfg.Model.Store == "redis") || cfg.Ingest.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	// 4. Модель (или только эвристика)
	pool := workerpool.New(cfg.Detector.WorkerPoolSize)
	defer pool.Close()

	var (
		provider   detector.ClassifierProvider = detector.HeuristicOnly{Heuristic: evaluator}
		modelState api.ModelStateSource
	)
	if cfg.Model.Enabled {
		var store model.ArtifactStore = &model.FileStore{Path: cfg.Model.ArtifactPath}
		if cfg.Model.Store == "redis" {
			store = model.NewRedisStore(rdb, cfg.Model.RedisKey)
		}
		sm := model.NewStatisticalModel(
			model.OptionsFromConfig(cfg.Model, store, extractor.Names()),
			pool, evaluator, logger, m,
		)
		// Загрузка вне Hot Path: первые запросы не ждут диск/Redis
		sm.Warmup()
		provider, modelState = sm, sm
	} else {
		logger.Info("model disabled, heuristic is the only classification path")
	}

	// 5. Sink результатов в PostgreSQL
	var (
		opts      []detector.Option
		recorders detector.Recorders
	)
	opts = append(opts, detector.WithBatchLimit(cfg.Detector.WorkerPoolSize))
	if cfg.Sink.Enabled {
		db, err := postgres.Open(appCtx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		repo := postgres.NewResultRepo(db)
		if err := repo.EnsureSchema(appCtx); err != nil {
			return err
		}
		resultSink := sink.NewResultSink(repo, sink.ConfigFromInfra(cfg.Sink), logger, m)
		resultSink.Start()
		// Stop после остановки входов (defer выполняется в обратном порядке)
		defer resultSink.Stop()
		recorders = append(recorders, resultSink)
	}

	// Сверка с разметкой для стендовых прогонов
	var tracker *evaluation.Tracker
	if cfg.Evaluation.Enabled {
		tracker = evaluation.NewTracker(cfg.Evaluation.MaxRecords, logger)
		recorders = append(recorders, tracker)
	}
	if len(recorders) > 0 {
		opts = append(opts, detector.WithRecorder(recorders))
	}

	scorer := confidence.NewScorerFromConfig(cfg.Confidence, logger)
	orch := detector.NewOrchestrator(extractor, monitor, provider, scorer, logger, m, opts...)

	// 6. Авторизация
	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		validator = auth.NewValidator(pub, auth.PolicyFromConfig(cfg.Auth))
	}

	// 7. HTTP
	httpSrv := api.NewServer(cfg.Server, logger, api.Deps{
		Detector:  orch,
		Resources: monitor,
		Model:     modelState,
		Evaluator: evaluatorDep(tracker),
		Validator: validator,
		Gatherer:  reg,
	}).HTTPServer(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	// 8. gRPC
	var grpcSrv interface{ GracefulStop() }
	if cfg.GRPC.Enabled {
		gs := grpcapi.NewGRPCServer(grpcapi.NewServer(orch, cfg.Server.RequestTimeout, logger), validator)
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("gRPC API started", zap.String("addr", lis.Addr().String()))
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
		grpcSrv = gs
	}

	// 9. Ingest из Redis Pub/Sub
	ingestDone := make(chan struct{})
	if cfg.Ingest.Enabled {
		listener := ingest.NewListener(rdb, orch, ingest.NewRedisPublisher(rdb), cfg.Ingest, logger, m)
		go func() {
			defer close(ingestDone)
			listener.Run(appCtx)
		}()
	} else {
		close(ingestDone)
	}

	// 10. Graceful Shutdown
	select {
	case <-appCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed, shutting down", zap.Error(err))
		stop()
	}

	// Даем 5 секунд на завершение запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	<-ingestDone

	logger.Info("detector exited properly")
	return nil
}

// evaluatorDep не дает nil-указателю превратиться в ненулевой интерфейс.
func evaluatorDep(t *evaluation.Tracker) api.Evaluator {
	if t == nil {
		return nil
	}
	return t
}
