package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/features"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra/auth"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Detector - единый пайплайн детекции (тот же, что и для HTTP).
type Detector interface {
	DetectAnomaly(ctx context.Context, s domain.TelemetrySample) (*domain.AnomalyResult, error)
}

type Server struct {
	detector Detector
	timeout  time.Duration
	logger   *zap.Logger
}

func NewServer(det Detector, timeout time.Duration, logger *zap.Logger) *Server {
	return &Server{detector: det, timeout: timeout, logger: logger.Named("grpc-api")}
}

// NewGRPCServer собирает *grpc.Server с логированием и, если задан валидатор, проверкой токена.
func NewGRPCServer(srv *Server, validator auth.TokenValidator) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{srv.loggingInterceptor}
	if validator != nil {
		interceptors = append(interceptors, auth.UnaryInterceptor(validator, domain.ScopeDetect))
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	RegisterDetectorServer(gs, srv)
	return gs
}

func (s *Server) Detect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	// 1. Struct -> TelemetrySample через JSON: те же правила, что у HTTP
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	var sample domain.TelemetrySample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode sample: %v", err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	// 2. Единый пайплайн
	res, err := s.detector.DetectAnomaly(ctx, sample)
	if err != nil {
		return nil, toStatus(err)
	}

	// 3. Ответ обратно в Struct
	out, err := resultToStruct(res)
	if err != nil {
		s.logger.Error("encode result", zap.Error(err))
		return nil, status.Error(codes.Internal, "encode result")
	}
	return out, nil
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("grpc call failed",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
	}
	return resp, err
}

func toStatus(err error) error {
	var vErr *features.ValidationError
	switch {
	case errors.As(err, &vErr):
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "detection deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		return status.Error(codes.Internal, "detection failed")
	}
}

func resultToStruct(res *domain.AnomalyResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
