package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PerpAMM/internal/core"
	"PerpAMM/internal/ingestion"
	"PerpAMM/internal/observability"
	"PerpAMM/internal/persistence"
	"PerpAMM/internal/projection"
	"PerpAMM/internal/query"
	"PerpAMM/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// QueryReader is the read side the query service serves from.
type QueryReader interface {
	GetMarket(ctx context.Context, marketID string) (*query.MarketResponse, error)
	GetAccount(ctx context.Context, marketID string, account uuid.UUID) (*query.AccountResponse, error)
	GetBalance(ctx context.Context, account uuid.UUID) (*query.BalanceResponse, error)
	GetFundingHistory(ctx context.Context, marketID string, limit int, beforeSequence int64) ([]query.FundingHistoryResponse, error)
	GetLiquidationHistory(ctx context.Context, marketID string, limit int, beforeSequence int64) ([]query.LiquidationResponse, error)
	GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger

	query  QueryServer
	ingest IngestServer
}

// ServerDeps holds all dependencies needed by the services.
type ServerDeps struct {
	DB            *sql.DB
	Query         QueryReader
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	// Submissions reaches the core goroutine for snapshots and chain info.
	Submissions   chan<- ingestion.Submission
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics), errorInterceptor(deps.Logger)),
	)

	qs := &queryServer{qs: deps.Query}
	is := &ingestServer{svc: deps.IngestService}
	grpcServer.RegisterService(&queryServiceDesc, qs)
	grpcServer.RegisterService(&ingestServiceDesc, is)
	grpcServer.RegisterService(&adminServiceDesc, &adminServer{
		db:          deps.DB,
		query:       deps.Query,
		snapMgr:     deps.SnapshotMgr,
		submissions: deps.Submissions,
		logger:      deps.Logger,
	})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
		query:         qs,
		ingest:        is,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// QueryService
// ============================================================================

type queryServer struct {
	qs QueryReader
}

func (s *queryServer) GetMarket(ctx context.Context, req *GetMarketRequest) (*query.MarketResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	return s.qs.GetMarket(ctx, req.MarketID)
}

func (s *queryServer) GetAccount(ctx context.Context, req *GetAccountRequest) (*query.AccountResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	return s.qs.GetAccount(ctx, req.MarketID, account)
}

func (s *queryServer) GetBalance(ctx context.Context, req *GetBalanceRequest) (*query.BalanceResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	return s.qs.GetBalance(ctx, account)
}

func (s *queryServer) ListFundingHistory(ctx context.Context, req *ListRequest) (*ListFundingHistoryResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	entries, err := s.qs.GetFundingHistory(ctx, req.MarketID, req.PageSize, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListFundingHistoryResponse{Entries: entries}, nil
}

func (s *queryServer) ListLiquidations(ctx context.Context, req *ListRequest) (*ListLiquidationsResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	entries, err := s.qs.GetLiquidationHistory(ctx, req.MarketID, req.PageSize, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListLiquidationsResponse{Entries: entries}, nil
}

func (s *queryServer) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	account, err := parseAccount(req.Account)
	if err != nil {
		return nil, err
	}
	journals, err := s.qs.GetJournalHistory(ctx, account, req.PageSize, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: journals}, nil
}

// ============================================================================
// IngestService
// ============================================================================

type ingestServer struct {
	svc *ingestion.GRPCIngestService
}

func (s *ingestServer) SubmitOperation(ctx context.Context, req *SubmitOperationRequest) (*SubmitOperationResponse, error) {
	if req.OperationType == "" {
		return nil, status.Error(codes.InvalidArgument, "operation_type is required")
	}
	evt, err := s.svc.Submit(ctx, req.OperationType, req.Payload)
	if err != nil {
		return nil, err
	}
	return &SubmitOperationResponse{
		OperationType:  evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		MarketID:       evt.MarketID(),
	}, nil
}

// ============================================================================
// AdminService
// ============================================================================

type adminServer struct {
	db          *sql.DB
	query       QueryReader
	snapMgr     *persistence.SnapshotManager
	submissions chan<- ingestion.Submission
	logger      zerolog.Logger
}

func (s *adminServer) TakeSnapshot(ctx context.Context, _ *Empty) (*TakeSnapshotResponse, error) {
	return CaptureSnapshot(ctx, s.submissions, s.snapMgr)
}

func (s *adminServer) RebuildBalances(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if err := projection.RebuildBalances(ctx, s.db, s.logger); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Rebuilt: true}, nil
}

func (s *adminServer) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	latestSeq, err := s.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	resp := &EventLogInfoResponse{LastPersistedSequence: latestSeq}
	if err := ingestion.OnCore(ctx, s.submissions, func(c *core.DeterministicCore) {
		resp.NextSequence = c.GetSequence()
		hash := c.GetStateHash()
		resp.StateHash = hex.EncodeToString(hash[:])
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *adminServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.query.VerifyIntegrity(ctx)
}

// CaptureSnapshot reads the core state on its goroutine, stores it and
// verifies whatever snapshots the event log has caught up with.
func CaptureSnapshot(ctx context.Context, subs chan<- ingestion.Submission, snapMgr *persistence.SnapshotManager) (*TakeSnapshotResponse, error) {
	var snap *core.SnapshotState
	if err := ingestion.OnCore(ctx, subs, func(c *core.DeterministicCore) {
		snap = c.CreateSnapshotState()
	}); err != nil {
		return nil, err
	}

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := snapMgr.VerifyPending(ctx); err != nil {
		return nil, fmt.Errorf("verify snapshots: %w", err)
	}
	return &TakeSnapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: hex.EncodeToString(snap.StateHash[:]),
		SizeBytes: size,
	}, nil
}

// ============================================================================
// Errors and interceptors
// ============================================================================

// ToStatus maps domain errors onto gRPC codes. Market rejections carry
// their kind in the message.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var rej *core.RejectionError
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ingestion.ErrInvalidPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &rej):
		return status.Error(codeForKind(rej.Kind), err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func codeForKind(kind string) codes.Code {
	switch kind {
	case state.KindExistence:
		return codes.NotFound
	case state.KindCapacity:
		return codes.ResourceExhausted
	case state.KindSolvency, state.KindPriceBound:
		return codes.FailedPrecondition
	case state.KindArithmetic:
		return codes.OutOfRange
	default:
		return codes.Internal
	}
}

func errorInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			st := status.Convert(ToStatus(err))
			if st.Code() == codes.Internal {
				logger.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
			}
			return nil, st.Err()
		}
		return resp, nil
	}
}

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
			metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

func parseAccount(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "account is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account: %v", err)
	}
	return id, nil
}
