package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PerpAMM/internal/core"
	"PerpAMM/internal/ingestion"
	"PerpAMM/internal/observability"
	"PerpAMM/internal/query"
	"PerpAMM/internal/server"
	"PerpAMM/internal/state"
	"PerpAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeReader struct {
	markets map[string]*query.MarketResponse
}

func (f *fakeReader) GetMarket(_ context.Context, id string) (*query.MarketResponse, error) {
	if m, ok := f.markets[id]; ok {
		return m, nil
	}
	return nil, errors.Wrap(query.ErrNotFound, id)
}

func (f *fakeReader) GetAccount(context.Context, string, uuid.UUID) (*query.AccountResponse, error) {
	return nil, query.ErrNotFound
}

func (f *fakeReader) GetBalance(_ context.Context, account uuid.UUID) (*query.BalanceResponse, error) {
	return &query.BalanceResponse{Account: account, Balance: decimal.NewFromInt(-100)}, nil
}

func (f *fakeReader) GetFundingHistory(context.Context, string, int, int64) ([]query.FundingHistoryResponse, error) {
	return nil, nil
}

func (f *fakeReader) GetLiquidationHistory(context.Context, string, int, int64) ([]query.LiquidationResponse, error) {
	return nil, nil
}

func (f *fakeReader) GetJournalHistory(context.Context, uuid.UUID, int, int64) ([]query.JournalHistoryEntry, error) {
	return nil, nil
}

func (f *fakeReader) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true}, nil
}

func newTestServer(t *testing.T) (*server.GRPCServer, *observability.HealthChecker) {
	t.Helper()
	configs := state.NewMarketConfigManager()
	cfg := testutil.NewTestMarketConfig()
	require.NoError(t, configs.UpdateMarketConfig(&cfg))

	c, err := core.NewDeterministicCore(configs, core.Options{IdempotencyCapacity: 64, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subs := make(chan ingestion.Submission, 16)
	go ingestion.RunCore(ctx, subs, c, nil, zerolog.Nop())

	health := observability.NewHealthChecker()
	reader := &fakeReader{markets: map[string]*query.MarketResponse{
		testutil.TestMarketID: {MarketID: testutil.TestMarketID, Liquidity: "10000000"},
	}}
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Query:         reader,
		IngestService: ingestion.NewGRPCIngestService(subs),
		Submissions:   subs,
		HealthChecker: health,
		Logger:        zerolog.Nop(),
	})
	return srv, health
}

func TestToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid payload", errors.Wrap(ingestion.ErrInvalidPayload, "x"), codes.InvalidArgument},
		{"not found", query.ErrNotFound, codes.NotFound},
		{"solvency", &core.RejectionError{Kind: state.KindSolvency, Err: state.ErrInsufficientMargin}, codes.FailedPrecondition},
		{"capacity", &core.RejectionError{Kind: state.KindCapacity, Err: state.ErrSizeExceedsMaxSize}, codes.ResourceExhausted},
		{"existence", &core.RejectionError{Kind: state.KindExistence, Err: state.ErrPositionNotFound}, codes.NotFound},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"status passes through", status.Error(codes.Unavailable, "x"), codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, status.Code(server.ToStatus(tc.err)))
		})
	}
	assert.NoError(t, server.ToStatus(nil))
}

func TestHTTP_SubmitAndQuery(t *testing.T) {
	srv, health := newTestServer(t)
	h := srv.HTTPHandler()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	health.SetReady(true)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/readyz", "").Code)

	rec = do(http.MethodPost, "/v1/ops/market_created",
		`{"market":"`+testutil.TestMarketID+`","sequence":1,"timestamp":1700000000,"index_price":"100"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var submitted server.SubmitOperationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "MarketCreated", submitted.OperationType)
	assert.Equal(t, testutil.TestMarketID+":create", submitted.IdempotencyKey)

	rec = do(http.MethodPost, "/v1/ops/PositionIncreased", `{"market":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPost, "/v1/ops/teleport", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPost, "/v1/ops/LiquidityPositionDecreased", `{
		"operation_id":"550e8400-e29b-41d4-a716-446655440000",
		"market":"`+testutil.TestMarketID+`","sequence":2,"timestamp":1700000001,
		"account":"660e8400-e29b-41d4-a716-446655440001",
		"receiver":"660e8400-e29b-41d4-a716-446655440001",
		"margin_delta":"1","index_price":"100"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "existence")

	rec = do(http.MethodGet, "/v1/markets/"+testutil.TestMarketID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m query.MarketResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "10000000", m.Liquidity)

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/v1/markets/DOGE-USD", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/v1/accounts/nope/balance", "").Code)
}

func TestGRPC_JSONCodec(t *testing.T) {
	srv, _ := newTestServer(t)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	var m query.MarketResponse
	err = conn.Invoke(ctx, server.FullMethod(server.QueryServiceName, "GetMarket"),
		&server.GetMarketRequest{MarketID: testutil.TestMarketID}, &m)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestMarketID, m.MarketID)

	err = conn.Invoke(ctx, server.FullMethod(server.QueryServiceName, "GetMarket"),
		&server.GetMarketRequest{}, &m)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	var bal query.BalanceResponse
	err = conn.Invoke(ctx, server.FullMethod(server.QueryServiceName, "GetBalance"),
		&server.GetBalanceRequest{Account: "660e8400-e29b-41d4-a716-446655440001"}, &bal)
	require.NoError(t, err)
	assert.Equal(t, "-100", bal.Balance.String())

	var submitted server.SubmitOperationResponse
	err = conn.Invoke(ctx, server.FullMethod(server.IngestServiceName, "SubmitOperation"),
		&server.SubmitOperationRequest{
			OperationType: "MarketCreated",
			Payload:       json.RawMessage(`{"market":"` + testutil.TestMarketID + `","sequence":1,"timestamp":1700000000,"index_price":"100"}`),
		}, &submitted)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestMarketID, submitted.MarketID)
}
