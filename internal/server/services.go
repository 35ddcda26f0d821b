package server

import (
	"context"
	"encoding/json"

	"PerpAMM/internal/query"

	"google.golang.org/grpc"
)

// The services are described by hand and carried by the JSON codec, so
// messages are plain structs.

const (
	QueryServiceName  = "perpamm.v1.QueryService"
	IngestServiceName = "perpamm.v1.IngestService"
	AdminServiceName  = "perpamm.v1.AdminService"
)

type GetMarketRequest struct {
	MarketID string `json:"market_id"`
}

type GetAccountRequest struct {
	MarketID string `json:"market_id"`
	Account  string `json:"account"`
}

type GetBalanceRequest struct {
	Account string `json:"account"`
}

// ListRequest pages a market's history backwards from BeforeSequence.
type ListRequest struct {
	MarketID       string `json:"market_id"`
	PageSize       int    `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListJournalsRequest struct {
	Account        string `json:"account"`
	PageSize       int    `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type ListFundingHistoryResponse struct {
	Entries []query.FundingHistoryResponse `json:"entries"`
}

type ListLiquidationsResponse struct {
	Entries []query.LiquidationResponse `json:"entries"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// SubmitOperationRequest carries one operation in its NATS wire form.
type SubmitOperationRequest struct {
	OperationType string          `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
}

type SubmitOperationResponse struct {
	OperationType  string `json:"operation_type"`
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id"`
}

type Empty struct{}

type TakeSnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	SizeBytes int    `json:"size_bytes"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type EventLogInfoResponse struct {
	LastPersistedSequence int64  `json:"last_persisted_sequence"`
	NextSequence          int64  `json:"next_sequence"`
	StateHash             string `json:"state_hash"`
}

// QueryServer is the read API over the projections.
type QueryServer interface {
	GetMarket(context.Context, *GetMarketRequest) (*query.MarketResponse, error)
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)
	ListFundingHistory(context.Context, *ListRequest) (*ListFundingHistoryResponse, error)
	ListLiquidations(context.Context, *ListRequest) (*ListLiquidationsResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
}

// IngestServer accepts operations from keepers and admin tooling.
type IngestServer interface {
	SubmitOperation(context.Context, *SubmitOperationRequest) (*SubmitOperationResponse, error)
}

// AdminServer exposes operational controls.
type AdminServer interface {
	TakeSnapshot(context.Context, *Empty) (*TakeSnapshotResponse, error)
	RebuildBalances(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

// unary builds a method descriptor that decodes Req and dispatches to call
// through the server's interceptor chain.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(QueryServiceName, "GetMarket", QueryServer.GetMarket),
		unary(QueryServiceName, "GetAccount", QueryServer.GetAccount),
		unary(QueryServiceName, "GetBalance", QueryServer.GetBalance),
		unary(QueryServiceName, "ListFundingHistory", QueryServer.ListFundingHistory),
		unary(QueryServiceName, "ListLiquidations", QueryServer.ListLiquidations),
		unary(QueryServiceName, "ListJournals", QueryServer.ListJournals),
	},
	Metadata: "perpamm/v1/query.json",
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: IngestServiceName,
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(IngestServiceName, "SubmitOperation", IngestServer.SubmitOperation),
	},
	Metadata: "perpamm/v1/ingest.json",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
		unary(AdminServiceName, "RebuildBalances", AdminServer.RebuildBalances),
		unary(AdminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
		unary(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
	},
	Metadata: "perpamm/v1/admin.json",
}

// FullMethod returns the gRPC method path of a service method, for clients.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}
