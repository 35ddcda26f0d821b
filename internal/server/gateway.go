package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"PerpAMM/internal/event"
	"PerpAMM/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxOpBody = 1 << 20

// HTTPHandler serves the HTTP/JSON API next to /healthz and /readyz. The
// routes call the gRPC service implementations in-process.
//
//	GET  /v1/markets/{market}
//	GET  /v1/markets/{market}/positions/{account}
//	GET  /v1/markets/{market}/funding
//	GET  /v1/markets/{market}/liquidations
//	GET  /v1/accounts/{account}/balance
//	GET  /v1/accounts/{account}/journals
//	POST /v1/ops/{op}
func (s *GRPCServer) HTTPHandler() http.Handler {
	gw := runtime.NewServeMux()

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(gw.HandlePath(http.MethodGet, "/v1/markets/{market}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		writeResult(w, http.StatusOK)(s.query.GetMarket(r.Context(), &GetMarketRequest{MarketID: p["market"]}))
	}))
	must(gw.HandlePath(http.MethodGet, "/v1/markets/{market}/positions/{account}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		writeResult(w, http.StatusOK)(s.query.GetAccount(r.Context(), &GetAccountRequest{MarketID: p["market"], Account: p["account"]}))
	}))
	must(gw.HandlePath(http.MethodGet, "/v1/markets/{market}/funding", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		req := listRequest(r, p["market"])
		writeResult(w, http.StatusOK)(s.query.ListFundingHistory(r.Context(), &req))
	}))
	must(gw.HandlePath(http.MethodGet, "/v1/markets/{market}/liquidations", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		req := listRequest(r, p["market"])
		writeResult(w, http.StatusOK)(s.query.ListLiquidations(r.Context(), &req))
	}))
	must(gw.HandlePath(http.MethodGet, "/v1/accounts/{account}/balance", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		writeResult(w, http.StatusOK)(s.query.GetBalance(r.Context(), &GetBalanceRequest{Account: p["account"]}))
	}))
	must(gw.HandlePath(http.MethodGet, "/v1/accounts/{account}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		list := listRequest(r, "")
		writeResult(w, http.StatusOK)(s.query.ListJournals(r.Context(), &ListJournalsRequest{
			Account: p["account"], PageSize: list.PageSize, BeforeSequence: list.BeforeSequence,
		}))
	}))
	must(gw.HandlePath(http.MethodPost, "/v1/ops/{op}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxOpBody))
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		opType, ok := resolveOpType(p["op"])
		if !ok {
			writeError(w, status.Errorf(codes.InvalidArgument, "unknown operation %q", p["op"]))
			return
		}
		writeResult(w, http.StatusAccepted)(s.ingest.SubmitOperation(r.Context(), &SubmitOperationRequest{
			OperationType: opType,
			Payload:       body,
		}))
	}))

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux
}

// resolveOpType accepts both "PositionIncreased" and "position_increased".
func resolveOpType(op string) (string, bool) {
	if et := event.ParseEventType(op); et != event.EventTypeUnknown {
		return et.String(), true
	}
	if et, ok := ingestion.ParseOpToken(op); ok {
		return et.String(), true
	}
	return "", false
}

func listRequest(r *http.Request, market string) ListRequest {
	q := r.URL.Query()
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	before, _ := strconv.ParseInt(q.Get("before_sequence"), 10, 64)
	return ListRequest{MarketID: market, PageSize: pageSize, BeforeSequence: before}
}

// writeResult returns a sink for a (response, error) pair.
func writeResult(w http.ResponseWriter, okStatus int) func(any, error) {
	return func(resp any, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(okStatus)
		json.NewEncoder(w).Encode(resp)
	}
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(ToStatus(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]string{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
