package server

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/query"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds HTTP command bodies.
const maxBodyBytes = 64 << 10

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	svc           *ledgerService
	history       *query.QueryService
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	Executor      *core.Executor
	Dispatcher    *ingestion.Dispatcher
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// Query serves the Postgres-backed history routes; nil disables them.
	Query *query.QueryService
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		svc:           &ledgerService{exec: deps.Executor, dispatcher: deps.Dispatcher},
		history:       deps.Query,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        observability.NewLogger("server"),
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.metricsInterceptor))
	RegisterLedgerServer(s.grpcServer, s.svc)

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// GRPC exposes the underlying server, e.g. to serve on a custom listener.
func (s *GRPCServer) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
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

type route struct {
	method, pattern string
	h               runtime.HandlerFunc
}

// HTTPHandler builds the HTTP surface: health endpoints plus gateway routes
// that call the service in process.
//
//	POST /v1/commands/{op}
//	GET  /v1/policies/{policy_id}
//	GET  /v1/claims/{claim_id}
//	GET  /v1/parties/{party}/policies
//	GET  /v1/parties/{party}/claims
//	GET  /v1/parties/{party}/manager
//	GET  /v1/totals?asset=
//	GET  /v1/custody?asset=
//	GET  /v1/status
//
// With a QueryService configured, the persisted history as well:
//
//	GET  /v1/history/notifications?after=&limit=&type=
//	GET  /v1/history/policies/{policy_id}?limit=
//	GET  /v1/history/parties/{party}/policies?status=&before=&limit=
//	GET  /v1/admin/integrity
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{http.MethodPost, "/v1/commands/{op}", s.handleCommand},
		{http.MethodGet, "/v1/policies/{policy_id}", s.handleGetPolicy},
		{http.MethodGet, "/v1/claims/{claim_id}", s.handleGetClaim},
		{http.MethodGet, "/v1/parties/{party}/policies", partyRoute(s, "ListPolicies", s.svc.ListPolicies)},
		{http.MethodGet, "/v1/parties/{party}/claims", partyRoute(s, "ListClaims", s.svc.ListClaims)},
		{http.MethodGet, "/v1/parties/{party}/manager", partyRoute(s, "IsManager", s.svc.IsManager)},
		{http.MethodGet, "/v1/totals", assetRoute(s, "GetTotals", s.svc.GetTotals)},
		{http.MethodGet, "/v1/custody", assetRoute(s, "GetCustodyBalance", s.svc.GetCustodyBalance)},
		{http.MethodGet, "/v1/status", s.handleStatus},
	}
	if s.history != nil {
		routes = append(routes,
			route{http.MethodGet, "/v1/history/notifications", s.handleNotifications},
			route{http.MethodGet, "/v1/history/policies/{policy_id}", s.handlePolicyHistory},
			route{http.MethodGet, "/v1/history/parties/{party}/policies", s.handleHolderPolicies},
			route{http.MethodGet, "/v1/admin/integrity", s.handleIntegrity},
		)
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// ============================================================================
// HTTP handlers
// ============================================================================

// commandMethods maps command ops to their RPC method names.
var commandMethods = map[string]string{
	core.OpCreatePolicy:  "CreatePolicy",
	core.OpExtendPolicy:  "ExtendPolicy",
	core.OpCancelPolicy:  "CancelPolicy",
	core.OpFileClaim:     "FileClaim",
	core.OpProcessClaim:  "ProcessClaim",
	core.OpWithdraw:      "Withdraw",
	core.OpAddManager:    "AddManager",
	core.OpRemoveManager: "RemoveManager",
}

func (s *GRPCServer) handleCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	op := params["op"]
	method, ok := commandMethods[op]
	if !ok {
		writeError(w, status.Errorf(codes.NotFound, "unknown command %q", op))
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	body := json.RawMessage(data)
	s.serveHTTP(w, r, method, func(ctx context.Context) (any, error) {
		return s.svc.command(ctx, op, &body)
	})
}

func (s *GRPCServer) handleGetPolicy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["policy_id"], 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid policy_id: %v", err))
		return
	}
	s.serveHTTP(w, r, "GetPolicy", func(ctx context.Context) (any, error) {
		return s.svc.GetPolicy(ctx, &PolicyRequest{PolicyID: id})
	})
}

func (s *GRPCServer) handleGetClaim(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["claim_id"], 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid claim_id: %v", err))
		return
	}
	s.serveHTTP(w, r, "GetClaim", func(ctx context.Context) (any, error) {
		return s.svc.GetClaim(ctx, &ClaimRequest{ClaimID: id})
	})
}

func (s *GRPCServer) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.serveHTTP(w, r, "GetStatus", func(ctx context.Context) (any, error) {
		return s.svc.GetStatus(ctx, &Empty{})
	})
}

// partyRoute serves a query keyed by the {party} path parameter.
func partyRoute[Resp any](s *GRPCServer, method string, fn func(context.Context, *PartyRequest) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		s.serveHTTP(w, r, method, func(ctx context.Context) (any, error) {
			return fn(ctx, &PartyRequest{Party: params["party"]})
		})
	}
}

// assetRoute serves a query keyed by the ?asset= query parameter.
func assetRoute[Resp any](s *GRPCServer, method string, fn func(context.Context, *AssetRequest) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		s.serveHTTP(w, r, method, func(ctx context.Context) (any, error) {
			return fn(ctx, &AssetRequest{Asset: r.URL.Query().Get("asset")})
		})
	}
}

// serveHTTP runs call with the caller header lifted into gRPC metadata, so
// HTTP requests see the same identity handling as gRPC ones.
func (s *GRPCServer) serveHTTP(w http.ResponseWriter, r *http.Request, method string, call func(ctx context.Context) (any, error)) {
	ctx := r.Context()
	if caller := r.Header.Get(CallerHeader); caller != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(CallerHeader, caller))
	}

	start := time.Now()
	resp, err := call(ctx)
	s.observe(method, start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	code, msg, ok := strings.Cut(st.Message(), ": ")
	if !ok || code == "" || strings.ContainsAny(code, " \t") {
		code, msg = st.Code().String(), st.Message()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": msg,
	})
}

// ============================================================================
// Metrics
// ============================================================================

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := info.FullMethod
	if i := strings.LastIndexByte(method, '/'); i >= 0 {
		method = method[i+1:]
	}
	s.observe(method, start, err)
	return resp, err
}

func (s *GRPCServer) observe(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(method).Inc()
	s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
	}
}
