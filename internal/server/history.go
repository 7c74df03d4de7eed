package server

import (
	"CoverLedger/internal/query"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// History routes read Postgres, not the ledger, so they bypass the executor.

func (s *GRPCServer) handleNotifications(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	after, err := intParam(q.Get("after"), "after")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveHTTP(w, r, "GetNotifications", func(ctx context.Context) (any, error) {
		page, err := s.history.GetNotifications(ctx, after, int(limit), q.Get("type"))
		return page, historyStatus(err)
	})
}

func (s *GRPCServer) handlePolicyHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["policy_id"], 10, 64)
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid policy_id: %v", err))
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveHTTP(w, r, "GetPolicyHistory", func(ctx context.Context) (any, error) {
		entries, err := s.history.GetPolicyHistory(ctx, id, int(limit))
		if err != nil {
			return nil, historyStatus(err)
		}
		if len(entries) == 0 {
			return nil, status.Errorf(codes.NotFound, "no history for policy %d", id)
		}
		return entries, nil
	})
}

func (s *GRPCServer) handleHolderPolicies(w http.ResponseWriter, r *http.Request, params map[string]string) {
	holder, err := uuid.Parse(params["party"])
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid party: %v", err))
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	var before *uint64
	if v := q.Get("before"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid before: %v", err))
			return
		}
		before = &id
	}
	s.serveHTTP(w, r, "GetPoliciesByHolder", func(ctx context.Context) (any, error) {
		page, err := s.history.GetPoliciesByHolder(ctx, holder, q.Get("status"), int(limit), before)
		return page, historyStatus(err)
	})
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s.serveHTTP(w, r, "VerifyIntegrity", func(ctx context.Context) (any, error) {
		report, err := s.history.VerifyIntegrity(ctx)
		return report, historyStatus(err)
	})
}

// intParam parses an optional non-negative integer query parameter.
func intParam(v, name string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, v)
	}
	return n, nil
}

func historyStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, query.ErrInvalidFilter):
		return status.Error(codes.InvalidArgument, "invalid_filter: "+err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, "history_unavailable: "+err.Error())
	}
}
