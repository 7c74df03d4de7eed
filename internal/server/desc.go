package server

import (
	"CoverLedger/internal/ingestion"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const ServiceName = "coverledger.v1.Ledger"

// LedgerServer is the server API for the Ledger service.
//
// Command methods take the raw JSON command body, the same body accepted on
// the NATS command subjects.
type LedgerServer interface {
	CreatePolicy(context.Context, *json.RawMessage) (*ingestion.Result, error)
	ExtendPolicy(context.Context, *json.RawMessage) (*ingestion.Result, error)
	CancelPolicy(context.Context, *json.RawMessage) (*ingestion.Result, error)
	FileClaim(context.Context, *json.RawMessage) (*ingestion.Result, error)
	ProcessClaim(context.Context, *json.RawMessage) (*ingestion.Result, error)
	Withdraw(context.Context, *json.RawMessage) (*ingestion.Result, error)
	AddManager(context.Context, *json.RawMessage) (*ingestion.Result, error)
	RemoveManager(context.Context, *json.RawMessage) (*ingestion.Result, error)

	GetPolicy(context.Context, *PolicyRequest) (*PolicyView, error)
	GetClaim(context.Context, *ClaimRequest) (*ClaimView, error)
	ListPolicies(context.Context, *PartyRequest) (*IDList, error)
	ListClaims(context.Context, *PartyRequest) (*IDList, error)
	IsManager(context.Context, *PartyRequest) (*BoolValue, error)
	GetTotals(context.Context, *AssetRequest) (*TotalsView, error)
	GetCustodyBalance(context.Context, *AssetRequest) (*BalanceView, error)
	GetStatus(context.Context, *Empty) (*StatusView, error)
}

// RegisterLedgerServer registers the Ledger service on a gRPC server.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&Ledger_ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the method descriptor for one RPC.
func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Ledger_ServiceDesc is the grpc.ServiceDesc for the Ledger service.
var Ledger_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreatePolicy", LedgerServer.CreatePolicy),
		unary("ExtendPolicy", LedgerServer.ExtendPolicy),
		unary("CancelPolicy", LedgerServer.CancelPolicy),
		unary("FileClaim", LedgerServer.FileClaim),
		unary("ProcessClaim", LedgerServer.ProcessClaim),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("AddManager", LedgerServer.AddManager),
		unary("RemoveManager", LedgerServer.RemoveManager),
		unary("GetPolicy", LedgerServer.GetPolicy),
		unary("GetClaim", LedgerServer.GetClaim),
		unary("ListPolicies", LedgerServer.ListPolicies),
		unary("ListClaims", LedgerServer.ListClaims),
		unary("IsManager", LedgerServer.IsManager),
		unary("GetTotals", LedgerServer.GetTotals),
		unary("GetCustodyBalance", LedgerServer.GetCustodyBalance),
		unary("GetStatus", LedgerServer.GetStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coverledger/v1/ledger.json",
}

// Invoke calls one Ledger method over cc with the JSON codec.
func Invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, fullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
