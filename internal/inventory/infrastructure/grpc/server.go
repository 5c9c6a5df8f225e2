// Package grpc exposes read-only stock levels to catalog collaborators.
//
// Messages are plain Go structs carried with a JSON codec, so the service
// needs no generated stubs.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/storefront-checkout/internal/inventory/application"
)

const (
	ServiceName       = "storefront.inventory.v1.StockService"
	stockLevelsMethod = "/" + ServiceName + "/StockLevels"
	maxVariantsPerRPC = 500
)

type StockLevelsRequest struct {
	VariantIDs []string `json:"variant_ids"`
}

type Level struct {
	VariantID string `json:"variant_id"`
	Stock     int    `json:"stock"`
}

type StockLevelsResponse struct {
	Levels  []Level  `json:"levels"`
	Unknown []string `json:"unknown,omitempty"`
}

type StockServer interface {
	StockLevels(ctx context.Context, req *StockLevelsRequest) (*StockLevelsResponse, error)
}

type Server struct {
	log    *slog.Logger
	reader application.StockReader
}

func NewServer(log *slog.Logger, reader application.StockReader) *Server {
	return &Server{log: log, reader: reader}
}

// StockLevels answers in request order. Ids the catalog does not know are
// listed in Unknown rather than failing the call.
func (s *Server) StockLevels(ctx context.Context, req *StockLevelsRequest) (*StockLevelsResponse, error) {
	ids := slices.Compact(slices.Sorted(slices.Values(req.VariantIDs)))
	if len(ids) == 0 || ids[0] == "" {
		return nil, status.Error(codes.InvalidArgument, "variant_ids must be non-empty")
	}
	if len(ids) > maxVariantsPerRPC {
		return nil, status.Errorf(codes.InvalidArgument, "at most %d variant ids per call", maxVariantsPerRPC)
	}

	levels, err := s.reader.StockLevels(ctx, ids)
	if err != nil {
		s.log.Error("stock levels read failed", "err", err)
		return nil, status.Error(codes.Unavailable, "stock levels unavailable")
	}

	resp := &StockLevelsResponse{Levels: make([]Level, 0, len(ids))}
	for _, id := range ids {
		stock, ok := levels[id]
		if !ok {
			resp.Unknown = append(resp.Unknown, id)
			continue
		}
		resp.Levels = append(resp.Levels, Level{VariantID: id, Stock: stock})
	}
	return resp, nil
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StockServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StockLevels", Handler: stockLevelsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storefront/inventory/v1/stock.proto",
}

func stockLevelsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StockLevelsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServer).StockLevels(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stockLevelsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockServer).StockLevels(ctx, req.(*StockLevelsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Register adds the stock service and a health service reporting it SERVING.
func Register(gs *grpc.Server, srv StockServer) *health.Server {
	gs.RegisterService(&stockServiceDesc, srv)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

func Run(log *slog.Logger, addr string, srv StockServer) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := grpc.NewServer()
	Register(gs, srv)
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Error("grpc server stopped", "err", err)
		}
	}()
	log.Info("grpc listening", "addr", addr)
	return gs, nil
}
