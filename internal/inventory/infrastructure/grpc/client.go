package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type StockClient struct {
	cc grpc.ClientConnInterface
}

func NewStockClient(cc grpc.ClientConnInterface) *StockClient {
	return &StockClient{cc: cc}
}

// Dial connects without transport security; the RPC is internal only.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

func (c *StockClient) StockLevels(ctx context.Context, variantIDs []string) (*StockLevelsResponse, error) {
	out := new(StockLevelsResponse)
	if err := c.cc.Invoke(ctx, stockLevelsMethod, &StockLevelsRequest{VariantIDs: variantIDs}, out,
		grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}
