package web

import (
	"context"

	"github.com/memkeep/memkeep/lib/rpc"
)

// RPCClient is the subset of the RPC client the gateway forwards to.
type RPCClient interface {
	// Status returns the server status.
	Status(ctx context.Context) (*rpc.StatusResult, error)
	// PoolStats returns memory client pool statistics.
	PoolStats(ctx context.Context) (*rpc.PoolStatsResult, error)
	// Metrics returns the server metrics in Prometheus text format.
	Metrics(ctx context.Context) (string, error)
	SaveMemory(ctx context.Context, text, userID string) (string, error)
	ListMemories(ctx context.Context, userID string) (string, error)
	SearchMemories(ctx context.Context, query, userID string, limit int) (string, error)
	// Close closes the RPC connection.
	Close() error
}

var _ RPCClient = (*rpc.Client)(nil)
