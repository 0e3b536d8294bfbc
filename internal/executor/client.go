package executor

import (
	"context"

	"wasmshim/internal/shim/rpc"

	"google.golang.org/grpc"
)

// Client invokes a remote executor daemon.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an established connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Run ships one module invocation and waits for its result.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	out := new(RunResponse)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/Run", req, out,
		grpc.CallContentSubtype(rpc.CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}
