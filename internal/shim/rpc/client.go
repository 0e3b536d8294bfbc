package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// TaskClient is the typed client for the task service.
type TaskClient struct {
	conn *grpc.ClientConn
}

// NewTaskClient wraps an established connection.
func NewTaskClient(conn *grpc.ClientConn) *TaskClient {
	return &TaskClient{conn: conn}
}

func invoke[Req any, Resp any](ctx context.Context, c *TaskClient, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	err := c.conn.Invoke(ctx, "/"+taskServiceName+"/"+method, req, out,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TaskClient) Create(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	return invoke[CreateTaskRequest, CreateTaskResponse](ctx, c, "Create", req)
}

func (c *TaskClient) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	return invoke[StartRequest, StartResponse](ctx, c, "Start", req)
}

func (c *TaskClient) Exec(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	return invoke[ExecRequest, ExecResponse](ctx, c, "Exec", req)
}

func (c *TaskClient) Kill(ctx context.Context, req *KillRequest) (*KillResponse, error) {
	return invoke[KillRequest, KillResponse](ctx, c, "Kill", req)
}

func (c *TaskClient) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	return invoke[WaitRequest, WaitResponse](ctx, c, "Wait", req)
}

func (c *TaskClient) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	return invoke[DeleteRequest, DeleteResponse](ctx, c, "Delete", req)
}

func (c *TaskClient) State(ctx context.Context, req *StateRequest) (*StateResponse, error) {
	return invoke[StateRequest, StateResponse](ctx, c, "State", req)
}

func (c *TaskClient) Pids(ctx context.Context, req *PidsRequest) (*PidsResponse, error) {
	return invoke[PidsRequest, PidsResponse](ctx, c, "Pids", req)
}

func (c *TaskClient) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	return invoke[StatsRequest, StatsResponse](ctx, c, "Stats", req)
}

func (c *TaskClient) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	return invoke[ShutdownRequest, ShutdownResponse](ctx, c, "Shutdown", req)
}
