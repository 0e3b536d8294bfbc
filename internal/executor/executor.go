// Package executor implements remote module execution: a shim configured for
// remote mode ships the module bytes to an executor daemon and adopts the
// returned exit status.
package executor

import (
	"context"

	"google.golang.org/grpc"

	// Registers the JSON codec both sides of the wire use.
	_ "wasmshim/internal/shim/rpc"
)

const serviceName = "wasmshim.executor.v1.Executor"

// RunRequest ships one module invocation to the executor.
type RunRequest struct {
	TaskID string   `json:"task_id"`
	ExecID string   `json:"exec_id,omitempty"`
	Module []byte   `json:"module"`
	Args   []string `json:"args,omitempty"`
	Env    []string `json:"env,omitempty"`
	Stdin  []byte   `json:"stdin,omitempty"`
}

// RunResponse reports the invocation result. Stdout and Stderr carry the
// captured streams so the caller can replay them locally.
type RunResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
}

// Runner executes one shipped module.
type Runner interface {
	Run(ctx context.Context, req *RunRequest) (*RunResponse, error)
}

func runHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Runner).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Run"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Runner).Run(ctx, req.(*RunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Runner)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wasmshim/executor/v1/executor.json",
}

// Register registers a runner on the gRPC server.
func Register(grpcServer *grpc.Server, runner Runner) {
	grpcServer.RegisterService(&serviceDesc, runner)
}
