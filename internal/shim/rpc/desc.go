package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unaryHandler adapts one typed method to the grpc.MethodDesc handler shape.
func unaryHandler[Req any, Resp any](
	method string,
	call func(*TaskRPCServer, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + taskServiceName + "/" + method
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(*TaskRPCServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(*TaskRPCServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// taskServiceHandler is the method set RegisterService type-checks the
// registered implementation against; HandlerType must be a pointer to an
// interface type.
type taskServiceHandler interface {
	Create(context.Context, *CreateTaskRequest) (*CreateTaskResponse, error)
	Start(context.Context, *StartRequest) (*StartResponse, error)
	Exec(context.Context, *ExecRequest) (*ExecResponse, error)
	Kill(context.Context, *KillRequest) (*KillResponse, error)
	Wait(context.Context, *WaitRequest) (*WaitResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	State(context.Context, *StateRequest) (*StateResponse, error)
	Pids(context.Context, *PidsRequest) (*PidsResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
}

var taskServiceDesc = grpc.ServiceDesc{
	ServiceName: taskServiceName,
	HandlerType: (*taskServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: unaryHandler("Create", (*TaskRPCServer).Create)},
		{MethodName: "Start", Handler: unaryHandler("Start", (*TaskRPCServer).Start)},
		{MethodName: "Exec", Handler: unaryHandler("Exec", (*TaskRPCServer).Exec)},
		{MethodName: "Kill", Handler: unaryHandler("Kill", (*TaskRPCServer).Kill)},
		{MethodName: "Wait", Handler: unaryHandler("Wait", (*TaskRPCServer).Wait)},
		{MethodName: "Delete", Handler: unaryHandler("Delete", (*TaskRPCServer).Delete)},
		{MethodName: "State", Handler: unaryHandler("State", (*TaskRPCServer).State)},
		{MethodName: "Pids", Handler: unaryHandler("Pids", (*TaskRPCServer).Pids)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", (*TaskRPCServer).Stats)},
		{MethodName: "Shutdown", Handler: unaryHandler("Shutdown", (*TaskRPCServer).Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wasmshim/task/v1/task.json",
}
