package rpc

import (
	"context"

	"wasmshim/internal/shim/spec"
	"wasmshim/internal/shim/task"
	pkgerrors "wasmshim/pkg/errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const taskServiceName = "wasmshim.task.v1.TaskService"

// TaskRPCServer implements the task service gRPC surface.
type TaskRPCServer struct {
	service *task.Service
}

// NewTaskRPCServer creates a new gRPC server.
func NewTaskRPCServer(svc *task.Service) *TaskRPCServer {
	return &TaskRPCServer{service: svc}
}

// RegisterTaskService registers the task service on the gRPC server.
func RegisterTaskService(grpcServer *grpc.Server, svc *task.Service) {
	grpcServer.RegisterService(&taskServiceDesc, NewTaskRPCServer(svc))
}

func (s *TaskRPCServer) Create(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	resp, err := s.service.Create(ctx, task.CreateRequest{
		TaskID: req.TaskID,
		Bundle: req.Bundle,
		Stdio: spec.Stdio{
			Stdin:  req.Stdin,
			Stdout: req.Stdout,
			Stderr: req.Stderr,
		},
	})
	if err != nil {
		return nil, mapError(err)
	}
	return &CreateTaskResponse{TaskID: resp.TaskID, SandboxID: resp.SandboxID}, nil
}

func (s *TaskRPCServer) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	pid, err := s.service.Start(ctx, req.TaskID, req.ExecID)
	if err != nil {
		return nil, mapError(err)
	}
	return &StartResponse{Pid: pid}, nil
}

func (s *TaskRPCServer) Exec(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
	if req == nil || req.TaskID == "" || req.ExecID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id and exec_id are required")
	}
	if err := s.service.Exec(ctx, req.TaskID, req.ExecID, req.ProcessSpec); err != nil {
		return nil, mapError(err)
	}
	return &ExecResponse{}, nil
}

func (s *TaskRPCServer) Kill(ctx context.Context, req *KillRequest) (*KillResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	if err := s.service.Kill(ctx, req.TaskID, req.ExecID, req.Signal, req.All); err != nil {
		return nil, mapError(err)
	}
	return &KillResponse{}, nil
}

func (s *TaskRPCServer) Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	st, err := s.service.Wait(ctx, req.TaskID, req.ExecID)
	if err != nil {
		return nil, mapError(err)
	}
	return &WaitResponse{
		ExitCode: st.ExitCode,
		ExitedAt: st.ExitedAt.UnixNano(),
		Failed:   st.Failed,
		Reason:   st.Reason,
	}, nil
}

func (s *TaskRPCServer) Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	resp, err := s.service.Delete(ctx, req.TaskID, req.ExecID)
	if err != nil {
		return nil, mapError(err)
	}
	return &DeleteResponse{
		ExitCode: resp.ExitCode,
		ExitedAt: resp.ExitedAt.UnixNano(),
		Pid:      resp.Pid,
	}, nil
}

func (s *TaskRPCServer) State(ctx context.Context, req *StateRequest) (*StateResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	st, err := s.service.State(ctx, req.TaskID, req.ExecID)
	if err != nil {
		return nil, mapError(err)
	}
	return &StateResponse{
		TaskID:    st.Entry.TaskID,
		ExecID:    st.Entry.ExecID,
		State:     st.Entry.State.String(),
		TaskState: st.TaskState.String(),
		Pid:       st.Entry.Pid,
		ExitCode:  st.Entry.ExitCode,
		Reason:    st.Entry.Reason,
		Bundle:    st.Bundle,
		CreatedAt: st.CreatedAt.UnixNano(),
	}, nil
}

func (s *TaskRPCServer) Pids(ctx context.Context, req *PidsRequest) (*PidsResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	pids, err := s.service.Pids(ctx, req.TaskID)
	if err != nil {
		return nil, mapError(err)
	}
	return &PidsResponse{Pids: pids}, nil
}

func (s *TaskRPCServer) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	if req == nil || req.TaskID == "" {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}
	stats, err := s.service.Stats(ctx, req.TaskID)
	if err != nil {
		return nil, mapError(err)
	}
	return &StatsResponse{Stats: stats}, nil
}

func (s *TaskRPCServer) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	force := req != nil && req.Force
	if err := s.service.Shutdown(ctx, force); err != nil {
		return nil, mapError(err)
	}
	return &ShutdownResponse{}, nil
}

func mapError(err error) error {
	code := pkgerrors.GetCode(err)
	switch code {
	case pkgerrors.TaskNotFound, pkgerrors.ExecNotFound, pkgerrors.NotFound, pkgerrors.NoModule:
		return status.Error(codes.NotFound, err.Error())
	case pkgerrors.TaskAlreadyExists, pkgerrors.ExecAlreadyExists, pkgerrors.AlreadyExists:
		return status.Error(codes.AlreadyExists, err.Error())
	case pkgerrors.InvalidState, pkgerrors.StillRunning, pkgerrors.ShutdownRefused:
		return status.Error(codes.FailedPrecondition, err.Error())
	case pkgerrors.PermissionDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case pkgerrors.InvalidParams, pkgerrors.ConfigError, pkgerrors.DuplicateEnvKey,
		pkgerrors.BadBundle, pkgerrors.NotWasmWorkload:
		return status.Error(codes.InvalidArgument, err.Error())
	case pkgerrors.ServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case pkgerrors.Timeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
