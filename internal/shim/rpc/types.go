package rpc

import "wasmshim/internal/shim/sandbox"

// Wire messages for the task service. Field names are stable wire contract;
// timestamps travel as unix nanoseconds.

type CreateTaskRequest struct {
	TaskID string `json:"task_id"`
	Bundle string `json:"bundle"`
	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

type CreateTaskResponse struct {
	TaskID    string `json:"task_id"`
	SandboxID string `json:"sandbox_id"`
}

type StartRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id,omitempty"`
}

type StartResponse struct {
	Pid int `json:"pid"`
}

type ExecRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id"`
	// ProcessSpec is a raw OCI process document.
	ProcessSpec []byte `json:"process_spec"`
}

type ExecResponse struct{}

type KillRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id,omitempty"`
	Signal int    `json:"signal"`
	All    bool   `json:"all,omitempty"`
}

type KillResponse struct{}

type WaitRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id,omitempty"`
}

type WaitResponse struct {
	ExitCode int    `json:"exit_code"`
	ExitedAt int64  `json:"exited_at"`
	Failed   bool   `json:"failed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type DeleteRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id,omitempty"`
}

type DeleteResponse struct {
	ExitCode int   `json:"exit_code"`
	ExitedAt int64 `json:"exited_at"`
	Pid      int   `json:"pid"`
}

type StateRequest struct {
	TaskID string `json:"task_id"`
	ExecID string `json:"exec_id,omitempty"`
}

type StateResponse struct {
	TaskID    string `json:"task_id"`
	ExecID    string `json:"exec_id,omitempty"`
	State     string `json:"state"`
	TaskState string `json:"task_state"`
	Pid       int    `json:"pid,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Bundle    string `json:"bundle"`
	CreatedAt int64  `json:"created_at"`
}

type PidsRequest struct {
	TaskID string `json:"task_id"`
}

type PidsResponse struct {
	Pids []int `json:"pids"`
}

type StatsRequest struct {
	TaskID string `json:"task_id"`
}

type StatsResponse struct {
	Stats sandbox.Stats `json:"stats"`
}

type ShutdownRequest struct {
	Force bool `json:"force,omitempty"`
}

type ShutdownResponse struct{}
