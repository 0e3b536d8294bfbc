package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Task lifecycle errors
// 12000-12999: Sandbox & isolation errors
// 13000-13999: Spec translation errors
// 14000-14999: Execution engine errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	AlreadyExists       ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006
	IOError             ErrorCode = 10007

	// ========== Task Lifecycle Errors (11000-11999) ==========

	TaskNotFound      ErrorCode = 11000
	TaskAlreadyExists ErrorCode = 11001
	ExecNotFound      ErrorCode = 11002
	ExecAlreadyExists ErrorCode = 11003
	InvalidState      ErrorCode = 11004
	StillRunning      ErrorCode = 11005
	ShutdownRefused   ErrorCode = 11006

	// ========== Sandbox & Isolation Errors (12000-12999) ==========

	PermissionDenied ErrorCode = 12000
	CgroupError      ErrorCode = 12001
	NamespaceError   ErrorCode = 12002
	SeccompError     ErrorCode = 12003
	MountError       ErrorCode = 12004

	// ========== Spec Translation Errors (13000-13999) ==========

	ConfigError      ErrorCode = 13000
	NoModule         ErrorCode = 13001
	NotWasmWorkload  ErrorCode = 13002
	DuplicateEnvKey  ErrorCode = 13003
	BadBundle        ErrorCode = 13004
	ModuleDecompress ErrorCode = 13005

	// ========== Execution Engine Errors (14000-14999) ==========

	EngineError       ErrorCode = 14000
	EngineStartFailed ErrorCode = 14001
	RemoteUnavailable ErrorCode = 14002
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	AlreadyExists:       "Resource already exists",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",
	IOError:             "I/O operation failed",

	// Task lifecycle
	TaskNotFound:      "Task not found",
	TaskAlreadyExists: "Task already exists",
	ExecNotFound:      "Exec process not found",
	ExecAlreadyExists: "Exec process already exists",
	InvalidState:      "Operation invalid for current lifecycle state",
	StillRunning:      "Process is still running",
	ShutdownRefused:   "Tasks are still registered",

	// Sandbox & isolation
	PermissionDenied: "Sandbox setup permission denied",
	CgroupError:      "Cgroup operation failed",
	NamespaceError:   "Namespace setup failed",
	SeccompError:     "Seccomp profile setup failed",
	MountError:       "Mount operation failed",

	// Spec translation
	ConfigError:      "Malformed runtime spec",
	NoModule:         "No resolvable wasm module reference",
	NotWasmWorkload:  "Entrypoint is not a wasm workload",
	DuplicateEnvKey:  "Duplicate environment key",
	BadBundle:        "Bundle layout is invalid",
	ModuleDecompress: "Module artifact decompression failed",

	// Execution engine
	EngineError:       "Execution engine failure",
	EngineStartFailed: "Execution engine failed to start",
	RemoteUnavailable: "Remote executor unavailable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == TaskNotFound, c == ExecNotFound:
		return 404
	case c == AlreadyExists, c == TaskAlreadyExists, c == ExecAlreadyExists:
		return 409
	case c == InvalidState, c == StillRunning, c == ShutdownRefused:
		return 409
	case c == PermissionDenied:
		return 403
	case c >= 13000 && c < 14000:
		return 400
	case c == InvalidParams:
		return 400
	case c == ServiceUnavailable, c == RemoteUnavailable:
		return 503
	default:
		return 500
	}
}
