package executor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	pkgerrors "wasmshim/pkg/errors"
	"wasmshim/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultRunTimeout = 5 * time.Minute

// Server runs shipped modules through a local wasm runtime command, e.g.
// "wasmtime run".
type Server struct {
	runtimeArgv []string
	workDir     string
	timeout     time.Duration
}

// NewServer parses the runtime command line and prepares the scratch dir.
func NewServer(runtimeCommand, workDir string, timeout time.Duration) (*Server, error) {
	argv, err := shlex.Split(runtimeCommand)
	if err != nil || len(argv) == 0 {
		return nil, pkgerrors.Newf(pkgerrors.ConfigError, "bad runtime command %q", runtimeCommand)
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.IOError, "create executor work dir")
	}
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &Server{runtimeArgv: argv, workDir: workDir, timeout: timeout}, nil
}

// Run materializes the module to a scratch file, invokes the runtime and
// reports the exit status with captured output.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if len(req.Module) == 0 {
		return nil, pkgerrors.New(pkgerrors.NoModule).WithMessage("empty module payload")
	}

	modulePath := filepath.Join(s.workDir, uuid.NewString()+".wasm")
	if err := os.WriteFile(modulePath, req.Module, 0600); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.IOError, "write module scratch file")
	}
	defer os.Remove(modulePath)

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	argv := append(append([]string(nil), s.runtimeArgv...), modulePath)
	if len(req.Args) > 1 {
		argv = append(argv, "--")
		argv = append(argv, req.Args[1:]...)
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = req.Env
	cmd.Stdin = bytes.NewReader(req.Stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, pkgerrors.Wrapf(err, pkgerrors.EngineError, "run module")
		}
	}

	logger.Info(ctx, "module executed",
		zap.String("task_id", req.TaskID),
		zap.String("exec_id", req.ExecID),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", time.Since(start)))

	return &RunResponse{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}
