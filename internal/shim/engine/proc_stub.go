//go:build !linux

package engine

import (
	"context"

	appErr "wasmshim/pkg/errors"
)

// ProcConfig controls the helper-process engine.
type ProcConfig struct {
	HelperPath     string
	RuntimeCommand string
	RemoteAddr     string
}

type stubEngine struct{}

func NewProcEngine(cfg ProcConfig) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Name() string { return "proc" }

func (s *stubEngine) Start(ctx context.Context, req RunRequest) (Process, error) {
	return nil, appErr.New(appErr.EngineStartFailed).WithMessage("helper-process engine is only supported on linux")
}
