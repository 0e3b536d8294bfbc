package sandbox

import (
	"context"
	"sync"

	"wasmshim/pkg/utils/logger"

	"go.uber.org/zap"
)

// Guard owns the OS resources acquired for one task's isolation boundary and
// releases them exactly once. Setup failure, engine panic recovery and the
// Delete path all converge on Release.
type Guard struct {
	once     sync.Once
	releases []func() error
}

// Add registers a release function. Releases run in reverse order of
// registration.
func (g *Guard) Add(release func() error) {
	g.releases = append(g.releases, release)
}

// Release runs every registered release function once. Errors are logged and
// do not stop the remaining releases; teardown is best-effort but never
// silent.
func (g *Guard) Release(ctx context.Context) {
	g.once.Do(func() {
		for i := len(g.releases) - 1; i >= 0; i-- {
			if err := g.releases[i](); err != nil {
				logger.Warn(ctx, "sandbox resource release failed", zap.Error(err))
			}
		}
	})
}
