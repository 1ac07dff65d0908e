package orchestrator

import (
	"sync"

	"rentreclaim/internal/config"
	"rentreclaim/internal/logging"
)

// ChangeSource reports whether the config file changed since the last call.
// config.Watcher satisfies it.
type ChangeSource interface {
	Changed() bool
}

// WatchedPolicy returns the policy of cfg until changes reports an edit, then
// reloads path at the start of the next cycle. A reload that fails to load or
// validate keeps the previous policy. dryRun forces dry-run on every snapshot.
func WatchedPolicy(cfg *config.Config, path string, changes ChangeSource, dryRun bool) PolicyFunc {
	var mu sync.Mutex
	current := cfg.Policy()
	return func() (config.Policy, error) {
		mu.Lock()
		defer mu.Unlock()

		if changes != nil && changes.Changed() {
			next, err := config.Load(path)
			if err == nil {
				err = next.Validate()
			}
			logging.AuditFor(logging.CategoryOrchestrator).ConfigReload(path, err)
			if err != nil {
				logging.Get(logging.CategoryOrchestrator).Warnf("Config reload failed, keeping previous policy: %v", err)
			} else {
				current = next.Policy()
				logging.Get(logging.CategoryOrchestrator).Info("Policy reloaded from config")
			}
		}
		if dryRun {
			return current.WithDryRun(true), nil
		}
		return current, nil
	}
}
