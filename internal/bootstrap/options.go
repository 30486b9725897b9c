package bootstrap

import "github.com/lyzr/flowengine/internal/config"

// Option configures Setup. Grounded on common/bootstrap/options.go's
// functional-option shape, trimmed to what this module's two binaries
// actually need: both always need DB/queue/CAS, so only config override
// survives (for callers that build Config by hand rather than from env).
type Option func(*options)

type options struct {
	customConfig *config.Config
}

// WithCustomConfig uses cfg instead of loading one from the environment.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

func defaultOptions() *options {
	return &options{}
}
