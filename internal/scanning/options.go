package scanning

import (
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
)

// DefaultWorkers is the number of TCP ports probed in parallel.
const DefaultWorkers = 32

type options struct {
	logger  *logging.Logger
	metrics metrics.Recorder
	workers int
	limiter ResourceManager
}

// Option configures a prober or a Scanner.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithWorkers sets how many TCP ports are probed at once. Values below one
// are ignored.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithResourceManager caps how many scans a Scanner runs at once.
func WithResourceManager(rm ResourceManager) Option {
	return func(o *options) {
		o.limiter = rm
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  logging.Default(),
		metrics: metrics.Nop{},
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
