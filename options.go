package devicebridge

// Option is a functional option for NewDeviceBridge.
type Option func(*config)

// config holds the tunables a DeviceBridge is built with. Zero value plus
// defaultConfig() yields sane behavior; callers adjust it through Option
// values rather than touching fields directly.
type config struct {
	minFrameSize int
	metrics      Metrics
	delay        UpdateDelayPolicy
}

func defaultConfig() *config {
	return &config{
		minFrameSize: DefaultMinFrameSize,
		metrics:      nil,
		delay:        RandomDelay(defaultFastDelay, defaultSteadyDelay),
	}
}

func applyOptions(opts []Option) *config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithMinFrameSize overrides s_MinFrameSize, the smallest chunk the sender
// accepts forward progress on. Values <= 0 are ignored.
func WithMinFrameSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.minFrameSize = n
		}
	}
}

// WithMetrics attaches a Metrics collaborator. A nil value disables
// instrumentation (the default).
func WithMetrics(m Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithUpdateDelay overrides the receive worker's tick cadence.
func WithUpdateDelay(p UpdateDelayPolicy) Option {
	return func(c *config) {
		c.delay = p
	}
}
