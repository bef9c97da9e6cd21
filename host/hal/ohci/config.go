package ohci

import "time"

// Config holds driver tunables. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// AbortSettle is how long an aborting caller waits after setting an
	// ED's skip flag before touching its TDs.
	AbortSettle time.Duration

	// CloseSettle is how long Close waits after skipping an ED before
	// unlinking it.
	CloseSettle time.Duration

	// RHSCInterval bounds how often a root hub status change interrupt
	// is re-enabled.
	RHSCInterval time.Duration

	// BusResetDelay is how long the bus is held in reset during init.
	BusResetDelay time.Duration

	// PowerOnDelay is waited after switching on port power.
	PowerOnDelay time.Duration

	// PortResetDelay is the poll interval while waiting for a port
	// reset to finish.
	PortResetDelay time.Duration

	// OwnershipTimeout bounds the wait for firmware to release the
	// controller.
	OwnershipTimeout time.Duration

	// Descriptors carved per pool chunk.
	EDChunk  int
	TDChunk  int
	ITDChunk int

	// IsocStartDelay is how many frames ahead of the current frame the
	// first isochronous ITD of an idle pipe is scheduled.
	IsocStartDelay int

	// FrameInterval is the FI value programmed when the controller
	// reports none.
	FrameInterval uint32
}

// DefaultConfig returns the configuration the driver normally runs with.
func DefaultConfig() Config {
	return Config{
		AbortSettle:      20 * time.Millisecond,
		CloseSettle:      1 * time.Millisecond,
		RHSCInterval:     1 * time.Second,
		BusResetDelay:    100 * time.Millisecond,
		PowerOnDelay:     5 * time.Millisecond,
		PortResetDelay:   10 * time.Millisecond,
		OwnershipTimeout: 100 * time.Millisecond,
		EDChunk:          64,
		TDChunk:          128,
		ITDChunk:         64,
		IsocStartDelay:   5,
		FrameInterval:    FmDefaultFI,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithSettle sets the abort and close settle delays.
func WithSettle(abort, closing time.Duration) Option {
	return func(c *Config) {
		c.AbortSettle = abort
		c.CloseSettle = closing
	}
}

// WithRHSCInterval sets the root hub status change rate limit.
func WithRHSCInterval(d time.Duration) Option {
	return func(c *Config) { c.RHSCInterval = d }
}

// WithResetDelays sets the bus reset, power-on and port reset delays.
func WithResetDelays(bus, power, port time.Duration) Option {
	return func(c *Config) {
		c.BusResetDelay = bus
		c.PowerOnDelay = power
		c.PortResetDelay = port
	}
}

// WithChunks sets the pool growth sizes.
func WithChunks(eds, tds, itds int) Option {
	return func(c *Config) {
		c.EDChunk, c.TDChunk, c.ITDChunk = eds, tds, itds
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.EDChunk <= 0 {
		c.EDChunk = d.EDChunk
	}
	if c.TDChunk <= 0 {
		c.TDChunk = d.TDChunk
	}
	if c.ITDChunk <= 0 {
		c.ITDChunk = d.ITDChunk
	}
	if c.IsocStartDelay <= 0 {
		c.IsocStartDelay = d.IsocStartDelay
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.RHSCInterval <= 0 {
		c.RHSCInterval = d.RHSCInterval
	}
}
