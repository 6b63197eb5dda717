package config

import "time"

const (
	DefaultGDBBind         = "127.0.0.1:1337"
	DefaultPollInterval    = 20 * time.Millisecond
	DefaultSetupTimeout    = 2 * time.Second
	DefaultMaxRecords      = 10000
	DefaultRefresh         = 100 * time.Millisecond
	DefaultShutdownGrace   = 2 * time.Second
	DefaultProbeTimeout    = time.Second
	DefaultChunkSize       = 1024
	DefaultBreakpointUnits = 6
	DefaultHaltPoll        = 50 * time.Millisecond
	DefaultScanSize        = 64 * 1024

	// DefaultFrameSize is one little-endian f32 sample.
	DefaultFrameSize = 4
)

// Defaults returns the configuration used when no file sets a value.
func Defaults() *Config {
	c := &Config{}
	c.Reset.Enabled = true
	c.RTT.Enabled = true
	c.GDB.HaltOnAttach = true
	c.Dashboard.Enabled = true
	c.SetDefaults()
	return c
}

// SetDefaults fills zero values left after decoding.
func (c *Config) SetDefaults() {
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(DefaultProbeTimeout)
	}

	if c.Flashing.Format == "" {
		c.Flashing.Format = "auto"
	}
	if c.Flashing.ChunkSize == 0 {
		c.Flashing.ChunkSize = DefaultChunkSize
	}

	if c.RTT.PollInterval == 0 {
		c.RTT.PollInterval = Duration(DefaultPollInterval)
	}
	if c.RTT.SetupTimeout == 0 {
		c.RTT.SetupTimeout = Duration(DefaultSetupTimeout)
	}
	if c.RTT.MaxRecords == 0 {
		c.RTT.MaxRecords = DefaultMaxRecords
	}
	if c.RTT.ScanRegion.Start == 0 && c.RTT.ScanRegion.Size == 0 {
		c.RTT.ScanRegion = ScanRegion{Start: 0x20000000, Size: DefaultScanSize}
	}
	if c.RTT.LogName == "" {
		c.RTT.LogName = "rtt"
	}
	for i := range c.RTT.Channels {
		ch := &c.RTT.Channels[i]
		if ch.Format == "" {
			ch.Format = "string"
		}
		if ch.Format == "binary" && ch.FrameSize == 0 && !ch.LengthPrefixed {
			ch.FrameSize = DefaultFrameSize
		}
		if ch.Format == "defmt" && ch.Decoder == "" {
			ch.Decoder = "cbor"
		}
	}

	if c.GDB.Bind == "" {
		c.GDB.Bind = DefaultGDBBind
	}
	if c.GDB.BreakpointUnits == 0 {
		c.GDB.BreakpointUnits = DefaultBreakpointUnits
	}
	if c.GDB.HaltPollInterval == 0 {
		c.GDB.HaltPollInterval = Duration(DefaultHaltPoll)
	}

	if c.Dashboard.Refresh == 0 {
		c.Dashboard.Refresh = Duration(DefaultRefresh)
	}
	if c.Dashboard.Mode == "" {
		c.Dashboard.Mode = "auto"
	}

	if c.Session.ShutdownGrace == 0 {
		c.Session.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
}

// ApplyOverrides layers command line flags over the profile.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Chip != "" {
		c.General.Chip = o.Chip
	}
	if o.Probe != "" {
		c.Probe.Selector = o.Probe
	}
	if o.Image != "" {
		c.Flashing.Image = o.Image
		c.Flashing.Enabled = true
	}
	if o.NoFlash {
		c.Flashing.Enabled = false
	}
	if o.GDBBind != "" {
		c.GDB.Enabled = true
		c.GDB.Bind = o.GDBBind
	}
	if o.NoDashboard {
		c.Dashboard.Enabled = false
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
}
