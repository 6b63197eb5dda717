package config

import (
	"github.com/grovetools/embed/logging"
)

// Config is one resolved profile of embed.toml. It is loaded once per
// session and never mutated afterwards.
type Config struct {
	General   GeneralConfig   `yaml:"general" toml:"general" jsonschema:"description=Target selection"`
	Probe     ProbeConfig     `yaml:"probe" toml:"probe" jsonschema:"description=Debug probe connection"`
	Flashing  FlashingConfig  `yaml:"flashing" toml:"flashing" jsonschema:"description=Firmware programming"`
	Reset     ResetConfig     `yaml:"reset" toml:"reset" jsonschema:"description=Target reset after attach or flashing"`
	RTT       RTTConfig       `yaml:"rtt" toml:"rtt" jsonschema:"description=Real-Time Transfer telemetry"`
	GDB       GDBConfig       `yaml:"gdb" toml:"gdb" jsonschema:"description=GDB remote serial protocol server"`
	Dashboard DashboardConfig `yaml:"dashboard" toml:"dashboard" jsonschema:"description=Terminal dashboard"`
	Session   SessionConfig   `yaml:"session" toml:"session" jsonschema:"description=Session lifecycle"`
	Logging   logging.Config  `yaml:"logging" toml:"logging" jsonschema:"description=Structured logging"`

	// Profile is the name of the profile this config was resolved from.
	Profile string `yaml:"-" toml:"-"`
	// Sources lists the files merged into this config, lowest precedence first.
	Sources []string `yaml:"-" toml:"-"`
}

type GeneralConfig struct {
	Chip  string `yaml:"chip,omitempty" toml:"chip,omitempty" jsonschema:"description=Target chip identifier (e.g. nrf52840_xxAA)"`
	Theme string `yaml:"theme,omitempty" toml:"theme,omitempty" jsonschema:"enum=kanagawa,enum=terminal,enum=,description=Dashboard color theme"`
}

type ProbeConfig struct {
	// Selector picks the probe driver and device, e.g. "sim://?demo=1".
	// Empty selects the first registered driver.
	Selector string   `yaml:"selector,omitempty" toml:"selector,omitempty" jsonschema:"description=Probe selector (scheme://device?options)"`
	SpeedKHz int      `yaml:"speed_khz,omitempty" toml:"speed_khz,omitempty" jsonschema:"minimum=0,description=SWD or JTAG clock in kHz (0 means driver default)"`
	Timeout  Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty" jsonschema:"description=Upper bound for a single probe operation"`
	// HaltForRegisterAccess halts a running core before register reads and writes
	// instead of failing them.
	HaltForRegisterAccess bool `yaml:"halt_for_register_access,omitempty" toml:"halt_for_register_access,omitempty"`
}

type FlashingConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Image   string `yaml:"image,omitempty" toml:"image,omitempty" jsonschema:"description=Firmware image path (ELF or raw binary)"`
	// Format is "auto", "elf" or "bin". Auto sniffs the ELF magic.
	Format        string  `yaml:"format,omitempty" toml:"format,omitempty" jsonschema:"enum=auto,enum=elf,enum=bin,enum="`
	BaseAddress   Address `yaml:"base_address,omitempty" toml:"base_address,omitempty" jsonschema:"description=Load address for raw binaries"`
	Verify        bool    `yaml:"verify,omitempty" toml:"verify,omitempty"`
	SkipUnchanged bool    `yaml:"skip_unchanged,omitempty" toml:"skip_unchanged,omitempty" jsonschema:"description=Skip programming when the image digest matches the last flash"`
	ChunkSize     int     `yaml:"chunk_size,omitempty" toml:"chunk_size,omitempty" jsonschema:"minimum=0"`
}

type ResetConfig struct {
	Enabled        bool `yaml:"enabled" toml:"enabled"`
	HaltAfterwards bool `yaml:"halt_afterwards,omitempty" toml:"halt_afterwards,omitempty"`
}

type RTTConfig struct {
	Enabled  bool            `yaml:"enabled" toml:"enabled"`
	Channels []ChannelConfig `yaml:"channels,omitempty" toml:"channels,omitempty" jsonschema:"description=Channels to show; empty shows every up channel as text"`

	PollInterval Duration `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	SetupTimeout Duration `yaml:"setup_timeout,omitempty" toml:"setup_timeout,omitempty" jsonschema:"description=How long to keep looking for the control block"`
	// ControlBlockAddress pins the control block; otherwise the ELF symbol
	// _SEGGER_RTT is used, then ScanRegion.
	ControlBlockAddress Address    `yaml:"control_block_address,omitempty" toml:"control_block_address,omitempty"`
	ScanRegion          ScanRegion `yaml:"scan_region,omitempty" toml:"scan_region,omitempty"`
	MaxRecords          int        `yaml:"max_records,omitempty" toml:"max_records,omitempty" jsonschema:"minimum=0,description=Records retained per channel"`
	ShowTimestamps      bool       `yaml:"show_timestamps,omitempty" toml:"show_timestamps,omitempty"`
	// HaltWhilePolling halts the core around each buffer read. It cannot be
	// combined with the GDB server.
	HaltWhilePolling bool `yaml:"halt_while_polling,omitempty" toml:"halt_while_polling,omitempty"`

	LogEnabled  bool   `yaml:"log_enabled,omitempty" toml:"log_enabled,omitempty" jsonschema:"description=Write channel history files"`
	LogPath     string `yaml:"log_path,omitempty" toml:"log_path,omitempty"`
	LogName     string `yaml:"log_name,omitempty" toml:"log_name,omitempty"`
	LogCompress bool   `yaml:"log_compress,omitempty" toml:"log_compress,omitempty" jsonschema:"description=zstd-compress binary channel history"`
}

type ScanRegion struct {
	Start Address `yaml:"start,omitempty" toml:"start,omitempty"`
	Size  int     `yaml:"size,omitempty" toml:"size,omitempty" jsonschema:"minimum=0"`
}

type ChannelConfig struct {
	Up   int  `yaml:"up" toml:"up" jsonschema:"minimum=0"`
	Down *int `yaml:"down,omitempty" toml:"down,omitempty" jsonschema:"minimum=0"`
	Name string `yaml:"name,omitempty" toml:"name,omitempty"`
	// Format is "string", "binary" or "defmt".
	Format string `yaml:"format,omitempty" toml:"format,omitempty" jsonschema:"enum=string,enum=binary,enum=defmt,enum="`
	// FrameSize is the fixed record size of binary channels. Four-byte frames
	// are also shown as little-endian f32 values.
	FrameSize      int  `yaml:"frame_size,omitempty" toml:"frame_size,omitempty" jsonschema:"minimum=0"`
	LengthPrefixed bool `yaml:"length_prefixed,omitempty" toml:"length_prefixed,omitempty" jsonschema:"description=Binary frames carry a little-endian u16 length prefix"`
	// Decoder names the structured frame decoder for defmt channels.
	Decoder string `yaml:"decoder,omitempty" toml:"decoder,omitempty" jsonschema:"enum=cbor,enum="`
}

type GDBConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Bind    string `yaml:"bind,omitempty" toml:"bind,omitempty" jsonschema:"description=host:port to listen on"`
	// Essential makes a GDB startup failure fatal for the whole session.
	Essential        bool     `yaml:"essential,omitempty" toml:"essential,omitempty"`
	HaltOnAttach     bool     `yaml:"halt_on_attach" toml:"halt_on_attach"`
	// BreakpointUnits is the number of hardware comparators offered to GDB.
	// 0 selects DefaultBreakpointUnits; breakpoints cannot be disabled here.
	BreakpointUnits  int      `yaml:"breakpoint_units,omitempty" toml:"breakpoint_units,omitempty" jsonschema:"minimum=0,maximum=8,description=Hardware breakpoint comparators (0 means the default of 6)"`
	HaltPollInterval Duration `yaml:"halt_poll_interval,omitempty" toml:"halt_poll_interval,omitempty"`
}

type DashboardConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Refresh Duration `yaml:"refresh,omitempty" toml:"refresh,omitempty"`
	// Mode is "auto", "tui" or "log". Auto uses the TUI only on a terminal.
	Mode string `yaml:"mode,omitempty" toml:"mode,omitempty" jsonschema:"enum=auto,enum=tui,enum=log,enum="`
}

type SessionConfig struct {
	ShutdownGrace Duration `yaml:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty" jsonschema:"description=How long each subsystem gets to stop"`
	// WatchImage posts a dashboard notice when the firmware image changes on disk.
	WatchImage bool `yaml:"watch_image,omitempty" toml:"watch_image,omitempty"`
}

// Overrides carries command line flags applied on top of the loaded profile.
type Overrides struct {
	Chip        string
	Probe       string
	Image       string
	NoFlash     bool
	GDBBind     string
	NoDashboard bool
	LogLevel    string
}
