package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grovetools/embed/errors"
	"github.com/sirupsen/logrus"
)

// Validate checks the resolved configuration. It runs once, before the
// session touches the probe.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.General.Chip) == "" {
		return errors.ConfigInvalid("general.chip must be set (or pass --chip)")
	}

	if c.Probe.SpeedKHz < 0 {
		return errors.ConfigInvalid("probe.speed_khz cannot be negative")
	}

	if err := c.validateFlashing(); err != nil {
		return err
	}
	if err := c.validateRTT(); err != nil {
		return err
	}
	if err := c.validateGDB(); err != nil {
		return err
	}

	if c.Dashboard.Refresh <= 0 {
		return errors.ConfigInvalid("dashboard.refresh must be positive")
	}
	switch c.Dashboard.Mode {
	case "auto", "tui", "log":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("dashboard.mode %q must be auto, tui or log", c.Dashboard.Mode))
	}

	if c.Session.ShutdownGrace <= 0 {
		return errors.ConfigInvalid("session.shutdown_grace must be positive")
	}

	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid logging.level").
				WithDetail("level", c.Logging.Level)
		}
	}

	// The debugger owns run/halt state; an RTT reader that halts the core
	// behind its back would corrupt every stop reply.
	if c.GDB.Enabled && c.RTT.Enabled && c.RTT.HaltWhilePolling {
		return errors.ConfigConflict("gdb.enabled", "rtt.halt_while_polling",
			"disable rtt.halt_while_polling while the GDB server is enabled")
	}

	return nil
}

func (c *Config) validateFlashing() error {
	f := c.Flashing
	switch f.Format {
	case "auto", "elf", "bin":
	default:
		return errors.ConfigInvalid(fmt.Sprintf("flashing.format %q must be auto, elf or bin", f.Format))
	}
	if f.ChunkSize < 0 {
		return errors.ConfigInvalid("flashing.chunk_size cannot be negative")
	}
	if !f.Enabled {
		return nil
	}
	if f.Image == "" {
		return errors.ConfigInvalid("flashing.image must be set when flashing is enabled")
	}
	info, err := os.Stat(f.Image)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "flashing.image is not readable").
			WithDetail("image", f.Image)
	}
	if info.IsDir() {
		return errors.ConfigInvalid(fmt.Sprintf("flashing.image %s is a directory", f.Image))
	}
	return nil
}

func (c *Config) validateRTT() error {
	r := c.RTT
	if !r.Enabled {
		return nil
	}
	if r.PollInterval <= 0 {
		return errors.ConfigInvalid("rtt.poll_interval must be positive")
	}
	if r.MaxRecords <= 0 {
		return errors.ConfigInvalid("rtt.max_records must be positive")
	}
	if r.ScanRegion.Size < 0 {
		return errors.ConfigInvalid("rtt.scan_region.size cannot be negative")
	}

	seen := make(map[int]bool)
	for i, ch := range r.Channels {
		where := fmt.Sprintf("rtt.channels[%d]", i)
		if ch.Up < 0 {
			return errors.ConfigInvalid(where + ".up cannot be negative")
		}
		if seen[ch.Up] {
			return errors.ConfigInvalid(fmt.Sprintf("%s: up channel %d is configured twice", where, ch.Up))
		}
		seen[ch.Up] = true
		if ch.Down != nil && *ch.Down < 0 {
			return errors.ConfigInvalid(where + ".down cannot be negative")
		}

		switch ch.Format {
		case "string":
		case "binary":
			if !ch.LengthPrefixed && ch.FrameSize <= 0 {
				return errors.ConfigInvalid(where + ".frame_size must be positive for binary channels")
			}
			if ch.LengthPrefixed && ch.FrameSize != 0 {
				return errors.ConfigInvalid(where + ": frame_size and length_prefixed are mutually exclusive")
			}
		case "defmt":
			if ch.Decoder != "cbor" {
				return errors.ConfigInvalid(fmt.Sprintf("%s.decoder %q is not a known frame decoder", where, ch.Decoder))
			}
		default:
			return errors.ConfigInvalid(fmt.Sprintf("%s.format %q must be string, binary or defmt", where, ch.Format))
		}
	}
	return nil
}

func (c *Config) validateGDB() error {
	g := c.GDB
	if !g.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(g.Bind); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigInvalid, "gdb.bind must be host:port").
			WithDetail("bind", g.Bind)
	}
	if g.BreakpointUnits < 0 || g.BreakpointUnits > 8 {
		return errors.ConfigInvalid("gdb.breakpoint_units must be between 0 (default) and 8")
	}
	if g.HaltPollInterval <= 0 {
		return errors.ConfigInvalid("gdb.halt_poll_interval must be positive")
	}
	return nil
}
