package sim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/grovetools/embed/internal/probe"
)

func init() {
	probe.Register("sim", driver{})
}

type driver struct{}

func (driver) Description() string {
	return "simulated Cortex-M target (options: demo, up, down, size, cb, latency, nortt)"
}

// Open builds a Target from selector options such as
// "sim://?demo=1&up=2&down=1&size=1024".
func (driver) Open(ctx context.Context, target probe.Target) (probe.Connection, error) {
	q := target.Options
	opts := Options{}

	var err error
	intOpt := func(key string, dst *int) {
		if v := q.Get(key); v != "" && err == nil {
			*dst, err = strconv.Atoi(v)
			if err != nil {
				err = fmt.Errorf("sim option %s: %w", key, err)
			}
		}
	}
	intOpt("up", &opts.UpBuffers)
	intOpt("down", &opts.DownBuffers)
	intOpt("size", &opts.BufferSize)
	if err != nil {
		return nil, err
	}

	if v := q.Get("cb"); v != "" {
		cb, perr := strconv.ParseUint(v, 0, 32)
		if perr != nil {
			return nil, fmt.Errorf("sim option cb: %w", perr)
		}
		opts.ControlBlock = uint32(cb)
	}
	if v := q.Get("latency"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return nil, fmt.Errorf("sim option latency: %w", perr)
		}
		opts.Latency = d
	}
	if v := q.Get("interval"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return nil, fmt.Errorf("sim option interval: %w", perr)
		}
		opts.DemoInterval = d
	}
	opts.Demo = boolOpt(q.Get("demo"))
	opts.NoRTT = boolOpt(q.Get("nortt"))

	if opts.UpBuffers < 0 || opts.DownBuffers < 0 || opts.BufferSize < 0 {
		return nil, fmt.Errorf("sim options must not be negative")
	}
	return New(opts), nil
}

func boolOpt(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
