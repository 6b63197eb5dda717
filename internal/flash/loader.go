package flash

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/grovetools/embed/config"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/probe"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/pkg/paths"
	"github.com/grovetools/embed/state"
	"github.com/grovetools/embed/util/sanitize"
	"github.com/sirupsen/logrus"
)

// Result describes a completed flash.
type Result struct {
	Image    string
	Digest   string
	Bytes    int
	Segments int
	// Skipped is set when the image matched the last programmed digest.
	Skipped  bool
	Verified bool
	Duration time.Duration
	// RTTAddress is the _SEGGER_RTT symbol, zero when the image has none.
	RTTAddress uint32
}

// Loader programs an image and resets the target. Implementations run
// before any other subsystem touches the handle.
type Loader interface {
	Flash(ctx context.Context, h *probe.Handle, cfg config.FlashingConfig, reset config.ResetConfig) (*Result, error)
}

// MemoryLoader writes image segments straight into target memory in
// chunks, one handle acquisition per chunk.
type MemoryLoader struct {
	// CacheKey identifies the target for skip-unchanged digests, usually
	// the chip and probe selector.
	CacheKey string
	// CacheDir defaults to paths.CacheDir().
	CacheDir string
	Logger   *logrus.Entry
	// Progress is called after every chunk with bytes written so far.
	Progress func(done, total int)
}

var _ Loader = (*MemoryLoader)(nil)

func (l *MemoryLoader) Flash(ctx context.Context, h *probe.Handle, cfg config.FlashingConfig, reset config.ResetConfig) (*Result, error) {
	log := l.Logger
	if log == nil {
		log = logging.NewLogger("flash")
	}
	start := time.Now()

	img, err := LoadImage(cfg.Image, cfg.Format, uint32(cfg.BaseAddress))
	if err != nil {
		return nil, errors.FlashFailed(cfg.Image, err)
	}
	res := &Result{
		Image:    cfg.Image,
		Digest:   img.Digest(),
		Bytes:    img.Size(),
		Segments: len(img.Segments),
	}
	if addr, ok := img.Symbol(RTTSymbol); ok {
		res.RTTAddress = addr
	}
	log = log.WithFields(logrus.Fields{"image": filepath.Base(cfg.Image), "bytes": res.Bytes})

	if cfg.SkipUnchanged && l.lastDigest() == res.Digest {
		res.Skipped = true
		log.Info("Image unchanged since last flash, skipping programming")
	} else {
		if err := l.program(ctx, h, img, cfg, res); err != nil {
			return nil, errors.FlashFailed(cfg.Image, err)
		}
		if cfg.SkipUnchanged {
			if err := l.storeDigest(res.Digest); err != nil {
				log.WithError(err).Warn("Failed to record image digest")
			}
		}
	}

	if err := h.Do(ctx, func(a *probe.Access) error {
		if reset.Enabled {
			return a.Reset(ctx, reset.HaltAfterwards)
		}
		if reset.HaltAfterwards || res.Skipped {
			return nil
		}
		return a.Resume(ctx)
	}); err != nil {
		return nil, errors.FlashFailed(cfg.Image, err)
	}

	res.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"skipped":  res.Skipped,
		"verified": res.Verified,
		"duration": res.Duration.Round(time.Millisecond),
	}).Info("Flash complete")
	return res, nil
}

func (l *MemoryLoader) program(ctx context.Context, h *probe.Handle, img *Image, cfg config.FlashingConfig, res *Result) error {
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = config.DefaultChunkSize
	}

	if err := h.Do(ctx, func(a *probe.Access) error { return a.Halt(ctx) }); err != nil {
		return err
	}

	total := img.Size()
	done := 0
	for _, seg := range img.Segments {
		for off := 0; off < len(seg.Data); off += chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := off + chunk
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			addr := seg.Addr + uint32(off)
			part := seg.Data[off:end]
			if err := h.Do(ctx, func(a *probe.Access) error {
				return a.WriteMemory(ctx, addr, part)
			}); err != nil {
				return fmt.Errorf("write at 0x%08x: %w", addr, err)
			}
			done += len(part)
			if l.Progress != nil {
				l.Progress(done, total)
			}
		}
	}

	if !cfg.Verify {
		return nil
	}
	for _, seg := range img.Segments {
		for off := 0; off < len(seg.Data); off += chunk {
			end := off + chunk
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			addr := seg.Addr + uint32(off)
			var got []byte
			if err := h.Do(ctx, func(a *probe.Access) error {
				var err error
				got, err = a.ReadMemory(ctx, addr, end-off)
				return err
			}); err != nil {
				return fmt.Errorf("verify read at 0x%08x: %w", addr, err)
			}
			if !bytes.Equal(got, seg.Data[off:end]) {
				return fmt.Errorf("verify mismatch in 0x%08x+%d", addr, end-off)
			}
		}
	}
	res.Verified = true
	return nil
}

func (l *MemoryLoader) digests() *state.Store {
	dir := l.CacheDir
	if dir == "" {
		dir = paths.CacheDir()
	}
	return state.Open(filepath.Join(dir, "flash-digests.yml"))
}

func (l *MemoryLoader) lastDigest() string {
	digest, _ := l.digests().GetString(sanitize.ForKey(l.CacheKey))
	return digest
}

func (l *MemoryLoader) storeDigest(digest string) error {
	return l.digests().Set(sanitize.ForKey(l.CacheKey), digest)
}
