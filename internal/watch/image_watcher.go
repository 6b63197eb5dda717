// Package watch notices when the firmware image is rebuilt during a session.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/internal/flash"
	"github.com/grovetools/embed/internal/status"
	"github.com/grovetools/embed/logging"
	"github.com/grovetools/embed/util/pathutil"
	"github.com/sirupsen/logrus"
)

const defaultDebounce = 250 * time.Millisecond

// Change describes a rebuilt image.
type Change struct {
	Path   string
	Digest string
}

// Options configure an ImageWatcher.
type Options struct {
	Format string
	Base   uint32
	// Debounce is how long the file must stay quiet before it is hashed.
	Debounce time.Duration
	OnChange func(Change)
	Status   *status.Writer
	Logger   *logrus.Entry
}

// ImageWatcher reports firmware image changes with a new digest. Touching
// the file without changing what would be flashed is ignored.
type ImageWatcher struct {
	watcher *fsnotify.Watcher
	opts    Options
	log     *logrus.Entry

	path   string
	target string
	digest string
}

// NewImageWatcher watches the directory holding path. Linkers replace the
// output file rather than writing it in place, so the file itself is not
// watched. A symlinked image also gets its target's directory watched.
func NewImageWatcher(path string, opts Options) (*ImageWatcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("watch")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid image path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create file watcher")
	}

	w := &ImageWatcher{watcher: watcher, opts: opts, log: log, path: abs, target: abs}
	dirs := map[string]bool{filepath.Dir(abs): true}
	if target, err := pathutil.NormalizeForLookup(abs); err == nil && target != abs {
		w.target = target
		dirs[filepath.Dir(target)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to watch "+dir).
				WithDetail("path", dir)
		}
	}

	if img, err := flash.LoadImage(abs, opts.Format, opts.Base); err == nil {
		w.digest = img.Digest()
	}
	return w, nil
}

// Digest is the digest of the image as last seen.
func (w *ImageWatcher) Digest() string { return w.digest }

// Run blocks until ctx ends.
func (w *ImageWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.opts.Status.Running("watching " + filepath.Base(w.path))
	defer w.opts.Status.Stop()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.matches(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.WithField("op", ev.Op.String()).Debug("Image touched")
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				timer.Reset(w.opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("Watcher error")
			w.opts.Status.Degrade(err)
		case <-fire:
			fire = nil
			w.check()
		}
	}
}

func (w *ImageWatcher) matches(name string) bool {
	name = filepath.Clean(name)
	if name == w.path || name == w.target {
		return true
	}
	same, err := pathutil.SamePath(name, w.target)
	return err == nil && same
}

func (w *ImageWatcher) check() {
	if _, err := os.Stat(w.path); err != nil {
		w.log.WithError(err).Debug("Image not readable yet")
		return
	}
	img, err := flash.LoadImage(w.path, w.opts.Format, w.opts.Base)
	if err != nil {
		w.log.WithError(err).Debug("Image not loadable yet")
		return
	}
	digest := img.Digest()
	if digest == w.digest {
		return
	}
	w.digest = digest
	w.log.WithField("digest", digest[:12]).Info("Firmware image changed")
	if w.opts.OnChange != nil {
		w.opts.OnChange(Change{Path: w.path, Digest: digest})
	}
}
