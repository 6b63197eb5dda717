package probe

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/grovetools/embed/errors"
)

// Target describes what to attach to.
type Target struct {
	// Selector is the raw probe selector, e.g. "sim://?demo=1".
	Selector string
	Scheme   string
	// Device is the host part of the selector (serial number, USB path...).
	Device   string
	Options  url.Values
	Chip     string
	SpeedKHz int
}

// Driver opens connections for one selector scheme.
type Driver interface {
	Open(ctx context.Context, target Target) (Connection, error)
	Description() string
}

// DriverInfo is the listing shown by `embed probe list`.
type DriverInfo struct {
	Scheme      string
	Description string
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register makes a driver available under scheme. It panics on duplicates,
// which only happens through a programming error at init time.
func Register(scheme string, d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[scheme]; dup {
		panic("probe: Register called twice for driver " + scheme)
	}
	drivers[scheme] = d
}

// Drivers lists registered drivers sorted by scheme.
func Drivers() []DriverInfo {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]DriverInfo, 0, len(drivers))
	for scheme, d := range drivers {
		out = append(out, DriverInfo{Scheme: scheme, Description: d.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme < out[j].Scheme })
	return out
}

// ParseSelector splits a selector into a Target. An empty selector picks the
// first registered driver.
func ParseSelector(selector string) (Target, error) {
	t := Target{Selector: selector, Options: url.Values{}}
	if strings.TrimSpace(selector) == "" {
		infos := Drivers()
		if len(infos) == 0 {
			return t, errors.AttachFailed(selector, errors.New(errors.ErrCodeInvalidInput, "no probe drivers registered"))
		}
		t.Scheme = infos[0].Scheme
		return t, nil
	}
	if !strings.Contains(selector, "://") {
		// Bare "sim" or "sim:device".
		scheme, device, _ := strings.Cut(selector, ":")
		t.Scheme = scheme
		t.Device = device
		return t, nil
	}
	u, err := url.Parse(selector)
	if err != nil {
		return t, errors.AttachFailed(selector, err)
	}
	t.Scheme = u.Scheme
	t.Device = u.Host + u.Path
	t.Options = u.Query()
	return t, nil
}

// Open parses selector and asks the matching driver for a connection.
func Open(ctx context.Context, selector, chip string, speedKHz int) (Connection, error) {
	target, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	target.Chip = chip
	target.SpeedKHz = speedKHz

	driversMu.RLock()
	d, ok := drivers[target.Scheme]
	driversMu.RUnlock()
	if !ok {
		return nil, errors.AttachFailed(selector,
			errors.Newf(errors.ErrCodeInvalidInput, "unknown probe driver %q", target.Scheme))
	}

	conn, err := d.Open(ctx, target)
	if err != nil {
		return nil, errors.AttachFailed(selector, err)
	}
	return conn, nil
}
