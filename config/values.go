package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// Duration is a time.Duration written as "20ms" or "2s" in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes durations as Go duration strings.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Duration such as 20ms, 2s or 1m30s",
	}
}

// Address is a 32-bit target address, written as an integer or a hex string
// ("0x2000_0000").
type Address uint32

func (a Address) String() string { return fmt.Sprintf("0x%08x", uint32(a)) }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// JSONSchema accepts both integer and hex string forms.
func (Address) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer"},
			{Type: "string", Pattern: `^(0[xX])?[0-9a-fA-F_]+$`},
		},
		Description: "32-bit target address",
	}
}

// ParseAddress parses decimal or 0x-prefixed hex, allowing '_' separators.
func ParseAddress(s string) (Address, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	v, err := strconv.ParseUint(clean, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return Address(v), nil
}

var (
	durationType = reflect.TypeOf(Duration(0))
	addressType  = reflect.TypeOf(Address(0))
)

// valueHook converts config file scalars into Duration and Address.
func valueHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	switch to {
	case durationType:
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("expected a duration string like \"20ms\", got %v", data)
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		return Duration(v), nil
	case addressType:
		switch v := data.(type) {
		case string:
			return ParseAddress(v)
		case int, int64, uint64, float64:
			n := reflect.ValueOf(v).Convert(reflect.TypeOf(int64(0))).Int()
			if n < 0 || n > 0xFFFFFFFF {
				return nil, fmt.Errorf("address %d out of range", n)
			}
			return Address(n), nil
		}
	}
	return data, nil
}

func decoderConfig(result interface{}) *mapstructure.DecoderConfig {
	return &mapstructure.DecoderConfig{
		TagName:     "yaml",
		Result:      result,
		ErrorUnused: true,
		DecodeHook:  mapstructure.ComposeDecodeHookFunc(valueHook),
	}
}
