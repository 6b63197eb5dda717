package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/grovetools/embed/errors"
	"github.com/grovetools/embed/pkg/paths"
	"github.com/grovetools/embed/util/pathutil"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultProfile is merged under every selected profile.
const DefaultProfile = "default"

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// projectNames are searched from the start directory upwards, in order.
var projectNames = []string{
	"Embed.toml",
	"embed.toml",
	".embed.toml",
	"embed.yml",
	"embed.yaml",
}

// overrideNames sit next to the project file and are merged last.
var overrideNames = []string{
	"Embed.local.toml",
	"embed.local.toml",
	"embed.override.yml",
	"embed.override.yaml",
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an explicit project file; it must exist.
	Path string
	// StartDir is where the project file search begins (default: cwd).
	StartDir string
	// Profile selects the profile table merged over [default].
	Profile   string
	Overrides Overrides
	Logger    *logrus.Entry
}

// Load resolves the layered configuration for one profile, applies flag
// overrides and validates the result.
//
// Layers, lowest precedence first:
//  1. Global config ($XDG_CONFIG_HOME/embed/embed.toml)
//  2. Project config (Embed.toml, searched upward from StartDir)
//  3. Local overrides (Embed.local.toml, embed.override.yml)
func Load(opts LoadOptions) (*Config, error) {
	cfg, err := Resolve(opts)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve is Load without the final validation, for `embed config show`.
func Resolve(opts LoadOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		quiet := logrus.New()
		quiet.SetLevel(logrus.WarnLevel)
		logger = logrus.NewEntry(quiet)
	}
	profile := opts.Profile
	if profile == "" {
		profile = DefaultProfile
	}

	files, err := discover(opts)
	if err != nil {
		return nil, err
	}

	merged := map[string]interface{}{}
	for _, path := range files {
		logger.WithField("path", path).Debug("Loading configuration layer")
		layer, err := readLayer(path)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, layer)
	}

	table, err := selectProfile(merged, profile, len(files) > 0)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(table); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "configuration does not match schema").
			WithDetail("profile", profile)
	}

	cfg := Defaults()
	if err := decode(table, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode configuration").
			WithDetail("profile", profile)
	}
	// Paths in a file are relative to the last layer's directory; paths
	// from flags are relative to the working directory.
	base := ""
	if len(files) > 0 {
		base = filepath.Dir(files[len(files)-1])
	}
	if err := cfg.expandPaths(base); err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(opts.Overrides)
	if opts.Overrides.Image != "" {
		if cfg.Flashing.Image, err = pathutil.Expand(cfg.Flashing.Image, ""); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid image path")
		}
	}
	cfg.SetDefaults()
	cfg.Profile = profile
	cfg.Sources = files

	if logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		if data, err := yaml.Marshal(cfg); err == nil {
			logger.Debugf("Resolved configuration (profile %s):\n%s", profile, string(data))
		}
	}
	return cfg, nil
}

func (c *Config) expandPaths(base string) error {
	for _, p := range []*string{&c.Flashing.Image, &c.RTT.LogPath} {
		expanded, err := pathutil.Expand(*p, base)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid path").WithDetail("path", *p)
		}
		*p = expanded
	}
	return nil
}

// LoadFromBytes decodes a single document in the given format ("toml" or
// "yaml") and resolves profile from it.
func LoadFromBytes(data []byte, format, profile string) (*Config, error) {
	layer, err := parse(data, format)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse configuration")
	}
	if profile == "" {
		profile = DefaultProfile
	}
	table, err := selectProfile(layer, profile, true)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(table); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "configuration does not match schema")
	}
	cfg := Defaults()
	if err := decode(table, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to decode configuration")
	}
	cfg.SetDefaults()
	cfg.Profile = profile
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Profiles lists the profile names defined across all layers.
func Profiles(opts LoadOptions) ([]string, error) {
	files, err := discover(opts)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, path := range files {
		layer, err := readLayer(path)
		if err != nil {
			return nil, err
		}
		for name := range layer {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func discover(opts LoadOptions) ([]string, error) {
	var files []string

	if global := globalConfigPath(); global != "" {
		files = append(files, global)
	}

	var project string
	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			return nil, errors.ConfigNotFound(opts.Path)
		}
		project = opts.Path
	} else {
		start := opts.StartDir
		if start == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to get current directory")
			}
			start = cwd
		}
		project = FindConfigFile(start)
	}
	if project == "" {
		return files, nil
	}

	// .env next to the project file feeds ${VAR} expansion. Existing
	// environment variables win.
	envFile := filepath.Join(filepath.Dir(project), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to load .env").
				WithDetail("path", envFile)
		}
	}

	files = append(files, project)
	for _, name := range overrideNames {
		path := filepath.Join(filepath.Dir(project), name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			files = append(files, path)
		}
	}
	return files, nil
}

// FindConfigFile searches startDir and its parents for a project config.
// It returns "" when none exists.
func FindConfigFile(startDir string) string {
	dir := startDir
	for {
		for _, name := range projectNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func globalConfigPath() string {
	dir := paths.ConfigDir()
	if dir == "" {
		return ""
	}
	for _, name := range []string{"embed.toml", "embed.yml", "embed.yaml"} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

func readLayer(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigNotFound(path)
		}
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to read config file").
			WithDetail("path", path)
	}
	layer, err := parse(data, formatOf(path))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "failed to parse config file").
			WithDetail("path", path)
	}
	return layer, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return "yaml"
	default:
		return "toml"
	}
}

func parse(data []byte, format string) (map[string]interface{}, error) {
	expanded := []byte(expandEnvVars(string(data)))
	out := map[string]interface{}{}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(expanded, &out); err != nil {
			return nil, err
		}
	case "toml":
		if err := toml.Unmarshal(expanded, &out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	for name, v := range out {
		m, ok := asMap(v)
		if !ok {
			return nil, fmt.Errorf("top-level key %q must be a profile table", name)
		}
		out[name] = m
	}
	return out, nil
}

func selectProfile(merged map[string]interface{}, profile string, haveFiles bool) (map[string]interface{}, error) {
	base, _ := asMap(merged[DefaultProfile])
	if base == nil {
		base = map[string]interface{}{}
	}
	if profile == DefaultProfile {
		return base, nil
	}
	selected, ok := asMap(merged[profile])
	if !ok {
		err := errors.ConfigInvalid(fmt.Sprintf("profile %q is not defined", profile)).
			WithDetail("profile", profile)
		if !haveFiles {
			err = err.WithDetail("hint", "no Embed.toml was found")
		}
		return nil, err
	}
	return mergeMaps(base, selected), nil
}

func decode(table map[string]interface{}, cfg *Config) error {
	decoder, err := mapstructure.NewDecoder(decoderConfig(cfg))
	if err != nil {
		return err
	}
	return decoder.Decode(table)
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		varName := envVarRegex.FindStringSubmatch(match)[1]

		parts := strings.SplitN(varName, ":-", 2)
		varName = parts[0]
		defaultValue := ""
		if len(parts) > 1 {
			defaultValue = parts[1]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
