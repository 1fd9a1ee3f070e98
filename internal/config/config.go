// Package config loads server configuration and resolves the well-known
// data directory layout shared by the store, provider, engine, and watcher.
package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/missionkit/missiond/internal/build"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/spf13/viper"
)

// Config is the resolved server configuration.
type Config struct {
	// Host is the listen address. The server binds to loopback only.
	Host string
	// Port is the HTTP listen port (PORT env, default 3848).
	Port int
	// Debug lowers the log level to debug.
	Debug bool
	// LogFormat is "text" or "json".
	LogFormat string
	// Paths is the well-known directory layout under the data root.
	Paths Paths
}

// Paths describes the on-disk layout under the data root.
//
//	<root>/settings.json            key/value configuration
//	<root>/settings.local.json      local overrides
//	<root>/projects.json            registered project servers
//	<root>/missions/defs/<id>.json
//	<root>/missions/templates/<id>.json
//	<root>/missions/runs/<id>.json
//	<root>/teams/<team>/config.json
//	<root>/tasks/<team>/<node>.json
type Paths struct {
	DataRoot          string
	SettingsFile      string
	LocalSettingsFile string
	ProjectsFile      string
	MissionsDir       string
	TemplatesDir      string
	RunsDir           string
	TeamsDir          string
	TasksDir          string
	LockFile          string
}

// ResolvePaths builds the directory layout rooted at dataRoot.
func ResolvePaths(dataRoot string) Paths {
	return Paths{
		DataRoot:          dataRoot,
		SettingsFile:      filepath.Join(dataRoot, "settings.json"),
		LocalSettingsFile: filepath.Join(dataRoot, "settings.local.json"),
		ProjectsFile:      filepath.Join(dataRoot, "projects.json"),
		MissionsDir:       filepath.Join(dataRoot, "missions", "defs"),
		TemplatesDir:      filepath.Join(dataRoot, "missions", "templates"),
		RunsDir:           filepath.Join(dataRoot, "missions", "runs"),
		TeamsDir:          filepath.Join(dataRoot, "teams"),
		TasksDir:          filepath.Join(dataRoot, "tasks"),
		LockFile:          filepath.Join(dataRoot, ".missiond.lock"),
	}
}

// Loader reads and merges configuration from defaults, an optional config
// file, and environment variables.
type Loader struct {
	mu         sync.Mutex
	configFile string
	dataRoot   string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigFile sets an explicit config file path.
func WithConfigFile(file string) LoaderOption {
	return func(l *Loader) { l.configFile = file }
}

// WithDataRoot overrides the data root directory.
func WithDataRoot(dir string) LoaderOption {
	return func(l *Loader) { l.dataRoot = dir }
}

// Load builds a Config using the given options.
func Load(opts ...LoaderOption) (*Config, error) {
	l := &Loader{}
	for _, opt := range opts {
		opt(l)
	}
	cfg, err := l.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := viper.New()
	v.SetEnvPrefix("MISSIOND")
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3848)
	v.SetDefault("debug", false)
	v.SetDefault("logFormat", "text")
	v.SetDefault("dataRoot", defaultDataRoot())

	// PORT is honored without the prefix for parity with the original
	// deployment convention.
	_ = v.BindEnv("port", "PORT", "MISSIOND_PORT")
	_ = v.BindEnv("dataRoot", "MISSIOND_HOME")

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, build.AppName))
		// A missing config file is fine; defaults and env apply.
		_ = v.ReadInConfig()
	}

	dataRoot := v.GetString("dataRoot")
	if l.dataRoot != "" {
		dataRoot = l.dataRoot
	}

	return &Config{
		Host:      v.GetString("host"),
		Port:      v.GetInt("port"),
		Debug:     v.GetBool("debug"),
		LogFormat: v.GetString("logFormat"),
		Paths:     ResolvePaths(dataRoot),
	}, nil
}

func defaultDataRoot() string {
	return filepath.Join(fileutil.MustGetUserHomeDir(), ".claude")
}
