package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultConfigName = "mahoraga"
	DefaultConfigType = "toml"

	DefaultHost = "127.0.0.1"
	DefaultPort = 3450

	DefaultFileWriteDelay = 150 * time.Millisecond
	reloadDebounce        = 500 * time.Millisecond
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns the mirror lists and server defaults mahoraga ships
// with out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             DefaultHost,
			Port:             DefaultPort,
			KeepAlive:        5 * time.Second,
			LimitConcurrency: 64,
			ShutdownTimeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Access: true,
		},
		CORS: CORSConfig{
			AllowMethods: []string{"GET"},
			MaxAge:       600,
		},
		CacheDir: ".",
		Upstream: UpstreamConfig{
			Conda: CondaConfig{
				Default: []string{"https://conda.anaconda.org/"},
			},
			Pyodide: []string{
				"https://cdn.jsdelivr.net/",
				"https://fastly.jsdelivr.net/",
				"https://gcore.jsdelivr.net/",
				"https://originfastly.jsdelivr.net/",
				"https://quantil.jsdelivr.net/",
				"https://testingcf.jsdelivr.net/",
			},
			PyPI: PyPIConfig{
				HTML: []string{
					"https://mirror.nju.edu.cn/pypi/web/",
					"https://mirrors.aliyun.com/pypi/web/",
				},
				JSON: []string{
					"https://mirrors.tuna.tsinghua.edu.cn/pypi/web/",
					"https://pypi.org/",
				},
			},
			Python: []string{
				"https://www.python.org/ftp/python/{version}/{name}",
			},
			PythonBuildStandalone: []string{
				"https://github.com/astral-sh/python-build-standalone/releases/download/",
			},
			UV: []string{
				"https://pypi.org/simple/uv/",
			},
			NPMScopes: []string{"bokeh", "holoviz", "pyscript", "stlite"},
			Backup: []string{
				"conda.anaconda.org",
				"github.com",
				"prefix.dev",
				"pypi.org",
				"www.python.org",
			},
		},
		Shard: map[string][]string{},
	}
}

// Load reads mahoraga.toml (plus MAHORAGA_* environment overrides) into a
// Config, starting from DefaultConfig's defaults. onConfigChange, if set, is
// invoked (debounced) whenever the file changes on disk.
func Load(onConfigChange func(*Config)) (*Config, error) {
	v := viper.New()
	v.SetConfigName(DefaultConfigName)
	v.SetConfigType(DefaultConfigType)
	v.AddConfigPath(".")

	v.SetEnvPrefix("MAHORAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("MAHORAGA_CONFIG_FILE"); configFile != "" {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(condaEntryDecodeHook)); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if onConfigChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < reloadDebounce {
				return
			}
			lastReload = now

			time.Sleep(DefaultFileWriteDelay)

			next := DefaultConfig()
			if err := v.Unmarshal(next, viper.DecodeHook(condaEntryDecodeHook)); err != nil {
				return
			}
			onConfigChange(next)
		})
	}

	return cfg, nil
}

// condaEntryDecodeHook lets a conda with-label/without-label entry be either
// a bare string (an alias to another channel's mirror list) or a list of
// mirror URLs.
func condaEntryDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(CondaEntry{}) {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return CondaEntry{Alias: v}, nil
	case []any:
		mirrors := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("conda mirror entry must be a string, got %T", item)
			}
			mirrors = append(mirrors, s)
		}
		return CondaEntry{Mirrors: mirrors}, nil
	default:
		return data, nil
	}
}

// Resolve follows With*'s alias chain to the concrete mirror list for a
// channel, falling back to the given default when the channel has no entry.
func Resolve(entries map[string]CondaEntry, channel string, fallback []string) []string {
	seen := map[string]bool{}
	for {
		entry, ok := entries[channel]
		if !ok {
			return fallback
		}
		if entry.Alias == "" {
			return entry.Mirrors
		}
		if seen[entry.Alias] {
			return fallback // alias cycle, shouldn't happen in well-formed config
		}
		seen[entry.Alias] = true
		channel = entry.Alias
	}
}
