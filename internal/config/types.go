package config

import "time"

// Config holds all configuration for mahoraga, loaded from mahoraga.toml.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Log      LogConfig            `mapstructure:"log"`
	CORS     CORSConfig           `mapstructure:"cors"`
	Upstream UpstreamConfig       `mapstructure:"upstream"`
	Shard    map[string][]string  `mapstructure:"shard"`
	CacheDir string               `mapstructure:"cache-dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	KeepAlive       time.Duration `mapstructure:"keep-alive"`
	LimitConcurrency int          `mapstructure:"limit-concurrency"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

// LogConfig controls the structured/styled logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Access bool   `mapstructure:"access"`
}

// CORSConfig controls the CORS middleware's allow-lists and preflight
// answers.
type CORSConfig struct {
	AllowOrigins     []string `mapstructure:"allow-origins"`
	AllowMethods     []string `mapstructure:"allow-methods"`
	AllowHeaders     []string `mapstructure:"allow-headers"`
	AllowCredentials bool     `mapstructure:"allow-credentials"`
	AllowOriginRegex string   `mapstructure:"allow-origin-regex"`
	ExposeHeaders    []string `mapstructure:"expose-headers"`
	MaxAge           int      `mapstructure:"max-age"`
}

// UpstreamConfig lists the candidate mirrors for every route family.
type UpstreamConfig struct {
	Conda                 CondaConfig `mapstructure:"conda"`
	Pyodide               []string    `mapstructure:"pyodide"`
	PyPI                  PyPIConfig  `mapstructure:"pypi"`
	Python                []string    `mapstructure:"python"`
	PythonBuildStandalone []string    `mapstructure:"python-build-standalone"`
	UV                    []string    `mapstructure:"uv"`
	Backup                []string    `mapstructure:"backup"`
	// NPMScopes is the allow-list of "@scope" prefixes the npm route accepts.
	NPMScopes []string `mapstructure:"npm-scopes"`
}

// CondaConfig holds the default and per-channel mirror overrides. with-label
// and without-label entries support an "alias to another channel's list"
// indirection - a string value here means "use this channel's list".
type CondaConfig struct {
	Default     []string                 `mapstructure:"default"`
	WithLabel   map[string]CondaEntry    `mapstructure:"with-label"`
	WithoutLabel map[string]CondaEntry   `mapstructure:"without-label"`
}

// CondaEntry is either a literal mirror list or an alias naming another entry
// in the same map to inherit its list from.
type CondaEntry struct {
	Alias   string
	Mirrors []string
}

// PyPIConfig holds the html/json mirror lists; All chains both.
type PyPIConfig struct {
	HTML []string `mapstructure:"html"`
	JSON []string `mapstructure:"json"`
}

// All returns the html mirrors followed by the json mirrors.
func (p PyPIConfig) All() []string {
	out := make([]string, 0, len(p.HTML)+len(p.JSON))
	out = append(out, p.HTML...)
	out = append(out, p.JSON...)
	return out
}
