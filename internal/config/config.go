// Package config loads xpost-dl settings from defaults, an optional YAML
// file, a .env file, XPOST_* environment variables and command line flags.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexferrari88/xpost-dl/lib"
)

// EnvPrefix is prepended to every environment variable, e.g. XPOST_JINA_API_KEY.
const EnvPrefix = "XPOST"

// Config is the fully resolved configuration.
type Config struct {
	Jina  JinaConfig  `yaml:"jina" mapstructure:"jina"`
	Fetch FetchConfig `yaml:"fetch" mapstructure:"fetch"`
	Log   LogConfig   `yaml:"log" mapstructure:"log"`
}

// JinaConfig configures the markdown-rendering proxy.
type JinaConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey   string `yaml:"api_key" mapstructure:"api_key"`
	Format   string `yaml:"format" mapstructure:"format"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"`
	Proxy     string        `yaml:"proxy" mapstructure:"proxy"`
	Rate      int           `yaml:"rate" mapstructure:"rate"`
	Retries   int           `yaml:"retries" mapstructure:"retries"`
	Workers   int           `yaml:"workers" mapstructure:"workers"`
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"endpoint":   "jina.endpoint",
	"api-key":    "jina.api_key",
	"format":     "jina.format",
	"user-agent": "fetch.user_agent",
	"proxy":      "fetch.proxy",
	"rate":       "fetch.rate",
	"retries":    "fetch.retries",
	"workers":    "fetch.workers",
	"timeout":    "fetch.timeout",
	"log-level":  "log.level",
}

// Load reads configuration. configFile may be empty, in which case
// ./xpost.yaml is used when present. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("xpost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("jina.endpoint", lib.DefaultEndpoint)
	v.SetDefault("jina.api_key", "")
	v.SetDefault("jina.format", string(lib.FormatMarkdown))
	v.SetDefault("fetch.user_agent", lib.DefaultUserAgent)
	v.SetDefault("fetch.proxy", "")
	v.SetDefault("fetch.rate", lib.DefaultRatePerSecond)
	v.SetDefault("fetch.retries", lib.DefaultMaxRetries)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.timeout", time.Duration(0))
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, eris.Wrapf(err, "config: bind flag %s", name)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later in surprising ways.
func (c *Config) Validate() error {
	if c.Fetch.Rate <= 0 {
		return eris.Errorf("config: rate must be greater than 0 (got %d)", c.Fetch.Rate)
	}
	if c.Fetch.Workers <= 0 {
		return eris.Errorf("config: workers must be greater than 0 (got %d)", c.Fetch.Workers)
	}
	if c.Fetch.Retries < 0 {
		return eris.Errorf("config: retries must not be negative (got %d)", c.Fetch.Retries)
	}
	if c.Fetch.Timeout < 0 {
		return eris.Errorf("config: timeout must not be negative (got %s)", c.Fetch.Timeout)
	}
	if _, err := lib.ParseReturnFormat(c.Jina.Format); err != nil {
		return eris.Wrap(err, "config")
	}
	return nil
}

// InitLogger initializes the global zap logger. Logs always go to stderr so
// stdout only carries JSON output. verbose forces the debug level.
func InitLogger(cfg LogConfig, verbose bool) error {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.DisableStacktrace = true
	}
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
