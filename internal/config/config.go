package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CHIMEBOT_DISCORD_TOKEN.
const EnvPrefix = "CHIMEBOT"

// DefaultPath is read when no --config flag is given.
const DefaultPath = "Settings.toml"

// Config contains all runtime settings for the chime bot.
type Config struct {
	Discord  Discord  `mapstructure:"discord"`
	Chimes   Chimes   `mapstructure:"chimes"`
	Audio    Audio    `mapstructure:"audio"`
	Dispatch Dispatch `mapstructure:"dispatch"`
	Database Database `mapstructure:"database"`
	Locale   Locale   `mapstructure:"locale"`
	Log      Log      `mapstructure:"log"`
	HTTP     HTTP     `mapstructure:"http"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

type Discord struct {
	Token       string `mapstructure:"token"`
	CommandRoot string `mapstructure:"command_root"`
}

type Chimes struct {
	Dir      string `mapstructure:"dir"`
	Volatile bool   `mapstructure:"volatile"`
	// FileSizeLimitKB of -1 disables the upload size check.
	FileSizeLimitKB int64         `mapstructure:"file_size_limit_kb"`
	DurationMax     time.Duration `mapstructure:"duration_max"`
	PlaybackCap     time.Duration `mapstructure:"playback_cap"`
}

// FileSizeLimitBytes converts the configured limit, keeping -1 as unlimited.
func (c Chimes) FileSizeLimitBytes() int64 {
	if c.FileSizeLimitKB < 0 {
		return -1
	}
	return c.FileSizeLimitKB * 1000
}

// Audio names the external tools used to probe and transcode chimes.
type Audio struct {
	FFmpeg  string `mapstructure:"ffmpeg"`
	FFprobe string `mapstructure:"ffprobe"`
}

type Dispatch struct {
	BusSize    int           `mapstructure:"bus_size"`
	IdlePeriod time.Duration `mapstructure:"idle_period"`
}

type Database struct {
	URL string `mapstructure:"url"`
}

type Locale struct {
	ResourceDir string `mapstructure:"resource_dir"`
	Default     string `mapstructure:"default"`
}

type Log struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

type HTTP struct {
	// Addr empty disables the operational HTTP server.
	Addr           string `mapstructure:"addr"`
	AllowAnyOrigin bool   `mapstructure:"allow_any_origin"`
}

type Metrics struct {
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.command_root", "chime")
	v.SetDefault("chimes.dir", "userdata")
	v.SetDefault("chimes.volatile", false)
	v.SetDefault("chimes.file_size_limit_kb", 1000)
	v.SetDefault("chimes.duration_max", "5s")
	v.SetDefault("chimes.playback_cap", "15s")
	v.SetDefault("audio.ffmpeg", "ffmpeg")
	v.SetDefault("audio.ffprobe", "ffprobe")
	v.SetDefault("dispatch.bus_size", 64)
	v.SetDefault("dispatch.idle_period", "5m")
	v.SetDefault("database.url", "")
	v.SetDefault("locale.resource_dir", "resources")
	v.SetDefault("locale.default", "en-US")
	v.SetDefault("log.path", "chimebot.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allow_any_origin", false)
	v.SetDefault("metrics.namespace", "chimebot")
}

// Load reads the TOML file at path, applies CHIMEBOT_* environment
// overrides and validates the result. A missing file is tolerated only when
// path is DefaultPath, so a deployment can run on environment alone.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if !missing || path != DefaultPath {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Discord.Token = strings.TrimSpace(cfg.Discord.Token)
	cfg.Database.URL = strings.TrimSpace(cfg.Database.URL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the bot cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if c.Discord.CommandRoot == "" {
		errs = append(errs, errors.New("discord.command_root must not be empty"))
	}
	if c.Chimes.Dir == "" {
		errs = append(errs, errors.New("chimes.dir must not be empty"))
	}
	if c.Chimes.FileSizeLimitKB != -1 && c.Chimes.FileSizeLimitKB <= 0 {
		errs = append(errs, errors.New("chimes.file_size_limit_kb must be -1 or positive"))
	}
	if c.Chimes.DurationMax <= 0 {
		errs = append(errs, errors.New("chimes.duration_max must be positive"))
	}
	if c.Chimes.PlaybackCap <= 0 {
		errs = append(errs, errors.New("chimes.playback_cap must be positive"))
	}
	if c.Dispatch.BusSize < 1 {
		errs = append(errs, errors.New("dispatch.bus_size must be at least 1"))
	}
	if c.Dispatch.IdlePeriod < time.Second {
		errs = append(errs, errors.New("dispatch.idle_period must be at least 1s"))
	}
	if c.Locale.Default == "" {
		errs = append(errs, errors.New("locale.default must not be empty"))
	}
	return errors.Join(errs...)
}
