package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir        string
		DeleteOnCancel bool
	}
	Engine struct {
		StartTimeout    time.Duration
		MetadataTimeout time.Duration
		StatusInterval  time.Duration
		ListenPort      int
		Trackers        []string
	}
	Progress struct {
		Window           time.Duration
		SnapshotInterval time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("ABQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/queue.db")
	v.SetDefault("download.datadir", "data/books")
	v.SetDefault("download.deleteoncancel", false)
	v.SetDefault("engine.starttimeout", 30*time.Second)
	v.SetDefault("engine.metadatatimeout", 10*time.Minute)
	v.SetDefault("engine.statusinterval", time.Second)
	v.SetDefault("engine.listenport", 0)
	v.SetDefault("engine.trackers", []string{})
	v.SetDefault("progress.window", 500*time.Millisecond)
	v.SetDefault("progress.snapshotinterval", 5*time.Second)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "audiobooks")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Download.DataDir) == "" {
		return fmt.Errorf("download.datadir is required")
	}
	for key, d := range map[string]time.Duration{
		"engine.starttimeout":       c.Engine.StartTimeout,
		"engine.metadatatimeout":    c.Engine.MetadataTimeout,
		"engine.statusinterval":     c.Engine.StatusInterval,
		"progress.window":           c.Progress.Window,
		"progress.snapshotinterval": c.Progress.SnapshotInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
