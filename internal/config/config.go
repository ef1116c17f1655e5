// Package config describes the slave process configuration. Files are YAML;
// anything left out of the file keeps its Default value.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the configuration file.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Slave     SlaveConfig     `yaml:"slave"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"http-server"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Sink      SinkConfig      `yaml:"sink"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SlaveConfig controls the replication link, checkpointing and the
// request log.
type SlaveConfig struct {
	ID     string `yaml:"id"`
	Mirror bool   `yaml:"mirror"`
	Auth   string `yaml:"auth"`

	WorkDir        string `yaml:"work_dir"`
	UseReqlog      bool   `yaml:"use_reqlog"`
	MaxSegmentSize int64  `yaml:"max_segment_size"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RecvTimeout    time.Duration `yaml:"recv_timeout"`
	// the master is considered gone after this long without any frame
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	CheckpointBatch    int           `yaml:"checkpoint_batch"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
	OutOfSyncDelay time.Duration `yaml:"out_of_sync_delay"`

	DrainInterval time.Duration `yaml:"drain_interval"`
	DrainBatch    int           `yaml:"drain_batch"`
}

type StorageConfig struct {
	DataDir       string `yaml:"data_dir"`
	MetaDir       string `yaml:"meta_dir"`
	SyncWrites    bool   `yaml:"sync_writes"`
	MaxEntryBytes uint64 `yaml:"max_entry_bytes"`
}

type ServerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

const (
	DiscoveryStatic    = "static"
	DiscoveryZookeeper = "zookeeper"

	SinkNone = "none"
	SinkLog  = "log"
	SinkHTTP = "http"
)

// DiscoveryConfig tells the slave where its master is. In static mode
// Master is used as is; in zookeeper mode the master address is read from
// <root>/master and the slave registers itself under <root>/slaves.
type DiscoveryConfig struct {
	Mode           string        `yaml:"mode"`
	Master         string        `yaml:"master"`
	ZKServers      []string      `yaml:"zk_servers"`
	ZKRoot         string        `yaml:"zk_root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Advertise      string        `yaml:"advertise"`
}

// SinkConfig selects where the drain task forwards the request log.
type SinkConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Slave: SlaveConfig{
			ID:                 "master-1",
			WorkDir:            "./data/reqlog",
			UseReqlog:          true,
			MaxSegmentSize:     64 << 20,
			ConnectTimeout:     5 * time.Second,
			RecvTimeout:        300 * time.Millisecond,
			IdleTimeout:        30 * time.Second,
			CheckpointBatch:    1000,
			CheckpointInterval: time.Second,
			RetryBase:          200 * time.Millisecond,
			RetryMax:           30 * time.Second,
			OutOfSyncDelay:     time.Second,
			DrainInterval:      200 * time.Millisecond,
			DrainBatch:         1000,
		},
		Storage: StorageConfig{
			DataDir:       "./data/db",
			MetaDir:       "./data/meta",
			SyncWrites:    false,
			MaxEntryBytes: 16 << 20,
		},
		Server: ServerConfig{
			Enabled:           true,
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Mode:           DiscoveryStatic,
			Master:         "127.0.0.1:8888",
			ZKRoot:         "/kvrepl",
			SessionTimeout: 5 * time.Second,
		},
		Sink: SinkConfig{
			Kind:    SinkLog,
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing file is
// not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var ErrInvalid = errors.New("config: invalid")

func (c Config) Validate() error {
	if c.Slave.ID == "" {
		return fmt.Errorf("%w: slave.id is required", ErrInvalid)
	}
	if c.Slave.CheckpointBatch <= 0 {
		return fmt.Errorf("%w: slave.checkpoint_batch must be positive", ErrInvalid)
	}
	if c.Slave.RetryBase <= 0 || c.Slave.RetryMax < c.Slave.RetryBase {
		return fmt.Errorf("%w: slave.retry_base must be positive and not above retry_max", ErrInvalid)
	}

	switch c.Discovery.Mode {
	case DiscoveryStatic:
		if c.Discovery.Master == "" {
			return fmt.Errorf("%w: discovery.master is required in static mode", ErrInvalid)
		}
	case DiscoveryZookeeper:
		if len(c.Discovery.ZKServers) == 0 {
			return fmt.Errorf("%w: discovery.zk_servers is required in zookeeper mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown discovery.mode %q", ErrInvalid, c.Discovery.Mode)
	}

	switch c.Sink.Kind {
	case SinkNone, SinkLog:
	case SinkHTTP:
		if c.Sink.URL == "" {
			return fmt.Errorf("%w: sink.url is required for the http sink", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown sink.kind %q", ErrInvalid, c.Sink.Kind)
	}
	return nil
}

// SlogLevel maps Logger.Level to a slog level, INFO when unknown.
func (l LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}
