package internal

import (
	"chat-relay/runtime"
	"fmt"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

const (
	StagingBadger = "badger"
	StagingDisk   = "disk"
)

type Config struct {
	Host       string `env:"HOST,default=0.0.0.0" validate:"required"`
	Port       int    `env:"PORT,default=9000" validate:"min=1,max=65535"`
	WSPort     int    `env:"WS_PORT,default=9001" validate:"min=0,max=65535"`
	HealthPort int    `env:"HEALTH_PORT,default=9002" validate:"min=0,max=65535"`
	DebugPort  int    `env:"DEBUG_PORT,default=9003" validate:"min=0,max=65535"`
	LogLevel   string `env:"LOG_LEVEL,default=INFO" validate:"required"`

	BroadcastShards   int           `env:"BROADCAST_SHARDS,default=4" validate:"min=1"`
	SessionBufferSize int           `env:"SESSION_BUFFER_SIZE,default=256" validate:"min=1"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=5s" validate:"gt=0"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT,default=5m" validate:"gte=0"`
	MaxFrameSize      int           `env:"MAX_FRAME_SIZE,default=1048576" validate:"min=1024"`
	FileChunkSize     int           `env:"FILE_CHUNK_SIZE,default=65536" validate:"min=1,ltefield=MaxFrameSize"`
	MaxFileSize       int64         `env:"MAX_FILE_SIZE,default=104857600" validate:"min=0"`

	StagingBackend string `env:"STAGING_BACKEND,default=badger" validate:"oneof=badger disk"`
	BadgerFilepath string `env:"BADGER_FILEPATH"`
	StagingDir     string `env:"STAGING_DIR"`

	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=200ms" validate:"gt=0"`
	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=30s" validate:"gte=0"`
}

// LoadConfig reads the process environment. Ports set to 0 disable the
// matching listener, except PORT which is always served.
func LoadConfig() (Config, error) {
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(es)
}

func ParseConfig(es env.EnvSet) (Config, error) {
	var config Config
	if err := env.Unmarshal(es, &config); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func (c Config) Address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c Config) RuntimeConfig() runtime.Config {
	return runtime.Config{
		BroadcastShards:   c.BroadcastShards,
		SessionBufferSize: c.SessionBufferSize,
		DeliveryTimeout:   c.DeliveryTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxFrameSize:      c.MaxFrameSize,
		FileChunkSize:     c.FileChunkSize,
		MaxFileSize:       c.MaxFileSize,
		MetricInterval:    c.MetricInterval,
	}
}
