package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	HTTP     HTTPConfig
	Engine   EngineConfig
	Storage  StorageConfig
	Kafka    KafkaConfig
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
}

type HTTPConfig struct {
	Address     string   `env:"HTTP_ADDRESS" env-default:":8080"`
	CORSOrigins []string `env:"HTTP_CORS_ORIGINS"`
}

type EngineConfig struct {
	Instruments           []string      `env:"ENGINE_INSTRUMENTS" env-default:"BTC-USD"`
	SelfTradePolicy       string        `env:"ENGINE_SELF_TRADE_POLICY" env-default:"allow"`
	DecreaseKeepsPriority bool          `env:"ENGINE_DECREASE_KEEPS_PRIORITY" env-default:"true"`
	RingSize              uint64        `env:"ENGINE_RING_SIZE" env-default:"16384"`
	QueueDepth            int           `env:"ENGINE_QUEUE_DEPTH" env-default:"1024"`
	SnapshotInterval      time.Duration `env:"ENGINE_SNAPSHOT_INTERVAL" env-default:"1m"`
}

type StorageConfig struct {
	DataDir         string        `env:"DATA_DIR" env-default:"./data"`
	SegmentSize     int64         `env:"WAL_SEGMENT_SIZE" env-default:"67108864"`
	SegmentDuration time.Duration `env:"WAL_SEGMENT_DURATION" env-default:"1h"`
}

type KafkaConfig struct {
	Enabled      bool          `env:"KAFKA_ENABLED" env-default:"false"`
	Brokers      []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	TradeTopic   string        `env:"KAFKA_TRADE_TOPIC" env-default:"trade-capture"`
	MarketTopic  string        `env:"KAFKA_MARKET_TOPIC" env-default:"market-data"`
	PollInterval time.Duration `env:"KAFKA_POLL_INTERVAL" env-default:"250ms"`
}

// Load reads configuration from the environment, falling back to the
// optional file at path when one is given.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
