package config

import (
	"os"
	"strconv"
)

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// MQConfig holds RabbitMQ settings.
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds token verification settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// ChainConfig holds Ethereum network settings for on-chain milestone creation.
type ChainConfig struct {
	RPCURL                string `yaml:"rpc_url"`
	ChainID               int64  `yaml:"chain_id"`
	CappedMilestoneAddr   string `yaml:"capped_milestone_address"`
	ExplorerURL           string `yaml:"explorer_url"`
	SenderKey             string `yaml:"sender_key"`
	GasPriceGwei          int64  `yaml:"gas_price_gwei"`
	BroadcastTimeoutSec   int    `yaml:"broadcast_timeout_sec"`
	ReceiptPollIntervalMs int    `yaml:"receipt_poll_interval_ms"`
}

// RatesConfig points at the fiat conversion-rate endpoint.
type RatesConfig struct {
	URL string `yaml:"url"`
}

// UploadsConfig points at the attachment upload endpoint.
type UploadsConfig struct {
	URL string `yaml:"url"`
}

// WhitelistEntry is a pre-approved address with an optional display name.
type WhitelistEntry struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// WhitelistConfig holds the reviewer and project-owner whitelists. It is
// passed into the orchestrator at construction time rather than read from
// ambient globals.
type WhitelistConfig struct {
	Reviewers     []WhitelistEntry `yaml:"reviewers"`
	ProjectOwners []WhitelistEntry `yaml:"project_owners"`
}

// OverrideDBFromEnv applies DB_* environment variables.
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv applies MQ_URL.
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv applies REDIS_* environment variables.
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv applies JWT_SECRET.
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv applies SERVER_PORT.
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideChainFromEnv applies CHAIN_* environment variables. The sender key
// is only ever read from the environment or secrets.env, never from base.yaml.
func OverrideChainFromEnv(cfg *ChainConfig) {
	if url := os.Getenv("CHAIN_RPC_URL"); url != "" {
		cfg.RPCURL = url
	}
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.ChainID = v
		}
	}
	if key := os.Getenv("CHAIN_SENDER_KEY"); key != "" {
		cfg.SenderKey = key
	}
	if addr := os.Getenv("CHAIN_CAPPED_MILESTONE_ADDRESS"); addr != "" {
		cfg.CappedMilestoneAddr = addr
	}
}

// OverrideRatesFromEnv applies RATES_URL.
func OverrideRatesFromEnv(cfg *RatesConfig) {
	if url := os.Getenv("RATES_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideUploadsFromEnv applies UPLOADS_URL.
func OverrideUploadsFromEnv(cfg *UploadsConfig) {
	if url := os.Getenv("UPLOADS_URL"); url != "" {
		cfg.URL = url
	}
}
