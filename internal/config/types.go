package config

import "strings"

// Config is the full runtime configuration.
type Config struct {
	App       AppConfig       `toml:"app"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Pool      PoolConfig      `toml:"pool"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Trading   TradingConfig   `toml:"trading"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the distributed claim lock. Disabled means
// single-instance operation guarded by the database constraint alone.
type RedisConfig struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type PoolConfig struct {
	MaxAdapters        int `toml:"max_adapters"`
	IdleTimeoutMinutes int `toml:"idle_timeout_minutes"`
}

type LedgerConfig struct {
	LockWaitSeconds     int `toml:"lock_wait_seconds"`
	LockTTLSeconds      int `toml:"lock_ttl_seconds"`
	StalePendingMinutes int `toml:"stale_pending_minutes"`
}

type ReconcileConfig struct {
	Enabled            bool `toml:"enabled"`
	IntervalSeconds    int  `toml:"interval_seconds"`
	GracePeriodSeconds int  `toml:"grace_period_seconds"`
	Concurrency        int  `toml:"concurrency"`
}

// TradingConfig sets execution-level guard rails shared by all agents.
type TradingConfig struct {
	DefaultLeverage       int     `toml:"default_leverage"`
	MaxPositionUSD        float64 `toml:"max_position_usd"` // 0 = no cap
	BreakerThreshold      int     `toml:"breaker_threshold"`
	BreakerTimeoutSeconds int     `toml:"breaker_timeout_seconds"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet tracks which config paths the files set explicitly, so defaults
// only fill genuinely missing fields.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one field's default rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
