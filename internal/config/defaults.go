package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = "/data/logs/agentledger.log"

	defaultDatabasePath = "/data/db/agentledger.db"

	defaultRedisAddr = "127.0.0.1:6379"

	defaultPoolMaxAdapters = 32
	defaultPoolIdleMinutes = 30

	defaultLockWaitSeconds     = 3
	defaultLockTTLSeconds      = 10
	defaultStalePendingMinutes = 10

	defaultReconcileInterval    = 120
	defaultReconcileGracePeriod = 300
	defaultReconcileConcurrency = 4

	defaultTradingLeverage       = 10
	defaultBreakerThreshold      = 5
	defaultBreakerTimeoutSeconds = 60
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Database.applyDefaults(keys)
	c.Redis.applyDefaults(keys)
	c.Pool.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (d *DatabaseConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("database.path", &d.Path, defaultDatabasePath),
	)
}

func (r *RedisConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("redis.addr", &r.Addr, defaultRedisAddr),
	)
	if r.DB < 0 {
		r.DB = 0
	}
}

func (p *PoolConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "pool.max_adapters",
			need:  func() bool { return p.MaxAdapters <= 0 },
			apply: func() { p.MaxAdapters = defaultPoolMaxAdapters },
		},
		fieldDefault{
			key:   "pool.idle_timeout_minutes",
			need:  func() bool { return p.IdleTimeoutMinutes <= 0 },
			apply: func() { p.IdleTimeoutMinutes = defaultPoolIdleMinutes },
		},
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "ledger.lock_wait_seconds",
			need:  func() bool { return l.LockWaitSeconds <= 0 },
			apply: func() { l.LockWaitSeconds = defaultLockWaitSeconds },
		},
		fieldDefault{
			key:   "ledger.lock_ttl_seconds",
			need:  func() bool { return l.LockTTLSeconds <= 0 },
			apply: func() { l.LockTTLSeconds = defaultLockTTLSeconds },
		},
		fieldDefault{
			key:   "ledger.stale_pending_minutes",
			need:  func() bool { return l.StalePendingMinutes <= 0 },
			apply: func() { l.StalePendingMinutes = defaultStalePendingMinutes },
		},
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("reconcile.enabled", &r.Enabled, true),
		fieldDefault{
			key:   "reconcile.interval_seconds",
			need:  func() bool { return r.IntervalSeconds <= 0 },
			apply: func() { r.IntervalSeconds = defaultReconcileInterval },
		},
		fieldDefault{
			key:   "reconcile.grace_period_seconds",
			need:  func() bool { return r.GracePeriodSeconds <= 0 },
			apply: func() { r.GracePeriodSeconds = defaultReconcileGracePeriod },
		},
		fieldDefault{
			key:   "reconcile.concurrency",
			need:  func() bool { return r.Concurrency <= 0 },
			apply: func() { r.Concurrency = defaultReconcileConcurrency },
		},
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "trading.default_leverage",
			need:  func() bool { return t.DefaultLeverage <= 0 },
			apply: func() { t.DefaultLeverage = defaultTradingLeverage },
		},
		fieldDefault{
			key:   "trading.breaker_threshold",
			need:  func() bool { return t.BreakerThreshold <= 0 },
			apply: func() { t.BreakerThreshold = defaultBreakerThreshold },
		},
		fieldDefault{
			key:   "trading.breaker_timeout_seconds",
			need:  func() bool { return t.BreakerTimeoutSeconds <= 0 },
			apply: func() { t.BreakerTimeoutSeconds = defaultBreakerTimeoutSeconds },
		},
	)
	if t.MaxPositionUSD < 0 {
		t.MaxPositionUSD = 0
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
