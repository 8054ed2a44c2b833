package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/aura-studio/jobwire"
)

// FromEnv overlays JOBWIRE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("JOBWIRE_REDIS_USE_SENTINEL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.UseSentinel = b
		}
	}
	if v := os.Getenv("JOBWIRE_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("JOBWIRE_REDIS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = n
		}
	}
	if v := os.Getenv("JOBWIRE_REDIS_SENTINELS"); v != "" {
		cfg.Redis.Sentinels = parseSentinels(v)
	}
	if v := os.Getenv("JOBWIRE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JOBWIRE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("JOBWIRE_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("JOBWIRE_QUEUE"); v != "" {
		cfg.Queue = v
	}
	if v := os.Getenv("JOBWIRE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("JOBWIRE_LOCK_DURATION_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockDurationMs = n
		}
	}
	if v := os.Getenv("JOBWIRE_DISPATCH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchTimeoutMs = n
		}
	}
	if v := os.Getenv("JOBWIRE_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := os.Getenv("JOBWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JOBWIRE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}

// parseSentinels reads "host:port,host:port". Malformed entries are kept
// with the missing part zeroed so connection resolution rejects them.
func parseSentinels(v string) []jobwire.SentinelAddr {
	var out []jobwire.SentinelAddr
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(p)
		if err != nil {
			out = append(out, jobwire.SentinelAddr{Host: p})
			continue
		}
		port, _ := strconv.Atoi(portStr)
		out = append(out, jobwire.SentinelAddr{Host: host, Port: port})
	}
	return out
}
