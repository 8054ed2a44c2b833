package jobwire

import (
	"net"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// SentinelMasterName is the logical master every sentinel descriptor points at.
const SentinelMasterName = "mymaster"

type SentinelAddr struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// RedisConfig is the connection configuration as it comes from the
// application config.
type RedisConfig struct {
	UseSentinel bool           `json:"useSentinel" yaml:"useSentinel"`
	Host        string         `json:"host" yaml:"host"`
	Port        int            `json:"port" yaml:"port"`
	Sentinels   []SentinelAddr `json:"sentinels" yaml:"sentinels"`
	Password    string         `json:"password" yaml:"password"`
	DB          int            `json:"db" yaml:"db"`
}

// ConnectionDescriptor holds validated connection parameters. Either
// Host/Port or Sentinels/Name is populated, never both.
type ConnectionDescriptor struct {
	Host      string
	Port      int
	Sentinels []SentinelAddr
	Name      string

	Password string
	DB       int
}

// IsSentinel reports whether d describes a sentinel topology.
func (d ConnectionDescriptor) IsSentinel() bool { return len(d.Sentinels) > 0 }

// Addr returns host:port for standalone descriptors.
func (d ConnectionDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// SentinelAddrs returns the sentinel endpoints as host:port strings.
func (d ConnectionDescriptor) SentinelAddrs() []string {
	addrs := make([]string, 0, len(d.Sentinels))
	for _, s := range d.Sentinels {
		addrs = append(addrs, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	}
	return addrs
}

// NewClient builds a client for d. Connections are opened lazily.
func (d ConnectionDescriptor) NewClient() redis.UniversalClient {
	if d.IsSentinel() {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    d.Name,
			SentinelAddrs: d.SentinelAddrs(),
			Password:      d.Password,
			DB:            d.DB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     d.Addr(),
		Password: d.Password,
		DB:       d.DB,
	})
}

// ResolveConnection validates cfg and translates it into a descriptor.
// Missing values are configuration errors; nothing is defaulted.
func ResolveConnection(cfg RedisConfig) (ConnectionDescriptor, error) {
	if cfg.UseSentinel {
		if len(cfg.Sentinels) == 0 {
			return ConnectionDescriptor{}, &ConfigurationError{Msg: "Sentinel configuration missing sentinels array"}
		}
		sentinels := make([]SentinelAddr, 0, len(cfg.Sentinels))
		for _, s := range cfg.Sentinels {
			if s.Host == "" || s.Port == 0 {
				return ConnectionDescriptor{}, &ConfigurationError{Msg: "Sentinel configuration missing host or port for sentinel"}
			}
			sentinels = append(sentinels, s)
		}
		return ConnectionDescriptor{
			Sentinels: sentinels,
			Name:      SentinelMasterName,
			Password:  cfg.Password,
			DB:        cfg.DB,
		}, nil
	}

	if cfg.Host == "" || cfg.Port == 0 {
		return ConnectionDescriptor{}, &ConfigurationError{Msg: "Redis configuration missing required host or port"}
	}
	return ConnectionDescriptor{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}
