package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации релея.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       int64         `mapstructure:"body_limit"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // пусто — метрики не публикуются
}

// DatabaseConfig: driver = postgres | sqlite | memory.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig — аренда транзакций, события и ledger-рельс. Пустой Addr отключает Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// AuthConfig: если публичный ключ задан, мутирующие запросы требуют RS256 токен агента.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

func (a AuthConfig) Enabled() bool { return len(a.PublicKey) > 0 }

// SettlementConfig выбирает рельс и настраивает обертку надежности.
type SettlementConfig struct {
	Rail           string        `mapstructure:"rail"` // simulated | ledger | grpc | evm
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`

	// Circuit Breaker для внешнего рельса
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`

	Simulated SimulatedRailConfig `mapstructure:"simulated"`
	GRPC      GRPCRailConfig      `mapstructure:"grpc"`
	EVM       EVMRailConfig       `mapstructure:"evm"`
}

const (
	// MaxThrottleWait — верхняя граница паузы по Retry-After рельса
	MaxThrottleWait = 5 * time.Second
	// FinalizeMargin — запас на терминальную запись после расчета
	FinalizeMargin = 5 * time.Second
)

// Window — сколько максимум живет расчет одной транзакции: две попытки, пауза
// между ними, ожидание по throttle и финализация. Аренда транзакции и порог
// sweeper не могут быть короче.
func (s SettlementConfig) Window() time.Duration {
	return 2*s.AttemptTimeout + s.RetryDelay + MaxThrottleWait + FinalizeMargin
}

type SimulatedRailConfig struct {
	Latency       time.Duration `mapstructure:"latency"`
	FailAddresses []string      `mapstructure:"fail_addresses"`
}

type GRPCRailConfig struct {
	Target   string `mapstructure:"target"`
	Insecure bool   `mapstructure:"insecure"`
}

type EVMRailConfig struct {
	RPCURL        string        `mapstructure:"rpc_url"`
	TokenContract string        `mapstructure:"token_contract"`
	Decimals      uint8         `mapstructure:"decimals"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// RelayConfig — фоновые задачи релея.
type RelayConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig объединяет значения из файла, ENV и флагов командной строки.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()

	fs := pflag.NewFlagSet("vots-relay", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Int("server.port", 0, "HTTP port")
	fs.String("database.driver", "", "postgres | sqlite | memory")
	fs.String("settlement.rail", "", "simulated | ledger | grpc | evm")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	// Переопределяем только явно заданные флаги
	fs.Visit(func(f *pflag.Flag) {
		if f.Name != "config" {
			_ = v.BindPFlag(f.Name, f)
		}
	})

	if *configPath != "" {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Нет файла — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.body_limit", 1<<20)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "file:vots-relay.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("settlement.rail", "simulated")
	v.SetDefault("settlement.attempt_timeout", 10*time.Second)
	v.SetDefault("settlement.retry_delay", 200*time.Millisecond)
	v.SetDefault("settlement.rate_limit", 100.0)
	v.SetDefault("settlement.rate_burst", 20)
	v.SetDefault("settlement.cb_max_requests", 3)
	v.SetDefault("settlement.cb_interval", 5*time.Second)
	v.SetDefault("settlement.cb_timeout", 30*time.Second)
	v.SetDefault("settlement.cb_max_failures", 5)
	v.SetDefault("settlement.simulated.latency", 20*time.Millisecond)
	v.SetDefault("settlement.evm.decimals", 18)
	v.SetDefault("settlement.evm.poll_interval", 2*time.Second)
	v.SetDefault("relay.sweep_interval", 30*time.Second)
	v.SetDefault("relay.stale_after", 2*time.Minute)
	v.SetDefault("relay.lease_ttl", time.Minute)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate отсекает заведомо неработоспособные комбинации на старте.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}

	switch c.Settlement.Rail {
	case "simulated":
	case "ledger":
		if !c.Redis.Enabled() {
			return errors.New("settlement.rail=ledger requires redis.addr")
		}
	case "grpc":
		if c.Settlement.GRPC.Target == "" {
			return errors.New("settlement.grpc.target is required")
		}
	case "evm":
		if c.Settlement.EVM.RPCURL == "" || c.Settlement.EVM.TokenContract == "" {
			return errors.New("settlement.evm.rpc_url and settlement.evm.token_contract are required")
		}
	default:
		return fmt.Errorf("unsupported settlement.rail %q", c.Settlement.Rail)
	}

	if c.Settlement.AttemptTimeout <= 0 {
		return errors.New("settlement.attempt_timeout must be positive")
	}
	window := c.Settlement.Window()
	if c.Relay.LeaseTTL < window {
		return fmt.Errorf("relay.lease_ttl %s is shorter than the settlement window %s", c.Relay.LeaseTTL, window)
	}
	if c.Relay.StaleAfter <= window {
		return fmt.Errorf("relay.stale_after %s must exceed the settlement window %s", c.Relay.StaleAfter, window)
	}
	return nil
}

// loadKeyResource: PEM прямо в ENV (Docker/K8s) или файл по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
