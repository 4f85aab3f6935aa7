// Package config loads the server settings through Viper from environment
// variables (prefix STOCKLEDGER_) and an optional stockledger.{yaml,env}
// file. Environment variables win over the file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warp/stock-ledger/ledger"
	"github.com/warp/stock-ledger/ota"
)

const envPrefix = "STOCKLEDGER"

type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	Store  StoreConfig
	Lock   LockConfig
	Ledger LedgerConfig
}

// AppConfig configures logging.
type AppConfig struct {
	Env      string // development -> console output; production -> JSON
	LogLevel string
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string // sqlite, postgres or memory
	SQLitePath  string
	DatabaseURL string
	MaxConns    int
}

// LockConfig selects how writers serialize on keys.
type LockConfig struct {
	Driver        string // memory or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Wait          time.Duration
	TTL           time.Duration
}

type LedgerConfig struct {
	MinTransactions           int
	MinWindowDays             int
	OptimalWindowDays         int
	ForceConsumptionCaseTypes []string
	NonNegativeSections       []string
	// SectionToConsumption maps a section to the section its OTA
	// consumption block is published under ("stock:consumption").
	SectionToConsumption map[string]string
}

// Load reads the configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("stockledger")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		_ = v.ReadInConfig() // optional
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := ledger.DefaultConsumptionConfig()
	cfg := &Config{
		App: AppConfig{
			Env:      getString(v, "APP_ENV", "development"),
			LogLevel: getString(v, "LOG_LEVEL", "info"),
		},
		HTTP: HTTPConfig{
			Addr:            getString(v, "HTTP_ADDR", ":8080"),
			ShutdownTimeout: getDuration(v, "HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getList(v, "HTTP_ALLOWED_ORIGINS", []string{"*"}),
		},
		Store: StoreConfig{
			Driver:      getString(v, "STORE_DRIVER", "sqlite"),
			SQLitePath:  getString(v, "SQLITE_PATH", "./data/stock.db"),
			DatabaseURL: getString(v, "DATABASE_URL", ""),
			MaxConns:    getInt(v, "DB_MAX_CONNS", 10),
		},
		Lock: LockConfig{
			Driver:        getString(v, "LOCK_DRIVER", "memory"),
			RedisAddr:     getString(v, "REDIS_ADDR", "localhost:6379"),
			RedisPassword: getString(v, "REDIS_PASSWORD", ""),
			RedisDB:       getInt(v, "REDIS_DB", 0),
			Wait:          getDuration(v, "LOCK_WAIT", ledger.DefaultLockWait),
			TTL:           getDuration(v, "LOCK_TTL", 30*time.Second),
		},
		Ledger: LedgerConfig{
			MinTransactions:           getInt(v, "CONSUMPTION_MIN_TRANSACTIONS", defaults.MinTransactions),
			MinWindowDays:             getInt(v, "CONSUMPTION_MIN_WINDOW_DAYS", defaults.MinWindow),
			OptimalWindowDays:         getInt(v, "CONSUMPTION_OPTIMAL_WINDOW_DAYS", defaults.OptimalWindow),
			ForceConsumptionCaseTypes: getList(v, "FORCE_CONSUMPTION_CASE_TYPES", nil),
			NonNegativeSections:       getList(v, "NON_NEGATIVE_SECTIONS", nil),
			SectionToConsumption:      getPairs(v, "SECTION_TO_CONSUMPTION", nil),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("config: postgres store needs %s_DATABASE_URL", envPrefix)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown lock driver %q", c.Lock.Driver)
	}
	if c.Ledger.OptimalWindowDays < c.Ledger.MinWindowDays {
		return fmt.Errorf("config: optimal window (%d days) is shorter than min window (%d days)",
			c.Ledger.OptimalWindowDays, c.Ledger.MinWindowDays)
	}
	return nil
}

// LedgerPolicy converts the settings into the engine policy.
func (c *Config) LedgerPolicy() ledger.Config {
	cfg := ledger.Config{
		Consumption: ledger.ConsumptionConfig{
			MinTransactions: c.Ledger.MinTransactions,
			MinWindow:       c.Ledger.MinWindowDays,
			OptimalWindow:   c.Ledger.OptimalWindowDays,
		},
		ForceConsumptionCaseTypes: c.Ledger.ForceConsumptionCaseTypes,
	}
	for _, s := range c.Ledger.NonNegativeSections {
		cfg.NonNegativeSections = append(cfg.NonNegativeSections, ledger.SectionID(s))
	}
	return cfg
}

func (c *Config) OTA() ota.Config {
	out := ota.Config{SectionToConsumptionTypes: make(map[ledger.SectionID]ledger.SectionID)}
	for from, to := range c.Ledger.SectionToConsumption {
		out.SectionToConsumptionTypes[ledger.SectionID(from)] = ledger.SectionID(to)
	}
	return out
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case int:
			return v.GetInt(key)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
			if err != nil {
				return def
			}
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		if d := v.GetDuration(key); d > 0 {
			return d
		}
	}
	return def
}

// getList reads a comma-separated list (env) or a list (file).
func getList(v *viper.Viper, key string, def []string) []string {
	if !v.IsSet(key) {
		return def
	}
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// getPairs reads "a:b,c:d" into a map.
func getPairs(v *viper.Viper, key string, def map[string]string) map[string]string {
	list := getList(v, key, nil)
	if list == nil {
		return def
	}
	out := make(map[string]string, len(list))
	for _, pair := range list {
		from, to, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(from)] = strings.TrimSpace(to)
	}
	return out
}
