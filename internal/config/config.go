package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Values that must never reach production
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Panel          PanelConfig
	Subscription   SubscriptionConfig
	Valkey         ValkeyConfig
	Bot            BotConfig
	Log            LogConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Driver     string // postgres or sqlite
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	Schema     string
	SSLMode    string
	SQLitePath string
}

type JWTConfig struct {
	SecretKey string
}

// PanelConfig controls how 3x-ui panels are reached
type PanelConfig struct {
	DefaultInboundID int
	Timeout          time.Duration
	InsecureTLS      bool
}

type SubscriptionConfig struct {
	// Fallback when the domain setting is absent from bot_settings
	Domain string
	// Expiry granted by a host re-sync to keys with no stored expiry
	FallbackDays int
	CacheTTL     time.Duration
}

type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
}

type BotConfig struct {
	CallbackURL string
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, after an optional .env file
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetString("SERVER_PORT"),
			Mode: v.GetString("GIN_MODE"),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("DB_DRIVER")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetString("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			DBName:     v.GetString("DB_NAME"),
			Schema:     v.GetString("DB_SCHEMA"),
			SSLMode:    v.GetString("DB_SSLMODE"),
			SQLitePath: v.GetString("DB_SQLITE_PATH"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("JWT_SECRET_KEY"),
		},
		Panel: PanelConfig{
			DefaultInboundID: v.GetInt("PANEL_DEFAULT_INBOUND_ID"),
			Timeout:          v.GetDuration("PANEL_TIMEOUT"),
			InsecureTLS:      v.GetBool("PANEL_INSECURE_TLS"),
		},
		Subscription: SubscriptionConfig{
			Domain:       v.GetString("SUBSCRIPTION_DOMAIN"),
			FallbackDays: v.GetInt("SUBSCRIPTION_FALLBACK_DAYS"),
			CacheTTL:     v.GetDuration("SUBSCRIPTION_CACHE_TTL"),
		},
		Valkey: ValkeyConfig{
			Addr:     v.GetString("VALKEY_ADDR"),
			Password: v.GetString("VALKEY_PASSWORD"),
			DB:       v.GetInt("VALKEY_DB"),
		},
		Bot: BotConfig{
			CallbackURL: v.GetString("BOT_CALLBACK_URL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		InternalSecret: v.GetString("INTERNAL_SECRET"),
	}

	// Secrets stay out of the log
	logrus.Infof("[config] VPN Shop Service loaded: port=%s db=%s inbound=%d domain=%s valkey=%t",
		cfg.Server.Port, cfg.Database.Driver, cfg.Panel.DefaultInboundID, cfg.Subscription.Domain, cfg.Valkey.Addr != "")

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8005")
	v.SetDefault("GIN_MODE", "release")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "saas_user")
	v.SetDefault("DB_PASSWORD", "saas_pass")
	v.SetDefault("DB_NAME", "saas_db")
	v.SetDefault("DB_SCHEMA", "vpnshop")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_SQLITE_PATH", "vpnshop.db")

	v.SetDefault("PANEL_DEFAULT_INBOUND_ID", 443)
	v.SetDefault("PANEL_TIMEOUT", 30*time.Second)
	v.SetDefault("PANEL_INSECURE_TLS", false)

	v.SetDefault("SUBSCRIPTION_FALLBACK_DAYS", 30)
	v.SetDefault("SUBSCRIPTION_CACHE_TTL", 5*time.Minute)

	v.SetDefault("VALKEY_DB", 0)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Validate checks the configuration; production must use real secrets
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	return c.ValidateCore()
}

// ValidateCore checks only what the reconciliation core needs, so CLI
// commands can run without the HTTP secrets
func (c *Config) ValidateCore() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Panel.DefaultInboundID <= 0 {
		return fmt.Errorf("PANEL_DEFAULT_INBOUND_ID must be positive")
	}
	if c.Subscription.FallbackDays <= 0 {
		return fmt.Errorf("SUBSCRIPTION_FALLBACK_DAYS must be positive")
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
}
