package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevJWTSecret is the local-development signing secret. It is public and
// refused in production.
const DevJWTSecret = "newmeclass-dev-secret"

type Config struct {
	DBSource string
	Port     string
	Env      string

	JWTSecret   string
	CORSOrigins []string

	TestPrice        int64
	MinTopup         int64
	DemoTopupEnabled bool

	GatewayURL       string
	GatewayServerKey string
	GatewayMerchant  string
	PollInterval     time.Duration
	PaymentExpiry    time.Duration
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DemoTopupAllowed is true only outside production and with the flag set.
func (c *Config) DemoTopupAllowed() bool {
	return c.DemoTopupEnabled && !c.IsProduction()
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("JWT_SECRET", DevJWTSecret)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("TEST_PRICE", 50000)
	v.SetDefault("MIN_TOPUP", 10000)
	v.SetDefault("DEMO_TOPUP_ENABLED", false)
	v.SetDefault("GATEWAY_URL", "https://api.sandbox.midtrans.com")
	v.SetDefault("GATEWAY_MERCHANT", "NEWMECLASS")
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("PAYMENT_EXPIRY", "1h")

	cfg := &Config{
		DBSource:         v.GetString("DB_SOURCE"),
		Port:             v.GetString("SERVER_PORT"),
		Env:              v.GetString("ENVIRONMENT"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		CORSOrigins:      splitCSV(v.GetString("CORS_ORIGINS")),
		TestPrice:        v.GetInt64("TEST_PRICE"),
		MinTopup:         v.GetInt64("MIN_TOPUP"),
		DemoTopupEnabled: v.GetBool("DEMO_TOPUP_ENABLED"),
		GatewayURL:       strings.TrimSuffix(v.GetString("GATEWAY_URL"), "/"),
		GatewayServerKey: v.GetString("GATEWAY_SERVER_KEY"),
		GatewayMerchant:  v.GetString("GATEWAY_MERCHANT"),
		PollInterval:     v.GetDuration("POLL_INTERVAL"),
		PaymentExpiry:    v.GetDuration("PAYMENT_EXPIRY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TestPrice <= 0 {
		return fmt.Errorf("TEST_PRICE must be positive, got %d", c.TestPrice)
	}
	if c.MinTopup <= 0 {
		return fmt.Errorf("MIN_TOPUP must be positive, got %d", c.MinTopup)
	}
	if c.PollInterval <= 0 || c.PaymentExpiry <= 0 {
		return fmt.Errorf("POLL_INTERVAL and PAYMENT_EXPIRY must be positive durations")
	}
	if c.IsProduction() && c.GatewayServerKey == "" {
		return fmt.Errorf("GATEWAY_SERVER_KEY environment variable is required in production")
	}
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == DevJWTSecret) {
		return fmt.Errorf("JWT_SECRET must be set to a private value in production")
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
