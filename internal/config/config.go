package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string

	StoreDriver string
	DataDir     string
	SQLitePath  string
	DatabaseURL string

	StarterCredits int
	EventRetention int
	PricingFile    string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	GenerationTimeout int

	AdminAPIKey string
}

func Load() Config {
	return Config{
		ServerAddr:          env("SERVER_ADDR", ":8080"),
		StoreDriver:         env("STORE_DRIVER", "file"),
		DataDir:             env("DATA_DIR", "data"),
		SQLitePath:          env("SQLITE_PATH", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
		StarterCredits:      envInt("STARTER_CREDITS", 5),
		EventRetention:      envInt("EVENT_RETENTION", 10000),
		PricingFile:         env("PRICING_FILE", ""),
		StripeSecretKey:     env("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: env("STRIPE_WEBHOOK_SECRET", ""),
		StripeCurrency:      env("STRIPE_CURRENCY", "usd"),
		CheckoutSuccessURL:  env("CHECKOUT_SUCCESS_URL", "http://localhost:3000/credits/success?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:   env("CHECKOUT_CANCEL_URL", "http://localhost:3000/credits"),
		OpenAIAPIKey:        env("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       env("OPENAI_BASE_URL", ""),
		GenerationTimeout:   envInt("GENERATION_TIMEOUT_SECONDS", 120),
		AdminAPIKey:         env("ADMIN_API_KEY", ""),
	}
}

func (c Config) GenerationTimeoutDuration() time.Duration {
	return time.Duration(c.GenerationTimeout) * time.Second
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
