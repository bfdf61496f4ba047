package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port                      string
	AllowedOrigin             string
	DatabaseURL               string
	RedisAddr                 string
	RedisPassword             string
	RedisDB                   int
	StationID                 string
	DashboardTTLSeconds       int
	AuthSecret                string
	AccessTokenTTLMinutes     int
	SupervisorPIN             string
	TransferApprovalThreshold decimal.Decimal
	EnforceMinimumBalance     bool
	RejectZeroVolumeSale      bool
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("DASHBOARD_CACHE_TTL_SECONDS", "15"))
	if err != nil || ttl < 1 {
		ttl = 15
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	threshold, err := decimal.NewFromString(getEnv("TRANSFER_APPROVAL_THRESHOLD", "0"))
	if err != nil || threshold.Sign() < 0 {
		threshold = decimal.Zero
	}

	cfg := Config{
		Port:                      getEnv("PORT", "8080"),
		AllowedOrigin:             getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   redisDB,
		StationID:                 getEnv("DEFAULT_STATION_ID", "st-main"),
		DashboardTTLSeconds:       ttl,
		AuthSecret:                strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:     tokenTTL,
		SupervisorPIN:             strings.TrimSpace(os.Getenv("SUPERVISOR_PIN")),
		TransferApprovalThreshold: threshold,
		EnforceMinimumBalance:     boolEnv("ENFORCE_MINIMUM_BALANCE"),
		RejectZeroVolumeSale:      boolEnv("REJECT_ZERO_VOLUME_SALE"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func boolEnv(key string) bool {
	val, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && val
}
