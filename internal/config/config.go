package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	BackendBaseURL        string
	BackendToken          string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	MerchantName          string
	Currency              string
	PageSize              int
	FallbackFetchSize     int
	SearchCacheTTLSeconds int
	ReconcileConcurrency  int
	AuthSecret            string
	AccessTokenTTLMinutes int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	pageSize := getIntEnv("PAGE_SIZE", 10)
	fetchSize := getIntEnv("FALLBACK_FETCH_SIZE", 500)
	cacheTTL := getIntEnv("SEARCH_CACHE_TTL_SECONDS", 300)
	concurrency := getIntEnv("RECONCILE_CONCURRENCY", 8)
	tokenTTL := getIntEnv("ACCESS_TOKEN_TTL_MINUTES", 480)

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		BackendBaseURL:        strings.TrimRight(os.Getenv("BACKEND_BASE_URL"), "/"),
		BackendToken:          strings.TrimSpace(os.Getenv("BACKEND_TOKEN")),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		MerchantName:          getEnv("MERCHANT_NAME", "SmartRetails"),
		Currency:              getEnv("CURRENCY", "INR"),
		PageSize:              pageSize,
		FallbackFetchSize:     fetchSize,
		SearchCacheTTLSeconds: cacheTTL,
		ReconcileConcurrency:  concurrency,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
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

func getIntEnv(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
