// Package config loads this node's runtime configuration from the
// environment (optionally via a .env file), using small
// getEnv/getEnvInt helper functions rather than a reflection-based
// config library.
package config

import (
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Endpoint is a resolved host:port pair parsed from SPV_DEFAULT_SERVERS.
type Endpoint struct {
	Host string
	Port int
}

// Config holds every tunable this node reads at startup.
type Config struct {
	DefaultServers []Endpoint

	ConnectTimeout      time.Duration
	SessionTimeout      time.Duration
	HandshakeTimeout    time.Duration
	MinProtocolVersion  string

	StatusUDPIface string
	StatusUDPPort  int

	ThrottleRate      int
	ThrottleCacheSize int

	AdminAddr string

	RetryConcurrency int

	ResolverURL string

	Environment string // "production" or "development", selects the zap config
}

// Load reads .env (and a TIER-style environment-specific .env.<env>
// file, if SPV_ENV is set) then overlays process environment variables
// on top of the defaults below.
func Load() Config {
	loadEnvironmentConfig()

	return Config{
		DefaultServers: parseEndpoints(getEnv("SPV_DEFAULT_SERVERS", "127.0.0.1:50001")),

		ConnectTimeout:     time.Duration(getEnvInt("SPV_CONNECT_TIMEOUT_SEC", 6)) * time.Second,
		SessionTimeout:     time.Duration(getEnvInt("SPV_SESSION_TIMEOUT_SEC", 30)) * time.Second,
		HandshakeTimeout:   time.Duration(getEnvInt("SPV_HANDSHAKE_TIMEOUT_SEC", 3)) * time.Second,
		MinProtocolVersion: getEnv("SPV_MIN_PROTOCOL_VERSION", "0.65.0"),

		StatusUDPIface: getEnv("SPV_STATUS_UDP_IFACE", "0.0.0.0"),
		StatusUDPPort:  getEnvInt("SPV_STATUS_UDP_PORT", 50001),

		ThrottleRate:      getEnvInt("SPV_THROTTLE_RATE", 10),
		ThrottleCacheSize: getEnvInt("SPV_THROTTLE_CACHE_SIZE", 1024),

		AdminAddr: getEnv("SPV_ADMIN_ADDR", "127.0.0.1:8090"),

		RetryConcurrency: getEnvInt("SPV_RETRY_CONCURRENCY", 16),

		ResolverURL: getEnv("SPV_RESOLVER_URL", "http://127.0.0.1:50002"),

		Environment: getEnv("SPV_ENV", "development"),
	}
}

// parseEndpoints splits a comma-separated host:port list, skipping
// malformed entries rather than failing startup over one typo.
func parseEndpoints(raw string) []Endpoint {
	var out []Endpoint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			log.Printf("config: skipping malformed SPV_DEFAULT_SERVERS entry %q: %v", part, err)
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Printf("config: skipping malformed SPV_DEFAULT_SERVERS entry %q: %v", part, err)
			continue
		}
		out = append(out, Endpoint{Host: host, Port: port})
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// loadEnvironmentConfig loads a default .env file, then an
// environment-specific .env.<SPV_ENV> overlay if one exists.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env file")
	}

	if env := getEnv("SPV_ENV", ""); env != "" {
		envFile := ".env." + env
		if err := godotenv.Load(envFile); err == nil {
			log.Printf("config: loaded environment-specific file %s", envFile)
		}
	}
}
