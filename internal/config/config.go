package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	DataDir   string
	ReposDir  string
	ConfigDir string
	CacheTTL  time.Duration
	// Redis - when set the journal backend moves from the filesystem
	// to Redis
	RedisURL       string
	MeiliURL       string
	MeiliMasterKey string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	MailDomain   string
	MailInterval time.Duration
}

func Load() Config {
	return Config{
		DataDir:   getenv("TICKETFORGE_DATA_DIR", "./data/tickets"),
		ReposDir:  getenv("TICKETFORGE_REPOS_DIR", "./data/repos"),
		ConfigDir: getenv("TICKETFORGE_CONFIG_DIR", "./data/config"),
		CacheTTL:  time.Duration(getenvInt("TICKETFORGE_CACHE_TTL_SECONDS", 300)) * time.Second,
		// Redis - empty by default, filesystem backend if not configured
		RedisURL:       getenv("REDIS_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Ticketforge"),
		MailDomain:   getenv("SMTP_MAIL_DOMAIN", ""),
		MailInterval: time.Duration(getenvInt("TICKETFORGE_MAIL_INTERVAL_SECONDS", 120)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
