package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load charge le fichier .env s'il existe
func Load() {
	err := godotenv.Load(".env")
	if err != nil {
		log.Println("⚠️  Aucun fichier .env trouvé, on continue avec les variables d'environnement du système")
	} else {
		log.Println("✅ Fichier .env chargé avec succès")
	}
}

const (
	BackendScylla = "scylla"
	BackendMemory = "memory"
)

type ScyllaConfig struct {
	Hosts       []string
	Keyspace    string
	Username    string
	Password    string
	SSLEnabled  bool
	CACertPath  string
	AutoMigrate bool
	Replication int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type ElasticConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Config struct {
	Port           string
	Env            string
	JWTSecret      string
	TokenTTL       time.Duration
	StorageBackend string
	CORSOrigins    []string

	LogLevel  string
	LogFormat string

	Scylla  ScyllaConfig
	Redis   RedisConfig
	MinIO   MinIOConfig
	Elastic ElasticConfig
	SMTP    SMTPConfig

	StripeSecretKey string

	// Règles métier
	YenPerPoint       int64
	PointUnitPriceYen int64
	ReceiptMaxBytes   int64
	ReceiptURLTTL     time.Duration
	DecisionLockTTL   time.Duration
	IdempotencyTTL    time.Duration
}

// FromEnv construit la configuration à partir des variables d'environnement
func FromEnv() Config {
	return Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("APP_ENV", "development"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		TokenTTL:       getDuration("JWT_TTL", 24*time.Hour),
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendScylla)),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		Scylla: ScyllaConfig{
			Hosts:       splitList(getEnv("SCYLLA_HOSTS", "127.0.0.1")),
			Keyspace:    getEnv("SCYLLA_KS_EC_KEYSPACE", "pointapp_ec"),
			Username:    os.Getenv("SCYLLA_KS_EC_ROLE"),
			Password:    os.Getenv("SCYLLA_KS_EC_PASSWORD"),
			SSLEnabled:  getBool("SCYLLA_SSL_ENABLED", false),
			CACertPath:  os.Getenv("SCYLLA_SSL_CA_PATH"),
			AutoMigrate: getBool("SCYLLA_AUTO_MIGRATE", false),
			Replication: int(getInt("SCYLLA_REPLICATION_FACTOR", 1)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_HOST", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       int(getInt("REDIS_DB", 0)),
		},
		MinIO: MinIOConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnv("MINIO_BUCKET", "ec-receipts"),
			UseSSL:    getBool("MINIO_USE_SSL", false),
		},
		Elastic: ElasticConfig{
			URL:      os.Getenv("ELASTIC_URL"),
			Username: os.Getenv("ELASTIC_USER"),
			Password: os.Getenv("ELASTIC_PASSWORD"),
			Index:    getEnv("ELASTIC_EC_INDEX", "ec_requests"),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     int(getInt("SMTP_PORT", 587)),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     getEnv("SMTP_FROM", "noreply@pointapp.jp"),
		},

		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),

		YenPerPoint:       getInt("YEN_PER_POINT", 100),
		PointUnitPriceYen: getInt("POINT_UNIT_PRICE_YEN", 1),
		ReceiptMaxBytes:   getInt("RECEIPT_MAX_BYTES", 10<<20),
		ReceiptURLTTL:     getDuration("RECEIPT_URL_TTL", 24*time.Hour),
		DecisionLockTTL:   getDuration("DECISION_LOCK_TTL", 30*time.Second),
		IdempotencyTTL:    getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
	}
}

// IsProduction indique si on tourne en production
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %d utilisée", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("⚠️ %s invalide (%q), valeur par défaut %s utilisée", key, v, fallback)
		return fallback
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
