package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tle_arena/internal/platform/logger"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type Config struct {
	APIPort string
	JWTKey  []byte
	JWTExp  time.Duration

	StorageDriver string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisEnabled  bool

	RabbitMQURL      string
	RabbitMQExchange string

	JudgeBaseURL        string
	JudgeAuthToken      string
	JudgePollInterval   time.Duration
	JudgeMaxPolls       int
	JudgeRequestTimeout time.Duration
	JudgeParallelism    int

	InstanceID      string
	StaleMatchGrace time.Duration
	StaleLobbyAge   time.Duration

	MatchProblemCount        int
	FinishedRoomRetention    time.Duration
	ProfileUpdateAttempts    int
	ProfileUpdateBackoff     time.Duration
	ProfileRetryQueueName    string
	ProfileRetryLockKey      string
	ProfileRetryLockTTL      time.Duration
	ProfileRetryMaxAttempts  int
	SettlementLockTTLSeconds int

	WSSendBuffer        int
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSMessagesPerSecond int
	WSAllowedOrigins    []string
}

var AppConfig *Config

func Load() {
	log := logger.NewNamedLogger("config")
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, relying on environment variables")
	}

	AppConfig = &Config{
		APIPort:       getEnv("API_PORT", "8080"),
		JWTKey:        []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:        time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,
		StorageDriver: getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "user"),
		DBPassword:    getEnv("DB_PASSWORD", "password"),
		DBName:        getEnv("DB_NAME", "tle_arena_db"),
		DBSslMode:     getEnv("DB_SSLMODE", "disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", true),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "arena.events"),

		JudgeBaseURL:        getEnv("JUDGE_BASE_URL", "http://localhost:2358"),
		JudgeAuthToken:      getEnv("JUDGE_AUTH_TOKEN", ""),
		JudgePollInterval:   time.Duration(getEnvAsInt("JUDGE_POLL_INTERVAL_MS", 500)) * time.Millisecond,
		JudgeMaxPolls:       getEnvAsInt("JUDGE_MAX_POLLS", 20),
		JudgeRequestTimeout: time.Duration(getEnvAsInt("JUDGE_REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		JudgeParallelism:    getEnvAsInt("JUDGE_PARALLELISM", 4),

		InstanceID:      getEnv("INSTANCE_ID", defaultInstanceID()),
		StaleMatchGrace: time.Duration(getEnvAsInt("STALE_MATCH_GRACE_MINUTES", 5)) * time.Minute,
		StaleLobbyAge:   time.Duration(getEnvAsInt("STALE_LOBBY_HOURS", 24)) * time.Hour,

		MatchProblemCount:        getEnvAsInt("MATCH_PROBLEM_COUNT", 5),
		FinishedRoomRetention:    time.Duration(getEnvAsInt("FINISHED_ROOM_RETENTION_MINUTES", 10)) * time.Minute,
		ProfileUpdateAttempts:    getEnvAsInt("PROFILE_UPDATE_ATTEMPTS", 3),
		ProfileUpdateBackoff:     time.Duration(getEnvAsInt("PROFILE_UPDATE_BACKOFF_MS", 200)) * time.Millisecond,
		ProfileRetryQueueName:    getEnv("PROFILE_RETRY_QUEUE_NAME", "arena:profile_retry"),
		ProfileRetryLockKey:      getEnv("PROFILE_RETRY_LOCK_KEY", "arena:profile_retry_lock"),
		ProfileRetryLockTTL:      time.Duration(getEnvAsInt("PROFILE_RETRY_LOCK_TTL_SECONDS", 60)) * time.Second,
		ProfileRetryMaxAttempts:  getEnvAsInt("PROFILE_RETRY_MAX_ATTEMPTS", 10),
		SettlementLockTTLSeconds: getEnvAsInt("SETTLEMENT_LOCK_TTL_SECONDS", 300),

		WSSendBuffer:        getEnvAsInt("WS_SEND_BUFFER", 64),
		WSPingInterval:      time.Duration(getEnvAsInt("WS_PING_INTERVAL_SECONDS", 30)) * time.Second,
		WSWriteTimeout:      time.Duration(getEnvAsInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
		WSMessagesPerSecond: getEnvAsInt("WS_MESSAGES_PER_SECOND", 5),
		WSAllowedOrigins:    getEnvAsList("WS_ALLOWED_ORIGINS", nil),
	}

	AppConfig.DBConnStr = "host=" + AppConfig.DBHost +
		" port=" + AppConfig.DBPort +
		" user=" + AppConfig.DBUser +
		" password=" + AppConfig.DBPassword +
		" dbname=" + AppConfig.DBName +
		" sslmode=" + AppConfig.DBSslMode

	if AppConfig.MatchProblemCount <= 0 {
		log.Warnf("MATCH_PROBLEM_COUNT must be positive, falling back to 5")
		AppConfig.MatchProblemCount = 5
	}
}

// defaultInstanceID is the hostname, which survives a container restart.
func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "arena"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}
