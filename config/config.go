package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	MinIO    MinIOConfig
	Kafka    KafkaConfig
	OpenAI   OpenAIConfig
	Pipeline PipelineConfig
}

type DatabaseConfig struct {
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
}

type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
}

type KafkaConfig struct {
	Brokers string
	Topic   string
	GroupID string
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	StructureModel string
	WhisperModel   string
}

type PipelineConfig struct {
	// Tree limits
	MaxTreeDepth int

	// Job execution
	MaxJobAttempts    int
	RetryBackoff      time.Duration
	IngestionTimeout  time.Duration
	GenerationTimeout time.Duration
	WorkerConcurrency int

	// Work window for normal-priority jobs. When disabled all normal jobs
	// run 24/7. Start/End are "HH:MM" local to Timezone; overnight spans
	// (start > end) are supported.
	WorkWindowEnabled bool
	WorkWindowStart   string
	WorkWindowEnd     string
	WorkWindowTZ      string

	// Queue-estimate defaults, used until a job type has history.
	DefaultIngestionSeconds  int
	DefaultGenerationSeconds int
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system env")
	}

	return &Config{
		Database: DatabaseConfig{
			DBUser:     getEnv("DB_USER", "postgres"),
			DBPassword: getEnv("DB_PASSWORD", "password"),
			DBHost:     getEnv("DB_HOST", "localhost"),
			DBPort:     getEnv("DB_PORT", "5432"),
			DBName:     getEnv("DB_NAME", "courseloom"),
		},
		MinIO: MinIOConfig{
			Endpoint:        getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("MINIO_ACCESS_KEY", ""),
			SecretAccessKey: getEnv("MINIO_SECRET_KEY", ""),
			UseSSL:          getEnvBool("MINIO_USE_SSL", false),
			BucketName:      getEnv("MINIO_BUCKET_NAME", "course-materials"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_JOBS_TOPIC", "courseloom.jobs"),
			GroupID: getEnv("KAFKA_GROUP_ID", "courseloom-workers"),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			StructureModel: getEnv("OPENAI_STRUCTURE_MODEL", "gpt-4o"),
			WhisperModel:   getEnv("OPENAI_WHISPER_MODEL", "whisper-1"),
		},
		Pipeline: PipelineConfig{
			MaxTreeDepth:      getEnvInt("MAX_TREE_DEPTH", 16),
			MaxJobAttempts:    getEnvInt("MAX_JOB_ATTEMPTS", 3),
			RetryBackoff:      getEnvDuration("RETRY_BACKOFF", 30*time.Second),
			IngestionTimeout:  getEnvDuration("INGESTION_TIMEOUT", 10*time.Minute),
			GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 5*time.Minute),
			WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),

			WorkWindowEnabled: getEnvBool("WORK_WINDOW_ENABLED", false),
			WorkWindowStart:   getEnv("WORK_WINDOW_START", "22:00"),
			WorkWindowEnd:     getEnv("WORK_WINDOW_END", "06:00"),
			WorkWindowTZ:      getEnv("WORK_WINDOW_TZ", "UTC"),

			DefaultIngestionSeconds:  getEnvInt("DEFAULT_INGESTION_SECONDS", 120),
			DefaultGenerationSeconds: getEnvInt("DEFAULT_GENERATION_SECONDS", 90),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
