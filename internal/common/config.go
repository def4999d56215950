package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Storage  StorageConfig
	Extract  ExtractConfig
	Render   RenderConfig
	Pipeline PipelineConfig
}

// DatabaseConfig holds job/document store configuration. DSNs starting
// with postgres:// use pgx; anything else is treated as a sqlite path.
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

// StorageConfig holds artifact store configuration
type StorageConfig struct {
	Backend   string // "fs" | "gcs"
	Root      string // fs root directory
	GCSBucket string
}

// ExtractConfig holds text extraction configuration
type ExtractConfig struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang       string // default "eng"
	TessdataDir         string
	DPI                 int // rasterization DPI for scanned pages, default 300
	MaxPages            int // 0 = no limit
	MinCharsPerPage     int // below this a declared text layer is treated as broken
	ConfidenceThreshold float32
	EnableTSVConfidence bool
}

// RenderConfig holds PDF rendering configuration
type RenderConfig struct {
	Weasyprint  string // binary name or absolute path; if empty -> "weasyprint"
	TemplateDir string
}

// PipelineConfig holds orchestrator configuration
type PipelineConfig struct {
	Workers        int
	QueueSize      int
	StageTimeout   time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StaleAfter     time.Duration
	RetentionTTL   time.Duration
	SweepInterval  time.Duration
	CacheTTL       time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", "file:cv-pipeline.db"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			MaxUploadBytes:  int64(getEnvAsInt("MAX_UPLOAD_BYTES", 32<<20)),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Storage: StorageConfig{
			Backend:   getEnv("STORAGE_BACKEND", "fs"),
			Root:      getEnv("STORAGE_ROOT", "./artifacts"),
			GCSBucket: getEnv("STORAGE_GCS_BUCKET", ""),
		},
		Extract: ExtractConfig{
			Pdftotext:           getEnv("PDFTOTEXT_BIN", "pdftotext"),
			Pdftoppm:            getEnv("PDFTOPPM_BIN", "pdftoppm"),
			Tesseract:           getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang:       getEnv("TESSERACT_LANG", "eng"),
			TessdataDir:         getEnv("TESSDATA_PREFIX", ""),
			DPI:                 getEnvAsInt("EXTRACT_DPI", 300),
			MaxPages:            getEnvAsInt("EXTRACT_MAX_PAGES", 0),
			MinCharsPerPage:     getEnvAsInt("EXTRACT_MIN_CHARS_PER_PAGE", 32),
			ConfidenceThreshold: getEnvAsFloat32("EXTRACT_CONFIDENCE_THRESHOLD", 0.6),
			EnableTSVConfidence: getEnvAsBool("EXTRACT_TSV_CONFIDENCE", true),
		},
		Render: RenderConfig{
			Weasyprint:  getEnv("WEASYPRINT_BIN", "weasyprint"),
			TemplateDir: getEnv("TEMPLATE_DIR", "./templates"),
		},
		Pipeline: PipelineConfig{
			Workers:        getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:      getEnvAsInt("PIPELINE_QUEUE_SIZE", 256),
			StageTimeout:   getEnvAsDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			MaxAttempts:    getEnvAsInt("PIPELINE_MAX_ATTEMPTS", 3),
			InitialBackoff: getEnvAsDuration("PIPELINE_INITIAL_BACKOFF", 5*time.Second),
			MaxBackoff:     getEnvAsDuration("PIPELINE_MAX_BACKOFF", 5*time.Minute),
			StaleAfter:     getEnvAsDuration("PIPELINE_STALE_AFTER", 15*time.Minute),
			RetentionTTL:   getEnvAsDuration("PIPELINE_RETENTION_TTL", 30*24*time.Hour),
			SweepInterval:  getEnvAsDuration("PIPELINE_SWEEP_INTERVAL", 3*time.Minute),
			CacheTTL:       getEnvAsDuration("PIPELINE_CACHE_TTL", 12*time.Hour),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// ValidateConfig validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.Addr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return NewAppError("CONFIG_ERROR", "STORAGE_GCS_BUCKET is required for the gcs backend", ErrInvalidInput)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "PIPELINE_MAX_ATTEMPTS must be at least 1", ErrInvalidInput)
	}
	return nil
}
