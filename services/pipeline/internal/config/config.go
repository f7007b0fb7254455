package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with PRINTFRAME_CONFIG.
var ConfigPath = defaultConfigPath()

func defaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("PRINTFRAME_CONFIG")); p != "" {
		return p
	}
	return "config.yaml"
}

// FileConfig is loaded from YAML and then overlaid with environment variables.
// Tags without a default leave YAML values untouched when the variable is unset.
type FileConfig struct {
	Port     string `yaml:"port" envconfig:"PORT"`
	LogLevel string `yaml:"logLevel" envconfig:"LOG_LEVEL"`

	DatabaseURL   string `yaml:"databaseURL" envconfig:"DATABASE_URL"`
	RedisAddr     string `yaml:"redisAddr" envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDB" envconfig:"REDIS_DB"`

	QueueName           string        `yaml:"queueName" envconfig:"QUEUE_NAME"`
	QueueGroup          string        `yaml:"queueGroup" envconfig:"QUEUE_GROUP"`
	QueueConcurrency    int           `yaml:"queueConcurrency" envconfig:"QUEUE_CONCURRENCY"`
	QueueMaxAttempts    int           `yaml:"queueMaxAttempts" envconfig:"QUEUE_MAX_ATTEMPTS"`
	QueueRetryDelay     time.Duration `yaml:"queueRetryDelay" envconfig:"QUEUE_RETRY_DELAY"`
	QueueClaimIdle      time.Duration `yaml:"queueClaimIdle" envconfig:"QUEUE_CLAIM_IDLE"`
	DispatchConcurrency int           `yaml:"dispatchConcurrency" envconfig:"DISPATCH_CONCURRENCY"`

	// StorageBackend is "minio" (default) or "file".
	StorageBackend string        `yaml:"storageBackend" envconfig:"STORAGE_BACKEND"`
	StoragePath    string        `yaml:"storagePath" envconfig:"STORAGE_PATH"`
	MinioEndpoint  string        `yaml:"minioEndpoint" envconfig:"MINIO_ENDPOINT"`
	MinioAccessKey string        `yaml:"minioAccessKey" envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string        `yaml:"minioSecretKey" envconfig:"MINIO_SECRET_KEY"`
	MinioBucket    string        `yaml:"minioBucket" envconfig:"MINIO_BUCKET"`
	MinioUseSSL    bool          `yaml:"minioUseSSL" envconfig:"MINIO_USE_SSL"`
	PublicBaseURL  string        `yaml:"publicBaseURL" envconfig:"PUBLIC_BASE_URL"`
	URLExpiry      time.Duration `yaml:"urlExpiry" envconfig:"URL_EXPIRY"`

	// VisionProvider is empty (neutral adjustments only), gemini, ollama or openai.
	VisionProvider        string        `yaml:"visionProvider" envconfig:"VISION_PROVIDER"`
	VisionBaseURL         string        `yaml:"visionBaseURL" envconfig:"VISION_BASE_URL"`
	VisionAPIKey          string        `yaml:"visionAPIKey" envconfig:"VISION_API_KEY"`
	VisionModel           string        `yaml:"visionModel" envconfig:"VISION_MODEL"`
	ColorAnalysisTimeout  time.Duration `yaml:"colorAnalysisTimeout" envconfig:"COLOR_ANALYSIS_TIMEOUT"`
	UpscaleEndpoint       string        `yaml:"upscaleEndpoint" envconfig:"UPSCALE_ENDPOINT"`
	UpscaleAPIKey         string        `yaml:"upscaleAPIKey" envconfig:"UPSCALE_API_KEY"`
	UpscaleStatusTemplate string        `yaml:"upscaleStatusURLTemplate" envconfig:"UPSCALE_STATUS_URL_TEMPLATE"`
	UpscalePollInterval   time.Duration `yaml:"upscalePollInterval" envconfig:"UPSCALE_POLL_INTERVAL"`
	UpscaleMaxPolls       int           `yaml:"upscaleMaxPolls" envconfig:"UPSCALE_MAX_POLLS"`

	// EventsBackend is empty (disabled), rabbitmq or kafka.
	EventsBackend string   `yaml:"eventsBackend" envconfig:"EVENTS_BACKEND"`
	AMQPURL       string   `yaml:"amqpURL" envconfig:"AMQP_URL"`
	AMQPExchange  string   `yaml:"amqpExchange" envconfig:"AMQP_EXCHANGE"`
	KafkaBrokers  []string `yaml:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic    string   `yaml:"kafkaTopic" envconfig:"KAFKA_TOPIC"`

	InternalJWTSecret        string   `yaml:"internalJwtSecret" envconfig:"INTERNAL_JWT_SECRET"`
	InternalJWTIssuer        string   `yaml:"internalJwtIssuer" envconfig:"INTERNAL_JWT_ISSUER"`
	StatusRateLimitPerMinute int      `yaml:"statusRateLimitPerMinute" envconfig:"STATUS_RATE_LIMIT_PER_MINUTE"`
	TrustedProxyCIDRs        []string `yaml:"trustedProxyCidrs" envconfig:"TRUSTED_PROXY_CIDRS"`
	CORSAllowedOrigins       []string `yaml:"corsAllowedOrigins" envconfig:"CORS_ALLOWED_ORIGINS"`
	MaxUploadBytes           int64    `yaml:"maxUploadBytes" envconfig:"MAX_UPLOAD_BYTES"`
}

// Load reads config from path (defaults to ConfigPath). A missing file is
// allowed so deployments can configure everything through the environment.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "printframe:pipeline"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "pipeline"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 4
	}
	if cfg.QueueMaxAttempts <= 0 {
		cfg.QueueMaxAttempts = 3
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 8
	}
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 7 * 24 * time.Hour
	}
	cfg.VisionProvider = strings.ToLower(strings.TrimSpace(cfg.VisionProvider))
	cfg.EventsBackend = strings.ToLower(strings.TrimSpace(cfg.EventsBackend))
	if cfg.StatusRateLimitPerMinute <= 0 {
		cfg.StatusRateLimitPerMinute = 120
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the pipeline queue")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for minio storage")
		}
	case "file":
		if strings.TrimSpace(cfg.StoragePath) == "" {
			return errors.New("config: storagePath is required for file storage")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.VisionProvider {
	case "":
	case "gemini":
		if cfg.VisionAPIKey == "" {
			return errors.New("config: visionAPIKey is required for gemini (set in config.yaml or VISION_API_KEY)")
		}
	case "ollama", "openai", "openai-compat":
		if cfg.VisionModel == "" {
			return fmt.Errorf("config: visionModel is required for %s", cfg.VisionProvider)
		}
	default:
		return fmt.Errorf("config: unknown visionProvider %q", cfg.VisionProvider)
	}
	switch cfg.EventsBackend {
	case "", "none":
	case "rabbitmq", "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for rabbitmq events")
		}
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
			return errors.New("config: kafkaBrokers and kafkaTopic are required for kafka events")
		}
	default:
		return fmt.Errorf("config: unknown eventsBackend %q", cfg.EventsBackend)
	}
	if cfg.InternalJWTSecret != "" && len(cfg.InternalJWTSecret) < 16 {
		return errors.New("config: internalJwtSecret must be at least 16 characters")
	}
	return nil
}
