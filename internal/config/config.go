package config

import (
	"log"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port            string
	AppEnv          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BodyLimit       int
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	// Buffer pool configuration
	BufferPoolSize int
	BufferSize     int

	// Scratch space for intake and transcoding
	ScratchDir string
	ScratchTTL time.Duration

	// Storage layout
	StorageRoot    string
	ProjectName    string
	PublicBaseURL  string
	FileNamePrefix string

	// Image intake
	ImageAllowedTypes []string
	ImageMaxSize      int64
	ImageEngine       string // ffmpeg/native
	ImageFit          string // fit/fill
	ImageWidth        int
	ImageHeight       int
	ImageQuality      int

	// Video intake
	VideoAllowedTypes []string
	VideoMaxSize      int64
	VideoVariants     string
	SegmentSeconds    int
	UploadBatchSize   int
	FFmpegPath        string

	// Remote storage endpoint
	RemoteHost             string
	RemotePort             int
	RemoteUser             string
	RemotePassword         string
	RemotePrivateKey       string
	RemoteKnownHosts       string
	RemoteHandshakeTimeout time.Duration
	RemotePoolSize         int
	RemoteMaxOperations    int
	RemoteRetryAttempts    int
	RemoteRetryDelay       time.Duration
	RemoteDirMode          os.FileMode
	RemoteFileMode         os.FileMode

	// Delivery tokens
	TokenSecret    string
	TokenTTL       time.Duration
	RequireToken   bool
	TokenCacheSize int

	// Logging configuration
	LogLevel              string
	LogFormat             string
	EnablePerformanceLogs bool

	// Development settings
	Debug bool

	// Production settings
	EnableCORS bool

	// Monitoring settings
	EnableHealthCheck bool
	EnableMetrics     bool
}

// Load loads configuration from environment variables and .env file
func Load() *Config {
	// Try to load .env file (optional)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: .env file not found: %v", err)
	} else {
		log.Println("✅ Loaded configuration from .env file")
	}

	return &Config{
		// Server configuration
		Port:            getEnv("PORT", "5001"),
		AppEnv:          getEnv("APP_ENV", "development"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Minute),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 5*time.Minute),
		BodyLimit:       getInt("BODY_LIMIT", 1024*1024*1024), // 1GB
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 2*time.Minute),
		RequestTimeout:  getDuration("REQUEST_TIMEOUT", 30*time.Minute),

		BufferPoolSize: getInt("BUFFER_POOL_SIZE", 32),
		BufferSize:     getInt("BUFFER_SIZE", 1024*1024), // 1MB

		ScratchDir: getEnv("SCRATCH_DIR", "/tmp/media-scratch"),
		ScratchTTL: getDuration("SCRATCH_TTL", 6*time.Hour),

		StorageRoot:    getEnv("MEDIA_STORAGE_BASE_PATH", "/var/www/media"),
		ProjectName:    getEnv("PROJECT_NAME", "reel-win"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:5001/api/media"), "/"),
		FileNamePrefix: getEnv("FILE_NAME_PREFIX", "MEDIA"),

		ImageAllowedTypes: getList("IMAGE_ALLOWED_TYPES",
			[]string{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"}),
		ImageMaxSize: getInt64("IMAGE_MAX_SIZE", 10*1024*1024), // 10MB
		ImageEngine:  getEnv("IMAGE_ENGINE", "ffmpeg"),
		ImageFit:     getEnv("IMAGE_FIT", "fit"),
		ImageWidth:   getInt("IMAGE_WIDTH", 1200),
		ImageHeight:  getInt("IMAGE_HEIGHT", 1200),
		ImageQuality: getInt("IMAGE_QUALITY", 80),

		VideoAllowedTypes: getList("VIDEO_ALLOWED_TYPES", []string{"video/mp4", "video/webm"}),
		VideoMaxSize:      getInt64("VIDEO_MAX_SIZE", 500*1024*1024), // 500MB
		VideoVariants:     getEnv("VIDEO_VARIANTS", ""),
		SegmentSeconds:    getInt("HLS_SEGMENT_SECONDS", 6),
		UploadBatchSize:   getInt("VIDEO_UPLOAD_BATCH", 3),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),

		RemoteHost:             getEnv("VPS_HOST", ""),
		RemotePort:             getInt("VPS_PORT", 22),
		RemoteUser:             getEnv("VPS_USERNAME", ""),
		RemotePassword:         getEnv("VPS_PASSWORD", ""),
		RemotePrivateKey:       getEnv("VPS_PRIVATE_KEY", ""),
		RemoteKnownHosts:       getEnv("VPS_KNOWN_HOSTS", ""),
		RemoteHandshakeTimeout: getDuration("REMOTE_HANDSHAKE_TIMEOUT", 100*time.Second),
		RemotePoolSize:         getInt("REMOTE_POOL_SIZE", 4),
		RemoteMaxOperations:    getInt("REMOTE_MAX_OPERATIONS", 10),
		RemoteRetryAttempts:    getInt("REMOTE_RETRY_ATTEMPTS", 3),
		RemoteRetryDelay:       getDuration("REMOTE_RETRY_DELAY", 2*time.Second),
		RemoteDirMode:          getFileMode("REMOTE_DIR_MODE", 0o755),
		RemoteFileMode:         getFileMode("REMOTE_FILE_MODE", 0o644),

		TokenSecret:    getEnv("MEDIA_TOKEN_SECRET", ""),
		TokenTTL:       getDuration("MEDIA_TOKEN_TTL", 0),
		RequireToken:   getBool("MEDIA_REQUIRE_TOKEN", false),
		TokenCacheSize: getInt("TOKEN_CACHE_SIZE", 4096),

		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "json"),
		EnablePerformanceLogs: getBool("ENABLE_PERFORMANCE_LOGS", true),

		Debug: getBool("DEBUG", false),

		EnableCORS: getBool("ENABLE_CORS", true),

		EnableHealthCheck: getBool("ENABLE_HEALTH_CHECK", true),
		EnableMetrics:     getBool("ENABLE_METRICS", true),
	}
}

// ProjectRoot is the remote and served directory of the configured project
func (c *Config) ProjectRoot() string {
	return path.Join(c.StorageRoot, c.ProjectName)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
		log.Printf("Warning: Invalid integer value for %s: %s, using default: %d", key, value, defaultValue)
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Warning: Invalid int64 value for %s: %s, using default: %d", key, value, defaultValue)
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		log.Printf("Warning: Invalid boolean value for %s: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Printf("Warning: Invalid duration value for %s: %s, using default: %v", key, value, defaultValue)
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getFileMode(key string, defaultValue os.FileMode) os.FileMode {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 8, 32); err == nil {
			return os.FileMode(parsed)
		}
		log.Printf("Warning: Invalid file mode for %s: %s, using default: %o", key, value, defaultValue)
	}
	return defaultValue
}
