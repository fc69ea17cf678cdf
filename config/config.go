// scenereel/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	// ffmpeg
	FFBin      string        `mapstructure:"FF_BIN"`
	FFProbeBin string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout  time.Duration `mapstructure:"FF_TIMEOUT"`
	ClipArgs   string        `mapstructure:"CLIP_ARGS"`
	WorkDir    string        `mapstructure:"WORK_DIR"`

	// tasks
	TaskTimeout         time.Duration `mapstructure:"TASK_TIMEOUT"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize           int           `mapstructure:"QUEUE_SIZE"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	UploadDir           string        `mapstructure:"UPLOAD_DIR"`
	OutputDir           string        `mapstructure:"OUTPUT_DIR"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`

	// remote sources
	YTDLPBin        string        `mapstructure:"YTDLP_BIN"`
	DownloadFormat  string        `mapstructure:"DOWNLOAD_FORMAT"`
	DownloadTimeout time.Duration `mapstructure:"DOWNLOAD_TIMEOUT"`
	ScheduleCron    string        `mapstructure:"SCHEDULE_CRON"`
	ScheduleURL     string        `mapstructure:"SCHEDULE_URL"`

	// detection
	CoarseInterval   float64 `mapstructure:"COARSE_INTERVAL"`
	FineInterval     float64 `mapstructure:"FINE_INTERVAL"`
	Threshold        float64 `mapstructure:"THRESHOLD"`
	BatchSize        int     `mapstructure:"BATCH_SIZE"`
	MinGap           float64 `mapstructure:"MIN_GAP"`
	MinSceneDuration float64 `mapstructure:"MIN_SCENE_DURATION"`

	// scoring backend
	Scorer            string        `mapstructure:"SCORER"`
	ScorerURL         string        `mapstructure:"SCORER_URL"`
	ScorerTimeout     time.Duration `mapstructure:"SCORER_TIMEOUT"`
	ScorerConcurrency int           `mapstructure:"SCORER_CONCURRENCY"`
	ONNXModel         string        `mapstructure:"ONNX_MODEL"`
	ONNXLibrary       string        `mapstructure:"ONNX_LIBRARY"`
	ONNXEmbeddings    string        `mapstructure:"ONNX_EMBEDDINGS"`
	PositivePrompts   []string      `mapstructure:"POSITIVE_PROMPTS"`
	NegativePrompts   []string      `mapstructure:"NEGATIVE_PROMPTS"`

	// persistence
	Store     string `mapstructure:"STORE"`
	SQLiteDir string `mapstructure:"SQLITE_DIR"`
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	Artifacts         string `mapstructure:"ARTIFACTS"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	// http / observability
	Port         string   `mapstructure:"PORT"`
	BaseURL      string   `mapstructure:"BASE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
	OTLPEndpoint string   `mapstructure:"OTLP_ENDPOINT"`
	LogLevel     string   `mapstructure:"LOG_LEVEL"`
	LogFormat    string   `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

// stringToListHookFunc splits comma-separated env values into string slices and
// drops empty entries.
func stringToListHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]string{}) {
			return data, nil
		}

		var out []string
		for _, part := range strings.Split(data.(string), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "12m3s")
	vp.SetDefault("CLIP_ARGS", "-c:v libx264 -preset veryfast -crf 20 -c:a aac")
	vp.SetDefault("WORK_DIR", "")

	vp.SetDefault("TASK_TIMEOUT", "2h")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("QUEUE_SIZE", 100)
	vp.SetDefault("MAX_INPUT_SIZE", "4GB")
	vp.SetDefault("UPLOAD_DIR", "uploads")
	vp.SetDefault("OUTPUT_DIR", "output")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "0s")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "1GB")

	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("DOWNLOAD_FORMAT", "best[height<=720][protocol^=http]/best[height<=720]/best")
	vp.SetDefault("DOWNLOAD_TIMEOUT", "30m")
	vp.SetDefault("SCHEDULE_CRON", "")
	vp.SetDefault("SCHEDULE_URL", "")

	vp.SetDefault("COARSE_INTERVAL", 5.0)
	vp.SetDefault("FINE_INTERVAL", 1.0)
	vp.SetDefault("THRESHOLD", 0.22)
	vp.SetDefault("BATCH_SIZE", 8)
	vp.SetDefault("MIN_GAP", 2.0)
	vp.SetDefault("MIN_SCENE_DURATION", 2.0)

	vp.SetDefault("SCORER", "http")
	vp.SetDefault("SCORER_URL", "http://localhost:8100")
	vp.SetDefault("SCORER_TIMEOUT", "30s")
	vp.SetDefault("SCORER_CONCURRENCY", 1)
	vp.SetDefault("ONNX_MODEL", "")
	vp.SetDefault("ONNX_LIBRARY", "")
	vp.SetDefault("ONNX_EMBEDDINGS", "")
	vp.SetDefault("POSITIVE_PROMPTS", []string{})
	vp.SetDefault("NEGATIVE_PROMPTS", []string{})

	vp.SetDefault("STORE", "memory")
	vp.SetDefault("SQLITE_DIR", "data")
	vp.SetDefault("REDIS_ADDR", "localhost:6379")

	vp.SetDefault("ARTIFACTS", "local")
	vp.SetDefault("S3_BUCKET", "")
	vp.SetDefault("S3_ENDPOINT", "")
	vp.SetDefault("S3_REGION", "us-east-1")
	vp.SetDefault("S3_ACCESS_KEY_ID", "")
	vp.SetDefault("S3_SECRET_ACCESS_KEY", "")

	vp.SetDefault("PORT", "8000")
	vp.SetDefault("BASE", "")
	vp.SetDefault("CORS_ORIGINS", []string{"*"})
	vp.SetDefault("OTLP_ENDPOINT", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "console")

	// Load from config file
	vp.SetConfigName("scenereel_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/scenereel/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Load from environment variables
	vp.SetEnvPrefix("SCENEREEL")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
			stringToListHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the detection pipeline cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.CoarseInterval <= 0:
		return fmt.Errorf("COARSE_INTERVAL must be positive, got %v", c.CoarseInterval)
	case c.FineInterval <= 0:
		return fmt.Errorf("FINE_INTERVAL must be positive, got %v", c.FineInterval)
	case c.FineInterval > c.CoarseInterval:
		return fmt.Errorf("FINE_INTERVAL (%v) must not exceed COARSE_INTERVAL (%v)", c.FineInterval, c.CoarseInterval)
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("THRESHOLD must be within [0,1], got %v", c.Threshold)
	case c.BatchSize < 1:
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	case c.MinGap < 0:
		return fmt.Errorf("MIN_GAP must not be negative, got %v", c.MinGap)
	case c.MinSceneDuration < 0:
		return fmt.Errorf("MIN_SCENE_DURATION must not be negative, got %v", c.MinSceneDuration)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("MAX_CONCURRENCY must not be negative, got %d", c.MaxConcurrency)
	case c.QueueSize < 1:
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	case (c.ScheduleCron == "") != (c.ScheduleURL == ""):
		return fmt.Errorf("SCHEDULE_CRON and SCHEDULE_URL must be set together")
	}
	return nil
}
