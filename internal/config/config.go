package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DERMTUNE_BUCKET.
const EnvPrefix = "DERMTUNE"

// Config is built once at startup and passed explicitly to every stage.
type Config struct {
	Bucket             string  `mapstructure:"bucket" yaml:"bucket"`
	BucketPath         string  `mapstructure:"bucket_path" yaml:"bucket_path"`
	BaseDir            string  `mapstructure:"base_dir" yaml:"base_dir"`
	Extension          string  `mapstructure:"extension" yaml:"extension"`
	ArchiveName        string  `mapstructure:"archive_name" yaml:"archive_name"`
	MetadataFile       string  `mapstructure:"metadata_file" yaml:"metadata_file"`
	DatasetArchive     string  `mapstructure:"dataset_archive" yaml:"dataset_archive"`
	Seed               uint64  `mapstructure:"seed" yaml:"seed"`
	BalanceRatio       float64 `mapstructure:"balance_ratio" yaml:"balance_ratio"`
	ValidationFraction float64 `mapstructure:"validation_fraction" yaml:"validation_fraction"`
	ImageSize          int     `mapstructure:"image_size" yaml:"image_size"`
	MetricsFile        string  `mapstructure:"metrics_file" yaml:"metrics_file"`
	Verbose            bool    `mapstructure:"verbose" yaml:"verbose"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Retry     RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Training  TrainingConfig  `mapstructure:"training" yaml:"training"`
	Hosting   HostingConfig   `mapstructure:"hosting" yaml:"hosting"`
	Endpoint  EndpointConfig  `mapstructure:"endpoint" yaml:"endpoint"`
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
}

// StorageConfig selects the object store backing the bucket.
type StorageConfig struct {
	// Backend is one of "gcs", "local" or "http".
	Backend         string `mapstructure:"backend" yaml:"backend"`
	LocalRoot       string `mapstructure:"local_root" yaml:"local_root"`
	HTTPBaseURL     string `mapstructure:"http_base_url" yaml:"http_base_url"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

type TrainingConfig struct {
	Project          string        `mapstructure:"project" yaml:"project"`
	Region           string        `mapstructure:"region" yaml:"region"`
	MachineType      string        `mapstructure:"machine_type" yaml:"machine_type"`
	AcceleratorType  string        `mapstructure:"accelerator_type" yaml:"accelerator_type"`
	AcceleratorCount int64         `mapstructure:"accelerator_count" yaml:"accelerator_count"`
	InstanceCount    int64         `mapstructure:"instance_count" yaml:"instance_count"`
	Epochs           int           `mapstructure:"epochs" yaml:"epochs"`
	Backend          string        `mapstructure:"backend" yaml:"backend"`
	ContainerImage   string        `mapstructure:"container_image" yaml:"container_image"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

type HostingConfig struct {
	MachineType  string `mapstructure:"machine_type" yaml:"machine_type"`
	ServingImage string `mapstructure:"serving_image" yaml:"serving_image"`
	MinReplicas  int64  `mapstructure:"min_replicas" yaml:"min_replicas"`
}

// EndpointConfig selects where predictions are sent.
type EndpointConfig struct {
	// Kind is one of "vertex", "http", "onnx" or "gemini".
	Kind         string `mapstructure:"kind" yaml:"kind"`
	URL          string `mapstructure:"url" yaml:"url"`
	ONNXModel    string `mapstructure:"onnx_model" yaml:"onnx_model"`
	ONNXLibrary  string `mapstructure:"onnx_library" yaml:"onnx_library"`
	GeminiModel  string `mapstructure:"gemini_model" yaml:"gemini_model"`
	GeminiAPIKey string `mapstructure:"gemini_api_key" yaml:"-"`
}

type InferenceConfig struct {
	SamplesPerClass int `mapstructure:"samples_per_class" yaml:"samples_per_class"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bucket", "")
	v.SetDefault("bucket_path", "ham10000")
	v.SetDefault("base_dir", "./data")
	v.SetDefault("extension", ".jpg")
	v.SetDefault("archive_name", "skin-cancer-mnist-ham10000.zip")
	v.SetDefault("metadata_file", "HAM10000_metadata.csv")
	v.SetDefault("dataset_archive", "HAM10000.tar.gz")
	v.SetDefault("seed", 42)
	v.SetDefault("balance_ratio", 1.0)
	v.SetDefault("validation_fraction", 0.2)
	v.SetDefault("image_size", 224)
	v.SetDefault("metrics_file", "")
	v.SetDefault("verbose", false)

	v.SetDefault("storage.backend", "gcs")
	v.SetDefault("storage.local_root", "")
	v.SetDefault("storage.http_base_url", "")
	v.SetDefault("storage.credentials_file", "")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 30*time.Second)

	v.SetDefault("training.project", "")
	v.SetDefault("training.region", "us-central1")
	v.SetDefault("training.machine_type", "n1-standard-8")
	v.SetDefault("training.accelerator_type", "NVIDIA_TESLA_V100")
	v.SetDefault("training.accelerator_count", 1)
	v.SetDefault("training.instance_count", 1)
	v.SetDefault("training.epochs", 10)
	v.SetDefault("training.backend", "gloo")
	v.SetDefault("training.container_image", "")
	v.SetDefault("training.poll_interval", 30*time.Second)

	v.SetDefault("hosting.machine_type", "n1-standard-4")
	v.SetDefault("hosting.serving_image", "")
	v.SetDefault("hosting.min_replicas", 1)

	v.SetDefault("endpoint.kind", "vertex")
	v.SetDefault("endpoint.url", "")
	v.SetDefault("endpoint.onnx_model", "")
	v.SetDefault("endpoint.onnx_library", "")
	v.SetDefault("endpoint.gemini_model", "gemini-1.5-flash")
	v.SetDefault("endpoint.gemini_api_key", "")

	v.SetDefault("inference.samples_per_class", 1)
}

// Load layers defaults, an optional YAML file, DERMTUNE_* environment variables and
// any flags in fs, in increasing order of precedence.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("endpoint.gemini_api_key", EnvPrefix+"_ENDPOINT_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind gemini api key: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// KeyAnnotation marks a flag with the config key it overrides.
const KeyAnnotation = "dermtune/config-key"

// MapFlag records that flag name overrides config key. Unannotated flags map by
// replacing dashes with underscores (--bucket-path -> bucket_path).
func MapFlag(fs *pflag.FlagSet, name, key string) {
	_ = fs.SetAnnotation(name, KeyAnnotation, []string{key})
}

// bindFlags binds only the flags the user actually set, so unset flag defaults never
// shadow values from the file or the environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var bindErr error
	fs.Visit(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if keys := f.Annotations[KeyAnnotation]; len(keys) > 0 {
			key = keys[0]
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

func (c *Config) normalize() {
	c.Extension = strings.ToLower(strings.TrimSpace(c.Extension))
	if c.Extension != "" && !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
	c.BucketPath = strings.Trim(c.BucketPath, "/")
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	c.Endpoint.Kind = strings.ToLower(c.Endpoint.Kind)
}

// Validate checks for invalid configuration values.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New("base_dir must be set")
	}
	if c.Extension == "" {
		return errors.New("extension must be set")
	}
	if c.BalanceRatio <= 0 || c.BalanceRatio > 1 {
		return fmt.Errorf("balance_ratio must be in (0, 1], got %.2f", c.BalanceRatio)
	}
	if c.ValidationFraction <= 0 || c.ValidationFraction >= 1 {
		return fmt.Errorf("validation_fraction must be in (0, 1), got %.2f", c.ValidationFraction)
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("image_size must be > 0, got %d", c.ImageSize)
	}
	switch c.Storage.Backend {
	case "gcs":
	case "local":
		if c.Storage.LocalRoot == "" {
			return errors.New("storage.local_root is required for the local backend")
		}
	case "http":
		if c.Storage.HTTPBaseURL == "" {
			return errors.New("storage.http_base_url is required for the http backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s (supported: gcs, local, http)", c.Storage.Backend)
	}
	if c.Retry.MaxAttempts == 0 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	switch c.Endpoint.Kind {
	case "vertex", "http", "onnx", "gemini":
	default:
		return fmt.Errorf("unsupported endpoint kind: %s (supported: vertex, http, onnx, gemini)", c.Endpoint.Kind)
	}
	if c.Inference.SamplesPerClass < 1 {
		return fmt.Errorf("inference.samples_per_class must be >= 1, got %d", c.Inference.SamplesPerClass)
	}
	return nil
}

// ObjectKey joins the configured bucket path and name into an object key.
func (c *Config) ObjectKey(name string) string {
	if c.BucketPath == "" {
		return name
	}
	return c.BucketPath + "/" + name
}

func (c *Config) DownloadsDir() string { return filepath.Join(c.BaseDir, "downloads") }
func (c *Config) RawDir() string       { return filepath.Join(c.BaseDir, "raw") }
func (c *Config) ClassesDir() string   { return filepath.Join(c.BaseDir, "classes") }
func (c *Config) BalancedDir() string  { return filepath.Join(c.BaseDir, "balanced") }
func (c *Config) JobsDir() string      { return filepath.Join(c.BaseDir, "jobs") }
func (c *Config) PackagePath() string  { return filepath.Join(c.BaseDir, c.DatasetArchive) }

func (c *Config) PredictionsDir() string { return filepath.Join(c.BaseDir, "predictions") }
