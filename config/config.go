package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	Secret         string   `mapstructure:"secret"`
	CorsOrigins    []string `mapstructure:"cors_origins"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

type StorageConfig struct {
	Backend   string      `mapstructure:"backend"`
	PublicURL string      `mapstructure:"public_url"`
	Local     LocalConfig `mapstructure:"local"`
	S3        S3Config    `mapstructure:"s3"`
}

type LocalConfig struct {
	Root string `mapstructure:"root"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

const EnvPrefix = "RECEIPTBOX"

var defaults = map[string]interface{}{
	"server.port":             "8080",
	"server.secret":           "",
	"server.cors_origins":     []string{},
	"server.max_upload_bytes": int64(10 << 20),
	"database.driver":         "sqlite",
	"database.dsn":            "receiptbox.db",
	"database.debug":          false,
	"storage.backend":         "local",
	"storage.public_url":      "http://localhost:8080/media",
	"storage.local.root":      "./media",
	"storage.s3.endpoint":     "",
	"storage.s3.bucket":       "",
	"storage.s3.region":       "us-east-1",
	"storage.s3.access_key":   "",
	"storage.s3.secret_key":   "",
	"storage.s3.use_ssl":      false,
	"redis.address":           "",
	"redis.password":          "",
	"redis.db":                0,
	"log.level":               "info",
	"agekey":                  "",
}

// Load reads config.yaml (from path, the working directory or
// /etc/receiptbox/) and RECEIPTBOX_* environment variables. A .env file in
// the working directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, reading environment variables")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/receiptbox/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn().Msg("Config not found - using defaults")
	} else {
		log.Debug().Msgf("Config loaded `%s`", v.ConfigFileUsed())
	}

	hooks := []mapstructure.DecodeHookFunc{
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	}
	if keypath := v.GetString("agekey"); keypath != "" {
		if !filepath.IsAbs(keypath) && v.ConfigFileUsed() != "" {
			keypath = filepath.Join(filepath.Dir(v.ConfigFileUsed()), keypath)
		}
		identity, err := loadAgeIdentity(keypath)
		if err != nil {
			return nil, err
		}
		hooks = append([]mapstructure.DecodeHookFunc{ageHookFunc(identity)}, hooks...)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(hooks...))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first setting that prevents the server from starting.
func (c *Config) Validate() error {
	if c.Server.Secret == "" {
		return errors.New("server.secret is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.Root == "" {
			return errors.New("storage.local.root is required")
		}
		if c.Storage.PublicURL == "" {
			return errors.New("storage.public_url is required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.endpoint and storage.s3.bucket are required")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q", c.Storage.Backend)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("server.max_upload_bytes must be positive")
	}
	return nil
}
