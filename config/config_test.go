package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "http://localhost:8080/media", cfg.Storage.PublicURL)
	assert.Equal(t, "us-east-1", cfg.Storage.S3.Region)
	assert.Empty(t, cfg.Redis.Address)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: "9000"
  secret: from-file
  cors_origins:
  - https://app.example.com
database:
  driver: postgres
  dsn: postgres://localhost/receipts
storage:
  backend: s3
  public_url: ""
  s3:
    endpoint: minio:9000
    bucket: receipts
`)
	t.Setenv("RECEIPTBOX_SERVER_SECRET", "from-env")
	t.Setenv("RECEIPTBOX_REDIS_ADDRESS", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Server.Secret)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CorsOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "minio:9000", cfg.Storage.S3.Endpoint)
	assert.Equal(t, "receipts", cfg.Storage.S3.Bucket)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_AgeEncryptedValues(t *testing.T) {
	dir := t.TempDir()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	writeFile(t, dir, "age.key", "# created: 2022-11-01T00:00:00+11:00\n# public key: "+identity.Recipient().String()+"\n"+identity.String()+"\n")

	buf := &bytes.Buffer{}
	w, err := age.Encrypt(buf, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("s3cr3t"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := writeFile(t, dir, "config.yaml", "agekey: age.key\nserver:\n  secret: age:"+base64.StdEncoding.EncodeToString(buf.Bytes())+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", cfg.Server.Secret)
}

func TestParseAgeIdentity(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	key := identity.String()

	tests := []struct {
		name    string
		content string
	}{
		{"Bare key", key},
		{"Header comments", "# created: 2022-11-01T00:00:00+11:00\n# public key: " + identity.Recipient().String() + "\n" + key + "\n"},
		{"Trailing comment without newline", key + "\n# rotated 2024-01-01"},
	}
	for _, test := range tests {
		t.Run(test.name, func(tt *testing.T) {
			got, err := parseAgeIdentity([]byte(test.content))
			require.NoError(tt, err)
			assert.Equal(tt, key, got.String())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:   ServerConfig{Secret: "x", MaxUploadBytes: 1},
			Database: DatabaseConfig{Driver: "sqlite"},
			Storage: StorageConfig{
				Backend:   "local",
				PublicURL: "http://localhost/media",
				Local:     LocalConfig{Root: "media"},
			},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"Valid", func(*Config) {}, ""},
		{"No secret", func(c *Config) { c.Server.Secret = "" }, "server.secret is required"},
		{"Bad driver", func(c *Config) { c.Database.Driver = "mysql" }, `unsupported database.driver "mysql"`},
		{"Bad backend", func(c *Config) { c.Storage.Backend = "ftp" }, `unsupported storage.backend "ftp"`},
		{"S3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.S3.Endpoint = "minio:9000" }, "storage.s3.endpoint and storage.s3.bucket are required"},
		{"Zero upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "server.max_upload_bytes must be positive"},
	}
	for _, test := range tests {
		t.Run(test.name, func(tt *testing.T) {
			c := valid()
			test.mutate(c)
			err := c.Validate()
			if test.err == "" {
				assert.NoError(tt, err)
			} else {
				assert.EqualError(tt, err, test.err)
			}
		})
	}
}
