package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codingric/receiptbox/auth"
	"github.com/codingric/receiptbox/config"
	"github.com/codingric/receiptbox/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "e2e-secret"

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{Port: "0", Secret: testSecret, MaxUploadBytes: 1 << 20},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"},
		Storage: config.StorageConfig{
			Backend:   "local",
			PublicURL: "http://receipts.test/media",
			Local:     config.LocalConfig{Root: t.TempDir()},
		},
	}
}

func startServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	router, cleanup, err := buildServer(context.Background(), cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cleanup()
	})
	return srv
}

func RunRequest(t *testing.T, req *http.Request) (statusCode int, response string) {
	t.Helper()
	tok, err := issueToken(&config.Config{Server: config.ServerConfig{Secret: testSecret}}, "e2e@example.com", "E2E", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	p, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(p)
}

func receiptForm(t *testing.T, content []byte) (io.Reader, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range map[string]string{"amount": "150", "category": "food", "description": "Lunch Receipt", "date": "2024-03-05"} {
		require.NoError(t, w.WriteField(k, v))
	}
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="receipt"; filename="lunch.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func TestServeRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)

	resp, err := http.Get(srv.URL + "/healthz/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	content := []byte("\xff\xd8\xff\xe0 fake jpeg")
	body, contentType := receiptForm(t, content)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/transactions/", body)
	req.Header.Set("Content-Type", contentType)
	code, response := RunRequest(t, req)
	require.Equal(t, http.StatusCreated, code, response)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/transactions/", nil)
	code, response = RunRequest(t, req)
	require.Equal(t, http.StatusOK, code, response)

	var got []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(response), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "150.00", got[0]["amount"])
	assert.Equal(t, "food", got[0]["category"])
	assert.Equal(t, "Lunch Receipt", got[0]["description"])
	url, ok := got[0]["receipt_url"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(url, cfg.Storage.PublicURL+"/"), url)
	assert.True(t, strings.HasSuffix(url, ".jpg"), url)

	key := strings.TrimPrefix(url, cfg.Storage.PublicURL+"/")
	stored, err := os.ReadFile(filepath.Join(cfg.Storage.Local.Root, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	resp, err = http.Get(srv.URL + "/media/" + key)
	require.NoError(t, err)
	defer resp.Body.Close()
	served, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, served)
}

func TestServeIdempotencyWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Address = mr.Addr()
	srv := startServer(t, cfg)

	var ids []float64
	for _, expect := range []int{http.StatusCreated, http.StatusOK} {
		body, contentType := receiptForm(t, []byte("\xff\xd8\xff"))
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/transactions", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Idempotency-Key", "receipt-1")
		code, response := RunRequest(t, req)
		require.Equal(t, expect, code, response)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(response), &got))
		ids = append(ids, got["id"].(float64))
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Len(t, mr.Keys(), 1)
}

func TestBuildServerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Secret = ""
	_, _, err := buildServer(context.Background(), cfg)
	assert.EqualError(t, err, "server.secret is required")
}

func TestBuildServerClosesDatabaseOnFailure(t *testing.T) {
	var opened *gorm.DB
	openDatabase = func(cfg config.DatabaseConfig) (*gorm.DB, error) {
		db, err := models.Open(cfg)
		opened = db
		return db, err
	}
	t.Cleanup(func() { openDatabase = models.Open })

	cfg := testConfig(t)
	cfg.Storage.Backend = "s3"
	cfg.Storage.S3 = config.S3Config{Endpoint: "http://minio:9000/path", Bucket: "receipts"}
	_, _, err := buildServer(context.Background(), cfg)
	require.Error(t, err)

	require.NotNil(t, opened)
	sqlDB, err := opened.DB()
	require.NoError(t, err)
	assert.EqualError(t, sqlDB.Ping(), "sql: database is closed")
}

func TestConnectRedis(t *testing.T) {
	assert.Nil(t, connectRedis(context.Background(), config.RedisConfig{}))

	rdb := connectRedis(context.Background(), config.RedisConfig{Address: "127.0.0.1:1"})
	require.NotNil(t, rdb)
	rdb.Close()
}

func TestMigrate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.DSN = filepath.Join(t.TempDir(), "receiptbox.db")
	require.NoError(t, migrate(cfg))
	_, err := os.Stat(cfg.Database.DSN)
	assert.NoError(t, err)
}

func TestIssueToken(t *testing.T) {
	cfg := testConfig(t)
	tok, err := issueToken(cfg, "dev@example.com", "Dev", time.Hour)
	require.NoError(t, err)

	user, err := auth.NewVerifier(testSecret).VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", user.Email)
	assert.Equal(t, "Dev", user.Name)

	_, err = issueToken(&config.Config{}, "dev@example.com", "", 0)
	assert.Error(t, err)
}

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.Disabled)
	tests := []struct {
		level   string
		verbose bool
		expect  zerolog.Level
	}{
		{"debug", false, zerolog.DebugLevel},
		{"warn", false, zerolog.WarnLevel},
		{"warn", true, zerolog.TraceLevel},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%s/%v", test.level, test.verbose), func(tt *testing.T) {
			setLogLevel(test.level, test.verbose)
			assert.Equal(tt, test.expect, zerolog.GlobalLevel())
		})
	}
}
