package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lineage/internal/cache"
	"lineage/internal/config"
	"lineage/internal/database"
	"lineage/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPassword = "password123"

// testEnv is a fully wired server on sqlite and miniredis.
type testEnv struct {
	t   *testing.T
	s   *Server
	app *fiber.App
	db  *gorm.DB
	mr  *miniredis.Miniredis
	// hash of testPassword at bcrypt.MinCost
	hash string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:?_foreign_keys=on"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache.SetClient(rdb)
	t.Cleanup(func() {
		cache.SetClient(nil)
		_ = rdb.Close()
	})

	cfg := &config.Config{
		Env:                  "test",
		Port:                 "0",
		JWTSecret:            "test-secret-that-is-at-least-32-chars",
		DBDriver:             "sqlite",
		UploadDir:            t.TempDir(),
		ImageMaxUploadSizeMB: 2,
		MailFrom:             "noreply@lineage.test",
	}
	s, err := NewServerWithDeps(cfg, db, rdb)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.dispatcher.Stop(ctx)
		_ = s.hub.Shutdown(ctx)
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	return &testEnv{t: t, s: s, app: s.App(), db: db, mr: mr, hash: string(hash)}
}

func (e *testEnv) user(name string, admin bool, capabilities ...string) *models.User {
	e.t.Helper()
	u := &models.User{Username: name, Email: name + "@example.com", Password: e.hash, IsAdmin: admin}
	require.NoError(e.t, e.db.Create(u).Error)
	for _, c := range capabilities {
		require.NoError(e.t, e.db.Create(&models.UserCapability{UserID: u.ID, Capability: c}).Error)
	}
	return u
}

func (e *testEnv) token(u *models.User) string {
	e.t.Helper()
	tok, err := e.s.generateToken(u.ID, u.Username)
	require.NoError(e.t, err)
	return tok
}

func (e *testEnv) post(author *models.User, title string, active bool, origins ...string) *models.Post {
	e.t.Helper()
	p := &models.Post{Title: title, Content: "body of " + title, IsActive: true}
	if author != nil {
		p.UserID = &author.ID
	}
	for _, o := range origins {
		p.Origins = append(p.Origins, models.Origin{Origin: o})
	}
	require.NoError(e.t, e.db.Create(p).Error)
	if !active {
		require.NoError(e.t, e.db.Model(p).Update("is_active", false).Error)
		p.IsActive = false
	}
	return p
}

func (e *testEnv) reload(p *models.Post) *models.Post {
	e.t.Helper()
	var fresh models.Post
	require.NoError(e.t, e.db.First(&fresh, p.ID).Error)
	return &fresh
}

// do sends body as JSON (when non-nil) with an optional bearer token.
func (e *testEnv) do(method, path string, body interface{}, token string) *http.Response {
	e.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(e.t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return e.send(req)
}

func (e *testEnv) send(req *http.Request) *http.Response {
	e.t.Helper()
	resp, err := e.app.Test(req, -1)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
}

// errorOf decodes an error envelope and checks the status.
func errorOf(t *testing.T, resp *http.Response, status int) models.ErrorResponse {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var body models.ErrorResponse
	decode(t, resp, &body)
	return body
}
