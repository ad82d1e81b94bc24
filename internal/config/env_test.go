package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverridesFileValues(t *testing.T) {
	t.Setenv(EnvPort, "9999")
	t.Setenv(EnvMasterSecret, "from-env")
	t.Setenv(EnvAllowedOrigins, "https://a.example, https://b.example")
	t.Setenv(EnvRedisAddr, "redis:6379")
	t.Setenv(EnvGCPProject, "proj-x")

	cfg := Default()
	cfg.Session.MasterSecret = "from-file"
	cfg.ApplyEnv()

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Session.MasterSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "proj-x", cfg.Storage.SpannerProject)
	assert.Equal(t, "proj-x", cfg.Storage.PubSubProject)
}

func TestApplyEnvIgnoresInvalidPort(t *testing.T) {
	t.Setenv(EnvPort, "not-a-port")
	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestOperatorKeyHashes(t *testing.T) {
	t.Setenv(EnvOperatorKeys, "ops-1:$2a$10$abc, ops-2:$2a$10$def, broken")
	got := OperatorKeyHashes()
	assert.Equal(t, map[string]string{
		"ops-1": "$2a$10$abc",
		"ops-2": "$2a$10$def",
	}, got)

	t.Setenv(EnvOperatorKeys, "")
	assert.Nil(t, OperatorKeyHashes())
}
