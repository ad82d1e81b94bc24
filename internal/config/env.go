package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables recognized by ApplyEnv. Deployment secrets ride
// here rather than in the YAML file.
const (
	EnvConfig         = "FORGEGATE_CONFIG"
	EnvProjects       = "FORGEGATE_PROJECTS"
	EnvEnvironment    = "FORGEGATE_ENV"
	EnvPort           = "FORGEGATE_PORT"
	EnvMasterSecret   = "FORGEGATE_MASTER_SECRET"
	EnvAllowedOrigins = "FORGEGATE_ALLOWED_ORIGINS"
	EnvStorageBackend = "FORGEGATE_STORAGE_BACKEND"
	EnvPostgresDSN    = "FORGEGATE_POSTGRES_DSN"
	EnvRedisAddr      = "FORGEGATE_REDIS_ADDR"
	EnvRedisPassword  = "FORGEGATE_REDIS_PASSWORD"
	EnvGCPProject     = "FORGEGATE_GCP_PROJECT"
	EnvPubSubTopic    = "FORGEGATE_PUBSUB_TOPIC"
	EnvSupabaseURL    = "FORGEGATE_SUPABASE_URL"
	EnvSupabaseKey    = "FORGEGATE_SUPABASE_KEY"
	EnvOperatorKeys   = "FORGEGATE_OPERATOR_KEYS"
)

// ApplyEnv overlays environment variables onto the config. Env wins
// over file values; cmd mains load .env via godotenv before calling
// this.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv(EnvMasterSecret); v != "" {
		c.Session.MasterSecret = v
	}
	if v := os.Getenv(EnvStorageBackend); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv(EnvGCPProject); v != "" {
		c.Storage.SpannerProject = v
		c.Storage.PubSubProject = v
	}
	if v := os.Getenv(EnvPubSubTopic); v != "" {
		c.Storage.PubSubTopic = v
	}
	if v := os.Getenv(EnvSupabaseURL); v != "" {
		c.Storage.SupabaseURL = v
	}
	if v := os.Getenv(EnvSupabaseKey); v != "" {
		c.Storage.SupabaseKey = v
	}
}

// OperatorKeyHashes parses FORGEGATE_OPERATOR_KEYS, a comma-separated
// list of id:bcrypt-hash pairs, for pre-provisioned operator keys.
func OperatorKeyHashes() map[string]string {
	raw := os.Getenv(EnvOperatorKeys)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		id, hash, ok := strings.Cut(pair, ":")
		if !ok || id == "" || hash == "" {
			continue
		}
		out[id] = hash
	}
	return out
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
