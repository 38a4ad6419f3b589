package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
server:
  addr: "127.0.0.1:9443"
  insecure: true
storage:
  driver: postgres
  dsn: "postgres://u:p@localhost:5432/prov?sslmode=disable"
auth:
  jwt_key: "0123456789abcdef0123"
  access_ttl: 5m
events:
  kafka_brokers: ["localhost:9092"]
  kafka_topic: provenance.events
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9443", cfg.Server.Addr)
	require.True(t, cfg.Server.Insecure)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.True(t, cfg.Storage.Migrate)
	require.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	require.Equal(t, 5, cfg.Auth.MaxFails)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 256, cfg.Events.Buffer)
	require.Equal(t, []string{"localhost:9092"}, cfg.Events.KafkaBrokers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, `
server:
  insecure: true
auth:
  jwt_key: "0123456789abcdef0123"
`)
	t.Setenv("PROV_LOG_LEVEL", "debug")
	t.Setenv("PROV_SERVER_ADDR", "0.0.0.0:7000")

	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "0.0.0.0:7000", cfg.Server.Addr)
	require.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := map[string]string{
		"short jwt key": `
server: {insecure: true}
auth: {jwt_key: "short"}
`,
		"postgres without dsn": `
server: {insecure: true}
storage: {driver: postgres}
auth: {jwt_key: "0123456789abcdef0123"}
`,
		"tls without cert": `
auth: {jwt_key: "0123456789abcdef0123"}
`,
		"clock is not configurable": `
server: {insecure: true}
auth: {jwt_key: "0123456789abcdef0123"}
clock: {mode: logical}
`,
		"kafka without topic": `
server: {insecure: true}
auth: {jwt_key: "0123456789abcdef0123"}
events: {kafka_brokers: ["localhost:9092"]}
`,
	}
	for name, body := range cases {
		_, err := Load(writeFile(t, body))
		require.Error(t, err, name)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeFile(t, `
server: {insecure: true, colour: blue}
auth: {jwt_key: "0123456789abcdef0123"}
`))
	require.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestRead_SkipsValidation(t *testing.T) {
	cfg, err := Read(writeFile(t, "log: {level: info}\n"))
	require.NoError(t, err)
	require.Empty(t, cfg.Auth.JWTKey)
	require.Error(t, Validate(cfg))

	cfg.Auth.JWTKey = "0123456789abcdef0123"
	cfg.Server.Insecure = true
	require.NoError(t, Validate(cfg))
}
