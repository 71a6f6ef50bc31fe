package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  driver: "postgres"
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  package_updated_topic_name: "parcel.updated"
redis:
  host: "localhost"
  port: 6379
parcelsync:
  http_addr: ":9090"
  sync_concurrency: 8
  webhook_auto_create: true
  track17_api_key: "from-file"
  track17_carriers: ["usps", "dhl"]
`), 0o600))

	t.Setenv("TRACK17_API_KEY", "from-env")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.PostgresConnString())
	require.Equal(t, "parcel.updated", cfg.Kafka.PackageUpdatedTopicName)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers())
	require.Equal(t, "localhost:6379", cfg.RedisAddr())
	require.Equal(t, ":9090", cfg.ParcelSync.HTTPAddr)
	require.Equal(t, 8, cfg.ParcelSync.SyncConcurrency)
	require.True(t, cfg.ParcelSync.WebhookAutoCreate)
	require.Equal(t, "from-file", cfg.ParcelSync.Track17APIKey)
	require.Equal(t, []string{"usps", "dhl"}, cfg.ParcelSync.Track17Carriers)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("TRACK17_API_KEY", "from-env")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data", cfg.Database.Path)
	require.Equal(t, "from-env", cfg.ParcelSync.Track17APIKey)
	require.Equal(t, 30*time.Minute, cfg.ParcelSync.SyncInterval())
	require.Equal(t, 10*time.Second, cfg.ParcelSync.FetchTimeout())
	require.Equal(t, 30*24*time.Hour, cfg.ParcelSync.Staleness())
	require.Equal(t, "track17", cfg.ParcelSync.CarrierMode)
	require.Empty(t, cfg.RedisAddr())
	require.Nil(t, cfg.KafkaBrokers())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
