package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, int64(1000), cfg.Settlement.CommissionRateBps)
	assert.Equal(t, "0 0 2 * * *", cfg.Settlement.BatchCron)
	assert.Equal(t, 3, cfg.Settlement.RetryAttempts)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidate(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DB_PASSWORD", "secret")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT secret")

	t.Setenv("JWT_SECRET", "prod-secret")
	t.Setenv("COMMISSION_RATE_BPS", "12000")
	_, err = Load()
	assert.ErrorContains(t, err, "commission rate")

	t.Setenv("COMMISSION_RATE_BPS", "800")
	t.Setenv("DB_DRIVER", "mysql")
	_, err = Load()
	assert.ErrorContains(t, err, "unsupported database driver")

	t.Setenv("DB_DRIVER", "postgres")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(800), cfg.Settlement.CommissionRateBps)
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", Database: "settle", SSLMode: "disable"}
	assert.Contains(t, db.DSN(), "host=db")
	assert.Contains(t, db.DSN(), "dbname=settle")

	redis := RedisConfig{Host: "cache", Port: "6379"}
	assert.Equal(t, "cache:6379", redis.Addr())
}
