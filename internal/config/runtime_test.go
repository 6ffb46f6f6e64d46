package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) Getenv {
	return func(key string) string { return m[key] }
}

func TestLoadRuntime_Defaults(t *testing.T) {
	rt, err := LoadRuntime(envMap(map[string]string{
		"ADMIN_EMAIL": "ops@example.com",
	}), "", Requirements{Admin: true})
	require.NoError(t, err)

	assert.Equal(t, "ops@example.com", rt.AdminEmail)
	assert.Equal(t, "data/app.db", rt.DBPath)
	assert.Nil(t, rt.SMTP)
	assert.Equal(t, 30, rt.MaxTotalItems)
	assert.True(t, rt.SendAdminCopy)
	assert.Equal(t, "ops@example.com", rt.UnsubscribeContact, "falls back to admin")
}

func TestLoadRuntime_DBOverrideWins(t *testing.T) {
	rt, err := LoadRuntime(envMap(map[string]string{
		"DB_PATH": "env.db",
	}), "flag.db", Requirements{})
	require.NoError(t, err)
	assert.Equal(t, "flag.db", rt.DBPath)
}

func TestLoadRuntime_AdminRequired(t *testing.T) {
	_, err := LoadRuntime(envMap(nil), "", Requirements{Admin: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_EMAIL")
}

func TestLoadRuntime_SMTP(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		rt, err := LoadRuntime(envMap(map[string]string{
			"SMTP_HOST": "smtp.example.com",
			"SMTP_PORT": "465",
			"SMTP_FROM": "noreply@example.com",
			"SMTP_USER": "u",
			"SMTP_PASS": "p",
		}), "", Requirements{})
		require.NoError(t, err)
		require.NotNil(t, rt.SMTP)
		assert.Equal(t, 465, rt.SMTP.Port)
		assert.True(t, rt.SMTP.UseSSL, "port 465 implies SSL")
		assert.True(t, rt.SMTP.StartTLS)
	})

	t.Run("partial env is an error", func(t *testing.T) {
		_, err := LoadRuntime(envMap(map[string]string{
			"SMTP_HOST": "smtp.example.com",
		}), "", Requirements{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing SMTP env")
		assert.Contains(t, err.Error(), "SMTP_PORT")
		assert.Contains(t, err.Error(), "SMTP_FROM")
	})

	t.Run("required but absent", func(t *testing.T) {
		_, err := LoadRuntime(envMap(nil), "", Requirements{SMTP: true})
		require.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		_, err := LoadRuntime(envMap(map[string]string{
			"SMTP_HOST": "h", "SMTP_PORT": "abc", "SMTP_FROM": "f@x.com",
		}), "", Requirements{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SMTP_PORT must be an integer")
	})
}

func TestBoolEnv(t *testing.T) {
	getenv := envMap(map[string]string{
		"ON": "yes", "OFF": "0", "WEIRD": "maybe",
	})
	assert.True(t, BoolEnv(getenv, "ON", false))
	assert.False(t, BoolEnv(getenv, "OFF", true))
	assert.False(t, BoolEnv(getenv, "WEIRD", true), "unrecognized values are false")
	assert.True(t, BoolEnv(getenv, "ABSENT", true))
}

func TestPositiveIntEnv(t *testing.T) {
	getenv := envMap(map[string]string{"N": "12", "BAD": "-3"})

	n, err := PositiveIntEnv(getenv, "N", 30)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = PositiveIntEnv(getenv, "ABSENT", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	_, err = PositiveIntEnv(getenv, "BAD", 30)
	require.Error(t, err)
}
