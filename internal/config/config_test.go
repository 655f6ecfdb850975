package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		for i := 0; i < len(e); i++ {
			if e[i] == '=' {
				if len(e) > len(envPrefix) && e[:len(envPrefix)] == envPrefix {
					os.Unsetenv(e[:i])
				}
				break
			}
		}
	}
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAY_JWT__SECRET", "too-short")
	os.Setenv("GATEWAY_REDIS_ADDR", "localhost:6379")
	defer clearGatewayEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}

func TestLoadRequiresRedisAddr(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAY_JWT__SECRET", "01234567890123456789012345678901")
	defer clearGatewayEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr")
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAY_JWT__SECRET", "01234567890123456789012345678901")
	os.Setenv("GATEWAY_REDIS_ADDR", "localhost:6379")
	os.Setenv("GATEWAY_RATE_LIMIT__SEND_MESSAGE__BURST", "25")
	defer clearGatewayEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(25), cfg.RateLimit.SendMessage.Burst)
	assert.Equal(t, ":8080", cfg.GatewayBindAddr)
	assert.Equal(t, 99, cfg.VoiceMaxParticipants)
}

func TestTURNRequiresSecretWhenEnabled(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAY_JWT__SECRET", "01234567890123456789012345678901")
	os.Setenv("GATEWAY_REDIS_ADDR", "localhost:6379")
	os.Setenv("GATEWAY_TURN__ENABLED", "true")
	defer clearGatewayEnv(t)

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn.secret")
}
