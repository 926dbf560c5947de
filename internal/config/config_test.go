package config

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LEASE_DURATION", "")
	cfg := Load()
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, 5*time.Minute, cfg.LeaseDuration)
	require.Equal(t, 5, cfg.DefaultMaxAttempts)
	require.Equal(t, 100, cfg.DefaultPriority)
	require.Zero(t, cfg.BackoffInitial)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("LEASE_DURATION", "90s")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("S3_PATH_STYLE", "true")
	t.Setenv("API_TOKENS", "tok-a:ops-1:operator, broken ,tok-b:user-9:client")

	cfg := Load()
	require.Equal(t, "sqlite", cfg.StoreDriver)
	require.Equal(t, 90*time.Second, cfg.LeaseDuration)
	require.Equal(t, 4, cfg.WorkerConcurrency)
	require.True(t, cfg.S3PathStyle)
	require.Equal(t, map[string]string{"tok-a": "ops-1:operator", "tok-b": "user-9:client"}, cfg.APITokens)
}

func TestResolveWorkerID(t *testing.T) {
	require.Equal(t, "w-7", Config{WorkerID: "w-7"}.ResolveWorkerID())

	a := Config{}.ResolveWorkerID()
	b := Config{}.ResolveWorkerID()
	require.NotEqual(t, a, b)
	host, err := os.Hostname()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(a, fmt.Sprintf("%s-%d-", host, os.Getpid())), a)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(Config{LogLevel: "debug", LogFormat: "text"})
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())
	require.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = NewLogger(Config{LogLevel: "loud"})
	require.Equal(t, logrus.InfoLevel, logger.GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}
