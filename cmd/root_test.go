package cmd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}

func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("shroud_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestOpenBackends_RedisFailureClosesDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	connStr := setupPostgres(t)
	ctx := context.Background()

	watcher, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	defer watcher.Close(ctx)

	otherSessions := func() int {
		var n int
		err := watcher.QueryRow(ctx, `
			SELECT count(*) FROM pg_stat_activity
			WHERE datname = current_database() AND pid <> pg_backend_pid()`).Scan(&n)
		require.NoError(t, err)
		return n
	}

	db, rc, err := openBackends(ctx, connStr, "")
	require.NoError(t, err)
	assert.Nil(t, rc)
	require.NotNil(t, db)
	assert.Positive(t, otherSessions())
	db.Close()
	require.Eventually(t, func() bool { return otherSessions() == 0 }, 5*time.Second, 50*time.Millisecond)

	for _, redisURL := range []string{"not a url", "redis://127.0.0.1:1/0"} {
		t.Run(redisURL, func(t *testing.T) {
			db, rc, err := openBackends(ctx, connStr, redisURL)
			assert.Error(t, err)
			assert.Nil(t, db)
			assert.Nil(t, rc)
			assert.Eventually(t, func() bool { return otherSessions() == 0 }, 5*time.Second, 50*time.Millisecond,
				"database pool left open after redis failure")
		})
	}
}
