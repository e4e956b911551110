// Package testpg поднимает postgres в testcontainers для интеграционных тестов:
// один контейнер на тестовый бинарник, отдельная схема на каждый тест.
package testpg

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"featherdb/internal/pg"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// EnvURL — внешняя база вместо контейнера (например, в CI с сервисом postgres).
const EnvURL = "FEATHERDB_TEST_DB_URL"

var (
	once    sync.Once
	baseURL string
	initErr error
	seq     atomic.Int64
)

func start() {
	if u := os.Getenv(EnvURL); u != "" {
		baseURL = u
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("featherdb"),
		postgres.WithUsername("featherdb"),
		postgres.WithPassword("featherdb"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		initErr = err
		return
	}
	baseURL, initErr = ctr.ConnectionString(ctx, "sslmode=disable")
}

// New возвращает пул, у которого search_path указывает на новую пустую схему.
// Системная схема (pg.Bootstrap) уже создана. Тест пропускается, если docker недоступен.
func New(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv(EnvURL) == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
	}
	once.Do(start)
	require.NoError(t, initErr)

	ctx := context.Background()
	admin, err := pg.Open(ctx, baseURL, 2)
	require.NoError(t, err)
	defer admin.Close()

	schema := fmt.Sprintf("t_%d_%d", os.Getpid(), seq.Add(1))
	_, err = admin.ExecContext(ctx, "create schema "+pg.Ident(schema))
	require.NoError(t, err)

	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	qs := u.Query()
	qs.Set("search_path", schema)
	u.RawQuery = qs.Encode()

	db, err := pg.Open(ctx, u.String(), 4)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
		if a, err := pg.Open(context.Background(), baseURL, 1); err == nil {
			_, _ = a.ExecContext(context.Background(), "drop schema if exists "+pg.Ident(schema)+" cascade")
			_ = a.Close()
		}
	})

	require.NoError(t, pg.Bootstrap(ctx, db, zap.NewNop()))
	return db
}
