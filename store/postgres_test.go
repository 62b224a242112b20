package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Requer um Postgres real: SDC_TEST_POSTGRES_DSN=postgres://...
func TestPostgresStore_Contract(t *testing.T) {
	dsn := os.Getenv("SDC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SDC_TEST_POSTGRES_DSN not set")
	}

	require.NoError(t, Migrate(dsn))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := ConnectPostgres(ctx, dsn, 20, 3)
	require.NoError(t, err)
	s := NewPostgresStore(pool)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	runStoreContract(t, s)
}
