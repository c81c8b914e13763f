package circulation

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kurrentlibrary/internal/lending"
	"kurrentlibrary/pkg/eventstore/pgstore"
)

func setupPostgresService(t *testing.T) Service {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: %v", err)
	}
	require.NoError(t, pgstore.EnsureSchema(context.Background(), db))
	return NewService(pgstore.New(db))
}

func TestPostgres_ConcurrentHoldsPreventDoubleBooking(t *testing.T) {
	svc := setupPostgresService(t)
	ctx := context.Background()
	env := &testEnv{t: t, ctx: ctx, svc: svc}
	book := env.book(lending.Circulating)

	const patrons = 5
	ids := make([]lending.PatronSnapshot, patrons)
	for i := range ids {
		ids[i] = env.patron(lending.Regular)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, p := range ids {
		wg.Add(1)
		go func(p lending.PatronSnapshot) {
			defer wg.Done()
			res, err := RetryOnConflict(ctx, func(ctx context.Context) (Result[lending.BookSnapshot], error) {
				return svc.PlaceHold(ctx, PlaceHoldCommand{BookID: book.ID, PatronID: p.ID, HoldType: lending.ClosedEnded})
			}, WithMaxAttempts(patrons+2))
			assert.NoError(t, err)
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one hold should win")
	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, lending.OnHold, got.Value.State)
}
