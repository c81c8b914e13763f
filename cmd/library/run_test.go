package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"kurrentlibrary/internal/catalog"
	"kurrentlibrary/internal/circulation"
	"kurrentlibrary/internal/dailysheet"
	"kurrentlibrary/internal/lending"
	"kurrentlibrary/pkg/eventstore"
)

func TestRunners_RebuildReadModelsAfterRestart(t *testing.T) {
	store := eventstore.NewMemoryStore()
	durable := eventstore.NewMemoryCheckpointStore()
	svc := circulation.NewService(store)
	added, err := svc.AddBook(context.Background(), circulation.AddBookCommand{
		ISBN: "978-0765326355", Title: "The Way of Kings", BookType: lending.Circulating, BranchID: uuid.New(),
	})
	require.NoError(t, err)
	require.True(t, added.Success)

	for run := 1; run <= 2; run++ {
		books := catalog.NewProjection()
		sheet := dailysheet.NewProjection()
		runners := newRunners(store, durable, svc, books, sheet, slog.Default())

		ctx, cancel := context.WithCancel(context.Background())
		g, ctx := errgroup.WithContext(ctx)
		for _, r := range runners {
			g.Go(func() error { return r.Run(ctx) })
		}

		require.Eventually(t, func() bool {
			_, saved, err := durable.LoadCheckpoint(ctx, "patron-ledger")
			return err == nil && saved && books.Len() == 1 && sheet.Summary().Books == 1
		}, 2*time.Second, 10*time.Millisecond, "run %d", run)
		cancel()
		require.NoError(t, g.Wait())
	}

	_, ok, err := durable.LoadCheckpoint(context.Background(), "patron-ledger")
	require.NoError(t, err)
	assert.True(t, ok, "the ledger checkpoint is durable")
	_, ok, err = durable.LoadCheckpoint(context.Background(), "catalog")
	require.NoError(t, err)
	assert.False(t, ok, "in-memory read models keep no durable checkpoint")
}
