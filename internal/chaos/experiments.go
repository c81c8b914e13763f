package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kurrentlibrary/internal/circulation"
	"kurrentlibrary/internal/lending"
)

// RegisterExperiments registers the predefined experiments with the engine.
func (e *Engine) RegisterExperiments() {
	e.RegisterExperiment(e.ConcurrentHoldRaceExperiment(8))
	e.RegisterExperiment(e.ConflictRecoveryExperiment(20, 0.5))
	e.RegisterExperiment(e.StoreLatencyExperiment(10, 5*time.Millisecond))
	e.RegisterExperiment(e.StoreOutageExperiment())
}

func (e *Engine) storeReachable() Metric {
	return Metric{
		Name: "store_reachable",
		Query: func(ctx context.Context) (float64, error) {
			if _, err := e.store.StreamExists(ctx, lending.BookStream(uuid.Nil)); err != nil {
				return 0, err
			}
			return 1, nil
		},
		Threshold: Threshold{Operator: "==", Value: 1},
	}
}

// seed creates a circulating book and the given number of regular patrons.
func (e *Engine) seed(ctx context.Context, patrons int) (uuid.UUID, []uuid.UUID, error) {
	book, err := e.svc.AddBook(ctx, circulation.AddBookCommand{
		ISBN:     "978-0000000000",
		Title:    "Chaos Monkeys",
		BookType: lending.Circulating,
		BranchID: uuid.New(),
	})
	if err != nil {
		return uuid.Nil, nil, err
	}
	if !book.Success {
		return uuid.Nil, nil, book.Failure
	}

	ids := make([]uuid.UUID, 0, patrons)
	for i := 0; i < patrons; i++ {
		p, err := e.svc.CreatePatron(ctx, circulation.CreatePatronCommand{
			Name:       fmt.Sprintf("patron %d", i),
			Email:      fmt.Sprintf("patron%d@example.org", i),
			PatronType: lending.Regular,
		})
		if err != nil {
			return uuid.Nil, nil, err
		}
		if !p.Success {
			return uuid.Nil, nil, p.Failure
		}
		ids = append(ids, p.Value.ID)
	}
	return book.Value.ID, ids, nil
}

// ConcurrentHoldRaceExperiment lets n patrons race for the same book.
func (e *Engine) ConcurrentHoldRaceExperiment(n int) Experiment {
	var (
		bookID  uuid.UUID
		patrons []uuid.UUID
	)

	return Experiment{
		Name:        "concurrent-hold-race",
		Hypothesis:  "Exactly one of many simultaneous holds on a book succeeds",
		SteadyState: []Metric{e.storeReachable()},
		Setup: func(ctx context.Context) (err error) {
			bookID, patrons, err = e.seed(ctx, n)
			return err
		},
		Faults: Faults{Latency: time.Millisecond},
		Method: func(ctx context.Context) (map[string]float64, error) {
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				winners   []uuid.UUID
				refused   int
				conflicts int
				errs      []error
			)
			start := make(chan struct{})
			for _, patronID := range patrons {
				wg.Add(1)
				go func(patronID uuid.UUID) {
					defer wg.Done()
					<-start
					res, err := circulation.RetryOnConflict(ctx, func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
						return e.svc.PlaceHold(ctx, circulation.PlaceHoldCommand{BookID: bookID, PatronID: patronID, HoldType: lending.ClosedEnded})
					}, circulation.WithMaxAttempts(n+2), circulation.WithBaseDelay(time.Millisecond))

					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						errs = append(errs, err)
					case res.Success:
						winners = append(winners, patronID)
					case res.IsConflict():
						conflicts++
					default:
						refused++
					}
				}(patronID)
			}
			close(start)
			wg.Wait()
			if err := errors.Join(errs...); err != nil {
				return nil, err
			}

			holderMatches := 0.0
			book, err := e.svc.GetBook(ctx, bookID)
			if err != nil {
				return nil, err
			}
			if len(winners) == 1 && book.Value.HoldingPatronID != nil && *book.Value.HoldingPatronID == winners[0] {
				holderMatches = 1
			}
			return map[string]float64{
				"winners":        float64(len(winners)),
				"refused":        float64(refused),
				"conflicts":      float64(conflicts),
				"holder_matches": holderMatches,
			}, nil
		},
		Validation: []Assertion{
			{
				Metric:    "winners",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one hold must succeed",
			},
			{
				Metric:    "holder_matches",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "The book must be held by the winning patron",
			},
			{
				Metric:    "refused",
				Condition: func(v float64) bool { return v == float64(n-1) },
				Message:   "Every other patron must be refused after reloading",
			},
		},
	}
}

// ConflictRecoveryExperiment injects spurious conflicts into appends and
// checks that retried commands still complete.
func (e *Engine) ConflictRecoveryExperiment(rounds int, conflictRate float64) Experiment {
	var (
		bookID   uuid.UUID
		patronID uuid.UUID
	)

	return Experiment{
		Name:        "conflict-recovery",
		Hypothesis:  "Retrying on conflict completes hold and cancel cycles despite lost races",
		SteadyState: []Metric{e.storeReachable()},
		Setup: func(ctx context.Context) error {
			book, patrons, err := e.seed(ctx, 1)
			if err != nil {
				return err
			}
			bookID, patronID = book, patrons[0]
			return nil
		},
		Faults: Faults{ConflictRate: conflictRate},
		Method: func(ctx context.Context) (map[string]float64, error) {
			retry := []circulation.RetryOption{circulation.WithMaxAttempts(25), circulation.WithBaseDelay(0)}
			completed := 0
			for i := 0; i < rounds; i++ {
				hold, err := circulation.RetryOnConflict(ctx, func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
					return e.svc.PlaceHold(ctx, circulation.PlaceHoldCommand{BookID: bookID, PatronID: patronID, HoldType: lending.ClosedEnded})
				}, retry...)
				if err != nil {
					return nil, err
				}
				if hold.IsConflict() {
					continue
				}
				cancel, err := circulation.RetryOnConflict(ctx, func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
					return e.svc.CancelHold(ctx, bookID, patronID, "chaos")
				}, retry...)
				if err != nil {
					return nil, err
				}
				if cancel.Success {
					completed++
				}
			}
			return map[string]float64{"completed_ratio": float64(completed) / float64(rounds)}, nil
		},
		Validation: []Assertion{
			{
				Metric:    "completed_ratio",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Every hold and cancel cycle must complete",
			},
		},
	}
}

// StoreLatencyExperiment slows every store call down and checks that a
// full lending cycle still works.
func (e *Engine) StoreLatencyExperiment(cycles int, latency time.Duration) Experiment {
	var (
		bookID   uuid.UUID
		patronID uuid.UUID
	)

	return Experiment{
		Name:        "store-latency",
		Hypothesis:  "Hold, checkout and return keep working when the store is slow",
		SteadyState: []Metric{e.storeReachable()},
		Setup: func(ctx context.Context) error {
			book, patrons, err := e.seed(ctx, 1)
			if err != nil {
				return err
			}
			bookID, patronID = book, patrons[0]
			return nil
		},
		Faults: Faults{Latency: latency},
		Method: func(ctx context.Context) (map[string]float64, error) {
			completed := 0
			started := time.Now()
			for i := 0; i < cycles; i++ {
				steps := []func(context.Context) (circulation.Result[lending.BookSnapshot], error){
					func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
						return e.svc.PlaceHold(ctx, circulation.PlaceHoldCommand{BookID: bookID, PatronID: patronID, HoldType: lending.ClosedEnded})
					},
					func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
						return e.svc.Checkout(ctx, bookID, patronID)
					},
					func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
						return e.svc.ReturnBook(ctx, bookID, patronID)
					},
				}
				ok := true
				for _, step := range steps {
					res, err := step(ctx)
					if err != nil {
						return nil, err
					}
					ok = ok && res.Success
				}
				if ok {
					completed++
				}
			}
			perCycle := time.Since(started) / time.Duration(cycles)
			return map[string]float64{
				"completed_ratio": float64(completed) / float64(cycles),
				"cycle_ms":        float64(perCycle) / float64(time.Millisecond),
			}, nil
		},
		Validation: []Assertion{
			{
				Metric:    "completed_ratio",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Every lending cycle must complete under latency",
			},
		},
	}
}

// StoreOutageExperiment fails every store call and checks that failures
// surface as errors and leave nothing half-written.
func (e *Engine) StoreOutageExperiment() Experiment {
	var (
		bookID   uuid.UUID
		patronID uuid.UUID
	)

	return Experiment{
		Name:        "store-outage",
		Hypothesis:  "Store outages surface as infrastructure errors and change nothing",
		SteadyState: []Metric{e.storeReachable()},
		Setup: func(ctx context.Context) error {
			book, patrons, err := e.seed(ctx, 1)
			if err != nil {
				return err
			}
			bookID, patronID = book, patrons[0]
			return nil
		},
		Faults: Faults{FailureRate: 1},
		Method: func(ctx context.Context) (map[string]float64, error) {
			const attempts = 5
			surfaced := 0
			for i := 0; i < attempts; i++ {
				res, err := e.svc.PlaceHold(ctx, circulation.PlaceHoldCommand{BookID: bookID, PatronID: patronID, HoldType: lending.ClosedEnded})
				if errors.Is(err, ErrInjected) && res.Failure == nil {
					surfaced++
				}
			}
			return map[string]float64{"surfaced_ratio": float64(surfaced) / attempts}, nil
		},
		Verify: func(ctx context.Context, observed map[string]float64) error {
			book, err := e.svc.GetBook(ctx, bookID)
			if err != nil {
				return err
			}
			observed["book_available"] = 0
			if book.Success && book.Value.State == lending.Available {
				observed["book_available"] = 1
			}
			return nil
		},
		Validation: []Assertion{
			{
				Metric:    "surfaced_ratio",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Every outage must surface as an error",
			},
			{
				Metric:    "book_available",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "A failed command must not change the book",
			},
		},
	}
}
