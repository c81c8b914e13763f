// Package sweeper turns the passage of time into events: lapsed holds are
// expired and late checkouts are counted against their borrowers.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"kurrentlibrary/internal/catalog"
	"kurrentlibrary/internal/circulation"
	"kurrentlibrary/internal/lending"
)

const (
	defaultInterval      = time.Minute
	defaultRatePerSecond = 20
)

// Report counts the outcomes of one sweep.
type Report struct {
	HoldsExpired      int
	OverdueRegistered int
	Skipped           int
	Conflicts         int
}

type Sweeper struct {
	svc      circulation.Service
	books    catalog.Reader
	limiter  *rate.Limiter
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	retry    []circulation.RetryOption
}

type Option func(*Sweeper)

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRate caps how many commands a sweep issues per second.
func WithRate(perSecond float64) Option {
	return func(s *Sweeper) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRetry(opts ...circulation.RetryOption) Option {
	return func(s *Sweeper) { s.retry = opts }
}

func New(svc circulation.Service, books catalog.Reader, opts ...Option) *Sweeper {
	s := &Sweeper{
		svc:      svc,
		books:    books,
		limiter:  rate.NewLimiter(rate.Limit(defaultRatePerSecond), 1),
		interval: defaultInterval,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if report != (Report{}) {
				s.logger.InfoContext(ctx, "sweep finished",
					slog.Int("holds_expired", report.HoldsExpired),
					slog.Int("overdue_registered", report.OverdueRegistered),
					slog.Int("skipped", report.Skipped),
					slog.Int("conflicts", report.Conflicts),
				)
			}
		}
	}
}

// Sweep works through everything the catalog reports as due at the current
// time. The catalog may lag, so refusals are expected and only logged.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.clock()

	for _, book := range s.books.ExpiredHolds(now) {
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		res, err := circulation.RetryOnConflict(ctx, func(ctx context.Context) (circulation.Result[lending.BookSnapshot], error) {
			return s.svc.ExpireHold(ctx, book.ID)
		}, s.retry...)
		if err != nil {
			return report, err
		}
		s.tally(ctx, &report, "expire hold", book, res.Failure, res.Changed, &report.HoldsExpired)
	}

	for _, book := range s.books.OverdueCheckouts(now) {
		if book.BorrowerID == nil {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}
		borrower := *book.BorrowerID
		res, err := circulation.RetryOnConflict(ctx, func(ctx context.Context) (circulation.Result[lending.PatronSnapshot], error) {
			return s.svc.RegisterOverdue(ctx, borrower, book.ID)
		}, s.retry...)
		if err != nil {
			return report, err
		}
		s.tally(ctx, &report, "register overdue", book, res.Failure, res.Changed, &report.OverdueRegistered)
	}

	return report, nil
}

func (s *Sweeper) tally(ctx context.Context, report *Report, action string, book catalog.BookView, failure *circulation.Failure, changed bool, done *int) {
	switch {
	case failure == nil && changed:
		*done++
	case failure != nil && failure.Kind == circulation.FailureConcurrencyConflict:
		report.Conflicts++
		s.logger.WarnContext(ctx, "sweep gave up after conflicts",
			slog.String("action", action),
			slog.String("book_id", book.ID.String()),
		)
	default:
		report.Skipped++
		attrs := []any{slog.String("action", action), slog.String("book_id", book.ID.String())}
		if failure != nil {
			attrs = append(attrs, slog.String("reason", failure.Reason))
		}
		s.logger.DebugContext(ctx, "sweep skipped", attrs...)
	}
}
