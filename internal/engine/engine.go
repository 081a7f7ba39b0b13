package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"metacontrol/internal/events"
	"metacontrol/internal/guard"
	"metacontrol/internal/inference"
	"metacontrol/internal/metrics"
	"metacontrol/internal/repo"
)

// Inferrer closes the knowledge base over its rules inside tx.
type Inferrer interface {
	Infer(ctx context.Context, tx *sql.Tx) (inference.Result, error)
}

// Engine is the reasoner core. Every mutation of the knowledge base runs
// under Guard inside a single store transaction.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Guard    *guard.Guard
	Inferrer Inferrer
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

var ErrInferenceFailed = errors.New("inference failed")

type Options struct {
	InferenceTimeout time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

func New(db *sql.DB, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := repo.Repo{DB: db, Now: opts.Now}
	ev := events.Writer{Now: opts.Now}
	inf, err := inference.New(r, ev, opts.InferenceTimeout, opts.Logger.Named("inference"))
	if err != nil {
		return Engine{}, err
	}
	g := guard.New()
	if opts.Metrics != nil {
		m := opts.Metrics
		g.OnWait = func(d time.Duration) { m.GuardWait.Observe(d.Seconds()) }
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   ev,
		Guard:    g,
		Inferrer: inf,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
		Now:      opts.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// locked runs fn under the guard inside one transaction.
func (e Engine) locked(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return e.Guard.Do(ctx, func(ctx context.Context) error {
		return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			return fn(ctx, tx)
		})
	})
}

func (e Engine) observe(fn func(m *metrics.Metrics)) {
	if e.Metrics != nil {
		fn(e.Metrics)
	}
}
