// Package demo generates a synthetic workload of concurrent operations. Every
// operation logs a verbose trace, calls a dummy dependency and reports its
// request; every FailEvery-th operation fails with an exception.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-tailfilter/pkg/domain"
)

// Config controls the generated workload.
type Config struct {
	Operations  int
	Concurrency int
	// FailEvery makes operation indexes divisible by it fail. Zero disables
	// failures.
	FailEvery int
	// MaxDelay bounds the simulated dependency latency.
	MaxDelay time.Duration
	Seed     uint64
}

// DefaultConfig mirrors a small load test: 100 operations, one in ten failing.
func DefaultConfig() Config {
	return Config{
		Operations:  100,
		Concurrency: 16,
		FailEvery:   10,
		MaxDelay:    10 * time.Millisecond,
	}
}

// Result summarises a run.
type Result struct {
	Operations int
	Failed     int
	Items      int
	Elapsed    time.Duration
}

var errSimulated = errors.New("simulated failure")

// Run executes the workload against sink and waits for every operation. Sink
// errors do not stop the run; they are joined into the returned error.
func Run(ctx context.Context, sink domain.Sink, cfg Config, logger *slog.Logger) (Result, error) {
	if cfg.Operations < 0 || cfg.Concurrency < 0 || cfg.FailEvery < 0 || cfg.MaxDelay < 0 {
		return Result{}, fmt.Errorf("%w: demo settings must not be negative", domain.ErrConfigInvalid)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []error
		failed atomic.Int64
		items  atomic.Int64
		sem    = make(chan struct{}, cfg.Concurrency)
		start  = time.Now()
	)

	for i := 0; i < cfg.Operations; i++ {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return Result{}, err
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return Result{}, ctx.Err()
		}

		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			defer func() { <-sem }()

			op := &operation{
				id:    uuid.NewString(),
				index: index,
				sink:  sink,
				rng:   rand.New(rand.NewPCG(cfg.Seed, uint64(index))),
			}
			ok, err := op.run(ctx, cfg)
			items.Add(int64(op.emitted))
			if !ok {
				failed.Add(1)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	res := Result{
		Operations: cfg.Operations,
		Failed:     int(failed.Load()),
		Items:      int(items.Load()),
		Elapsed:    time.Since(start),
	}
	logger.Info("Demo workload finished",
		"operations", res.Operations,
		"failed", res.Failed,
		"items", res.Items,
		"elapsed", res.Elapsed,
	)
	return res, errors.Join(errs...)
}

type operation struct {
	id      string
	index   int
	sink    domain.Sink
	rng     *rand.Rand
	emitted int
	errs    []error
}

func (o *operation) emit(ctx context.Context, item *domain.Item) {
	item.ID = uuid.NewString()
	item.OperationID = o.id
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}
	o.emitted++
	if err := o.sink.Forward(ctx, item); err != nil {
		o.errs = append(o.errs, fmt.Errorf("operation %d %s: %w", o.index, item.Kind, err))
	}
}

func (o *operation) run(ctx context.Context, cfg Config) (bool, error) {
	started := time.Now().UTC()

	o.emit(ctx, &domain.Item{
		Kind:     domain.KindTrace,
		Message:  fmt.Sprintf("Starting operation with index #%d", o.index),
		Severity: domain.Level(domain.SeverityVerbose),
	})

	err := o.callDependency(ctx, cfg)

	request := &domain.Item{
		Kind:       domain.KindRequest,
		Name:       "Operation",
		Timestamp:  started,
		Attributes: map[string]string{"index": strconv.Itoa(o.index)},
	}
	if err != nil {
		o.emit(ctx, &domain.Item{
			Kind:    domain.KindException,
			Message: err.Error(),
		})
		request.Success = domain.Bool(false)
		request.ResponseCode = "exception"
	} else {
		o.emit(ctx, &domain.Item{
			Kind:     domain.KindTrace,
			Message:  fmt.Sprintf("Operation with index #%d has completed.", o.index),
			Severity: domain.Level(domain.SeverityVerbose),
		})
		request.Success = domain.Bool(true)
		request.ResponseCode = "ok"
	}
	request.Duration = time.Since(started)
	o.emit(ctx, request)

	return err == nil, errors.Join(o.errs...)
}

// callDependency simulates a remote call and always tracks it, whether it
// failed or not.
func (o *operation) callDependency(ctx context.Context, cfg Config) error {
	started := time.Now()

	var err error
	if cfg.MaxDelay > 0 {
		timer := time.NewTimer(time.Duration(o.rng.Int64N(int64(cfg.MaxDelay))))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
	}
	if err == nil && cfg.FailEvery > 0 && o.index%cfg.FailEvery == 0 {
		err = errSimulated
	}

	o.emit(ctx, &domain.Item{
		Kind:      domain.KindDependency,
		Name:      "Dummy",
		Timestamp: started.UTC(),
		Duration:  time.Since(started),
		Success:   domain.Bool(err == nil),
	})
	return err
}
