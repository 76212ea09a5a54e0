package executor

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a single unit of work scheduled on a Pool. Key identifies the
// task in its Outcome and Run performs the work, returning the terminal
// error if the work failed.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Outcome reports the terminal result of one task. Cancelled marks tasks
// that were drained without running because the pool context was done
// before they started.
type Outcome struct {
	Key       string
	Err       error
	Cancelled bool
}

// Pool executes tasks with a fixed number of workers.
type Pool struct {
	concurrency int
	logger      *zap.Logger
}

// NewPool returns a pool running at most concurrency tasks at once.
func NewPool(concurrency int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run executes every task and reports exactly one Outcome per task through
// onOutcome. Outcomes are delivered from a single goroutine, so onOutcome
// may touch shared state without further locking. Cancelling ctx does not
// kill tasks already running; they finish on their own terms while the
// tasks still queued drain as cancelled outcomes. Run returns once every
// outcome has been delivered.
func (p *Pool) Run(ctx context.Context, tasks []Task, onOutcome func(Outcome)) {
	if len(tasks) == 0 {
		return
	}
	if onOutcome == nil {
		onOutcome = func(Outcome) {}
	}

	p.logger.Debug("task pool started",
		zap.Int("workers", p.concurrency),
		zap.Int("tasks", len(tasks)),
	)

	taskCh := make(chan Task)
	results := make(chan Outcome, p.concurrency)

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for out := range results {
			onOutcome(out)
		}
	}()

	var g errgroup.Group
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			for task := range taskCh {
				if ctx.Err() != nil {
					results <- Outcome{Key: task.Key, Err: ctx.Err(), Cancelled: true}
					continue
				}
				results <- Outcome{Key: task.Key, Err: task.Run(ctx)}
			}
			return nil
		})
	}

	// Workers drain the channel even after cancellation, so this feed
	// loop always completes.
	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	_ = g.Wait()
	close(results)
	<-collectorDone

	p.logger.Debug("task pool drained", zap.Int("tasks", len(tasks)))
}
