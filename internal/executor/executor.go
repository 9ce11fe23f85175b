// Copyright 2026 NVIDIA Corporation
package executor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/storage"
)

// Input is one work item. Size feeds the progress tracker; ErrorKey tags
// per-item failures in the job context.
type Input interface {
	Size() int64
	ErrorKey() string
}

// MuxInput additionally routes the item to a storage backend; workers bind
// the provider to the item's profile.
type MuxInput interface {
	Input
	StorageProfile() string
}

// Generator streams work items. ok=false ends the stream; a final non-nil
// error is collected on the job context without aborting the run.
type Generator[T Input] func() (item T, ok bool, err error)

// Worker processes one item against a bound client provider.
type Worker[T Input, R any] func(item T, clients storage.ClientProvider, progress Updater) (R, error)

// Combine is the output monoid; the executor treats a missing accumulator
// as the identity.
type Combine[R any] func(acc, next R) R

// WorkerError tags a single item's failure with its error key.
type WorkerError struct {
	Key string
	Err error
}

func (e WorkerError) Error() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }
func (e WorkerError) Unwrap() error { return e.Err }

// JobContext is the execution context of one run: timing, the aggregated
// output, and every error collected along the way.
type JobContext[R any] struct {
	StartTime time.Time
	EndTime   time.Time
	Output    *R
	Errors    []error
}

// ExecutorError carries the partial job context of an unrecoverable fault.
type ExecutorError[R any] struct {
	Message    string
	JobContext *JobContext[R]
}

func (e *ExecutorError[R]) Error() string { return e.Message }

// workerState is the per-worker accumulation: a local output plus item
// errors, merged into the job context in arrival order.
type workerState[R any] struct {
	output *R
	errors []error
}

func (s *workerState[R]) add(result R, combine Combine[R]) {
	if s.output == nil {
		s.output = &result
		return
	}
	merged := combine(*s.output, result)
	s.output = &merged
}

// RunJob is the unified entry point. A single resolved process runs
// in-process; more spread the chunked stream across process workers.
func RunJob[T Input, R any](
	worker Worker[T, R],
	gen Generator[T],
	factory storage.ClientFactory,
	enableProgress bool,
	params Params,
	combine Combine[R],
	log *zap.Logger,
) (*JobContext[R], error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	job := &JobContext[R]{StartTime: time.Now()}
	defer func() { job.EndTime = time.Now() }()

	updater, tracker := newUpdater(enableProgress, params)
	if tracker != nil {
		tracker.Start()
		defer tracker.Stop()
	}

	if params.ResolvedNumProcesses() == 1 {
		if err := runInProcess(job, worker, gen, factory, params, combine, updater); err != nil {
			return job, &ExecutorError[R]{
				Message:    fmt.Sprintf("error running in-process job: %v", err),
				JobContext: job,
			}
		}
		return job, nil
	}
	if err := runMultiProcess(job, worker, gen, factory, params, combine, updater, log); err != nil {
		return job, &ExecutorError[R]{
			Message:    fmt.Sprintf("error running multi-process job: %v", err),
			JobContext: job,
		}
	}
	return job, nil
}

// runItems drives one worker pool over an item channel, with at most
// inflight items buffered ahead of the workers.
func runItems[T Input, R any](
	worker Worker[T, R],
	items <-chan T,
	provider storage.ClientProvider,
	threads int,
	combine Combine[R],
	updater Updater,
) *workerState[R] {
	state := &workerState[R]{}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range items {
				clients := provider
				if muxItem, ok := any(item).(MuxInput); ok {
					bound, err := provider.Bind(muxItem.StorageProfile())
					if err != nil {
						mu.Lock()
						state.errors = append(state.errors, WorkerError{Key: item.ErrorKey(), Err: err})
						mu.Unlock()
						continue
					}
					clients = bound
				}
				result, err := worker(item, clients, updater)
				mu.Lock()
				if err != nil {
					state.errors = append(state.errors, WorkerError{Key: item.ErrorKey(), Err: err})
				} else {
					state.add(result, combine)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return state
}

func runInProcess[T Input, R any](
	job *JobContext[R],
	worker Worker[T, R],
	gen Generator[T],
	factory storage.ClientFactory,
	params Params,
	combine Combine[R],
	updater Updater,
) error {
	threads := params.ResolvedNumThreads()
	provider := storage.ToProvider(factory, threads > 1)
	if muxFactory, ok := factory.(*storage.MuxClientFactory); ok {
		provider = muxFactory.ToProvider(threads > 1)
	}
	defer func() { _ = provider.Close() }()

	items := make(chan T, params.ResolvedInflight())
	var genErrors []error
	go func() {
		defer close(items)
		for {
			item, ok, err := gen()
			if err != nil {
				genErrors = append(genErrors, err)
			}
			if !ok {
				return
			}
			updater.Update(item.Size(), 0, "")
			items <- item
		}
	}()

	state := runItems(worker, items, provider, threads, combine, updater)
	job.Output = state.output
	job.Errors = append(job.Errors, state.errors...)
	job.Errors = append(job.Errors, genErrors...)
	return nil
}

func runMultiProcess[T Input, R any](
	job *JobContext[R],
	worker Worker[T, R],
	gen Generator[T],
	factory storage.ClientFactory,
	params Params,
	combine Combine[R],
	updater Updater,
	log *zap.Logger,
) error {
	processes := params.ResolvedNumProcesses()
	threads := params.ResolvedNumThreads()
	chunkSize := params.ResolvedChunkSize()

	chunkQueue := make(chan []T, params.ResolvedChunkQueueSize())
	results := make(chan *workerState[R], processes)

	var workersMu sync.Mutex
	liveWorkers := 0
	startedWorkers := 0

	startWorker := func() {
		workersMu.Lock()
		liveWorkers++
		startedWorkers++
		workersMu.Unlock()
		go func() {
			provider := storage.ToProvider(factory, true)
			if muxFactory, ok := factory.(*storage.MuxClientFactory); ok {
				provider = muxFactory.ToProvider(true)
			}
			defer func() { _ = provider.Close() }()

			items := make(chan T, chunkSize)
			var state *workerState[R]
			done := make(chan struct{})
			go func() {
				state = runItems(worker, items, provider, threads, combine, updater)
				close(done)
			}()
			for chunk := range chunkQueue {
				if chunk == nil {
					// Shutdown sentinel: one per live worker.
					break
				}
				for _, item := range chunk {
					items <- item
				}
			}
			close(items)
			<-done

			workersMu.Lock()
			liveWorkers--
			workersMu.Unlock()
			results <- state
		}()
	}

	// Start with one worker; the producer scales up when the chunk backlog
	// outgrows the live pool.
	startWorker()

	var genErrors []error
	chunk := make([]T, 0, chunkSize)
	// flush hands the current chunk to the workers; false means no consumer
	// is left and production must stop.
	flush := func() bool {
		if len(chunk) == 0 {
			return true
		}
		var totalSize int64
		for _, item := range chunk {
			totalSize += item.Size()
		}
		updater.Update(totalSize, 0, "")

		toSend := chunk
		chunk = make([]T, 0, chunkSize)
		select {
		case chunkQueue <- toSend:
			workersMu.Lock()
			backlog := len(chunkQueue)
			canGrow := startedWorkers < processes
			live := liveWorkers
			workersMu.Unlock()
			if canGrow && backlog > live {
				startWorker()
			}
		default:
			workersMu.Lock()
			live := liveWorkers
			workersMu.Unlock()
			if live == 0 {
				// No consumers left; don't deadlock trying to put chunks.
				log.Error("chunk queue is full but no workers are running")
				return false
			}
			chunkQueue <- toSend
		}
		return true
	}

	for {
		item, ok, err := gen()
		if err != nil {
			genErrors = append(genErrors, err)
		}
		if !ok {
			break
		}
		chunk = append(chunk, item)
		if len(chunk) >= chunkSize {
			if !flush() {
				break
			}
		}
	}
	_ = flush()

	// One sentinel per live worker so each terminates cleanly.
	workersMu.Lock()
	sentinels := liveWorkers
	workersMu.Unlock()
	for i := 0; i < sentinels; i++ {
		chunkQueue <- nil
	}

	workersMu.Lock()
	totalStarted := startedWorkers
	workersMu.Unlock()
	for i := 0; i < totalStarted; i++ {
		state := <-results
		job.Errors = append(job.Errors, state.errors...)
		if state.output != nil {
			if job.Output == nil {
				job.Output = state.output
			} else {
				merged := combine(*job.Output, *state.output)
				job.Output = &merged
			}
		}
	}
	job.Errors = append(job.Errors, genErrors...)
	return nil
}
