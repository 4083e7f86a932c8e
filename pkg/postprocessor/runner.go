/*
Copyright 2025 The llm-d-decode-postprocessor Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package postprocessor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
	decodeapi "github.com/llm-d/llm-d-decode-postprocessor/pkg/decode-api"
)

// ErrQueueFull is returned by Enqueue when the job queue is at capacity.
var ErrQueueFull = errors.New("post-processing queue is full")

// Job is one decoder output awaiting post-processing.
type Job struct {
	ID      string
	Output  *decodeapi.DecodeOutput
	Options Options
}

// JobResult pairs a job's id with its bundle or error. A failed job never has
// a bundle.
type JobResult struct {
	ID     string
	Bundle *decodeapi.DecodedBundle
	Err    error
}

// Runner fans decoder outputs over a fixed pool of post-processing workers.
// Jobs enter through Enqueue and leave through Results in completion order.
// Results must be consumed while the runner is running.
type Runner struct {
	logger  logr.Logger
	proc    *PostProcessor
	metrics *Metrics
	workers int
	jobs    chan Job
	results chan JobResult
}

func NewRunner(logger logr.Logger, proc *PostProcessor, workers int, queueDepth int) (*Runner, error) {
	if proc == nil {
		return nil, errors.New("a post-processor is required")
	}
	if workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workers)
	}
	if queueDepth < 1 {
		return nil, fmt.Errorf("queue depth must be positive, got %d", queueDepth)
	}
	return &Runner{
		logger:  logger,
		proc:    proc,
		metrics: proc.metrics,
		workers: workers,
		jobs:    make(chan Job, queueDepth),
		results: make(chan JobResult, queueDepth+workers),
	}, nil
}

// Enqueue admits a job without blocking. It must not be called after Close.
func (r *Runner) Enqueue(job Job) error {
	if job.Output == nil {
		return errors.New("job has no decoder output")
	}
	select {
	case r.jobs <- job:
		r.metrics.batchQueued()
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the channel completed jobs are delivered on. It is closed
// when Run returns.
func (r *Runner) Results() <-chan JobResult {
	return r.results
}

// Close stops intake. Workers drain the remaining queue, then Run returns.
func (r *Runner) Close() {
	close(r.jobs)
}

// Run processes jobs until the queue is closed and drained or ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	defer close(r.results)

	r.logger.V(logging.DEBUG).Info("starting post-processing workers", "count", r.workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= r.workers; i++ {
		g.Go(func() error {
			return r.waitForJobs(ctx, i)
		})
	}
	return g.Wait()
}

func (r *Runner) waitForJobs(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			r.logger.V(logging.TRACE).Info("worker done", "id", id)
			return nil
		case job, ok := <-r.jobs:
			if !ok {
				r.logger.V(logging.TRACE).Info("worker done", "id", id)
				return nil
			}
			r.metrics.batchStarted()
			bundle, err := r.proc.Process(job.Output, job.Options)
			r.metrics.batchFinished()

			select {
			case <-ctx.Done():
				return nil
			case r.results <- JobResult{ID: job.ID, Bundle: bundle, Err: err}:
			}
		}
	}
}
