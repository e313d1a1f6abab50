// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerdriver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Interceptor observes statement execution on a StatementExecutor, before
// and after each submitted operation, spec.md §4.7.
type Interceptor interface {
	Before(op string)
	After(op string, err error)
}

type statementTask struct {
	op       string
	timeout  time.Duration
	fn       func(ctx context.Context) AsyncResult
	resultCh chan AsyncResult
}

// StatementExecutor is the single-worker asynchronous executor described in
// spec.md §4.7: it owns statement invocations so they can be cancelled or
// timed out without tearing down the connection. The worker goroutine is
// daemonic -- nothing here blocks process exit.
type StatementExecutor struct {
	mu           sync.Mutex
	work         chan statementTask
	closed       chan struct{}
	closeOnce    sync.Once
	currentStop  context.CancelFunc
	interceptors []Interceptor
	fireAndForget *errgroup.Group
	logger       *zerolog.Logger
}

// NewStatementExecutor starts the worker goroutine and returns the
// executor handle.
func NewStatementExecutor(logger *zerolog.Logger) *StatementExecutor {
	if logger == nil {
		logger = &nopLogger
	}
	ex := &StatementExecutor{
		work:          make(chan statementTask),
		closed:        make(chan struct{}),
		fireAndForget: &errgroup.Group{},
		logger:        logger,
	}
	go ex.run()
	return ex
}

// AddInterceptor appends an observer to the chain. Not safe to call
// concurrently with Submit.
func (ex *StatementExecutor) AddInterceptor(i Interceptor) {
	ex.interceptors = append(ex.interceptors, i)
}

func (ex *StatementExecutor) run() {
	for {
		select {
		case t := <-ex.work:
			ex.execute(t)
		case <-ex.closed:
			return
		}
	}
}

// Submit enqueues fn to run on the worker goroutine, applying timeout (zero
// means no timeout, per spec.md §3 "absent means no timeout"). The returned
// channel receives exactly one AsyncResult.
func (ex *StatementExecutor) Submit(op string, timeout time.Duration, fn func(ctx context.Context) AsyncResult) <-chan AsyncResult {
	resultCh := make(chan AsyncResult, 1)
	t := statementTask{op: op, timeout: timeout, fn: fn, resultCh: resultCh}
	select {
	case ex.work <- t:
	case <-ex.closed:
		resultCh <- AsyncResult{Err: errClosed()}
	}
	return resultCh
}

func (ex *StatementExecutor) execute(t statementTask) {
	runCtx, cancel := context.WithCancel(context.Background())
	if t.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, t.timeout)
	}
	ex.mu.Lock()
	ex.currentStop = cancel
	ex.mu.Unlock()

	for _, i := range ex.interceptors {
		i.Before(t.op)
	}

	done := make(chan AsyncResult, 1)
	go func() {
		done <- t.fn(runCtx)
	}()

	var res AsyncResult
	select {
	case res = <-done:
		if res.Err == nil && runCtx.Err() == context.DeadlineExceeded {
			res = AsyncResult{Err: errDeadlineExceeded()}
		}
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			res = AsyncResult{Err: errDeadlineExceeded()}
		} else {
			res = AsyncResult{Err: errCancelled()}
		}
	}

	for _, i := range ex.interceptors {
		i.After(t.op, res.Err)
	}

	cancel()
	ex.mu.Lock()
	ex.currentStop = nil
	ex.mu.Unlock()
	t.resultCh <- res
}

// Cancel interrupts whatever operation is currently running on the worker.
// It is safe to call from any goroutine and is a no-op if nothing is
// running, spec.md §5.
func (ex *StatementExecutor) Cancel() {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.currentStop != nil {
		ex.currentStop()
	}
}

// RunFireAndForget schedules fn on the unbounded fire-and-forget pool used
// by Close to attempt a best-effort rollback without blocking on a remote
// call, spec.md §4.7.
func (ex *StatementExecutor) RunFireAndForget(fn func() error) {
	ex.fireAndForget.Go(fn)
}

// AwaitFireAndForget blocks until all fire-and-forget work completes or ctx
// is done, whichever comes first.
func (ex *StatementExecutor) AwaitFireAndForget(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		_ = ex.fireAndForget.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Shutdown stops accepting new work. Idempotent.
func (ex *StatementExecutor) Shutdown() {
	ex.closeOnce.Do(func() {
		close(ex.closed)
	})
}
