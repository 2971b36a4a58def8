// Copyright 2018-2022 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package downloader

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pilotdataplatform/download/pkg/appctx"
)

// Task is one unit of background work, usually a staged download job.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of workers with a bounded queue.
// Each pre-download enqueues exactly one task; workers share no state
// beyond the lock service and the status store.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
	log   *zerolog.Logger

	closeOnce sync.Once
}

// NewPool starts a pool with the given number of workers and queue
// capacity.
func NewPool(workers, queueSize int, log *zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}

	p := &Pool{
		tasks: make(chan Task, queueSize),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task. It blocks while the queue is full, which
// backpressures the pre-download handlers.
func (p *Pool) Submit(t Task) {
	p.tasks <- t
}

// Stop drains the queue and waits for running tasks to finish.
func (p *Pool) Stop() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	ctx := appctx.WithLogger(context.Background(), p.log)
	for t := range p.tasks {
		p.run(ctx, t)
	}
}

func (p *Pool) run(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("worker task panicked")
		}
	}()
	t(ctx)
}
