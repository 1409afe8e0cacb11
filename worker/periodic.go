package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is one unit of periodic background work.
type Task func(ctx context.Context) error

// Periodic runs a task on a fixed interval until stopped. Runs never overlap.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	log      logrus.FieldLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPeriodic(name string, interval time.Duration, task Task, log logrus.FieldLogger) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		log:      log.WithField("worker", name),
	}
}

// Start launches the loop. The task runs once immediately, then on every tick.
func (p *Periodic) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.loop(ctx)

	p.log.WithField("interval", p.interval.String()).Info("worker started")
}

func (p *Periodic) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

func (p *Periodic) run(ctx context.Context) {
	if err := p.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.WithError(err).Error("worker run failed")
	}
}

// Stop cancels the loop and waits for an in-progress run to return.
func (p *Periodic) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker stopped")
}
