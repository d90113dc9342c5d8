// Package cron runs named in-memory jobs on robfig/cron: per-session poller
// ticks on a fixed interval and housekeeping jobs on cron specs.
package cron

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

type Service struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	chain    rcron.Chain
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	running  bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService() *Service {
	logger := rcron.PrintfLogger(log.Default())
	return &Service{
		cron:     rcron.New(rcron.WithSeconds(), rcron.WithLogger(logger)),
		chain:    rcron.NewChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
		entryMap: make(map[string]rcron.EntryID),
	}
}

// Start runs the scheduler until Stop is called or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.cancel = cancel
	s.stopCh = stopCh
	s.running = true
	n := len(s.entryMap)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", n)

	go func() {
		select {
		case <-runCtx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// Stop halts the scheduler and waits up to 5s for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.running = false
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// Every runs fn every interval, first after one interval has elapsed.
// Runs never overlap; a tick that fires while the previous one is still
// running is skipped. Intervals are rounded to whole seconds.
func (s *Service) Every(name string, interval time.Duration, fn func()) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s for job %s is below one second", interval, name)
	}
	return s.schedule(name, rcron.Every(interval), fn)
}

// AddFunc registers fn under a cron spec (seconds field or @descriptor).
func (s *Service) AddFunc(name, spec string, fn func()) error {
	sched, err := rcron.NewParser(
		rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
	).Parse(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", spec, name, err)
	}
	return s.schedule(name, sched, fn)
}

func (s *Service) schedule(name string, sched rcron.Schedule, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entryMap[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	s.entryMap[name] = s.cron.Schedule(sched, s.chain.Then(rcron.FuncJob(fn)))
	return nil
}

// Cancel removes a job. It is safe to call from inside the job itself; an
// in-flight run completes but no further runs start.
func (s *Service) Cancel(name string) bool {
	s.mu.Lock()
	id, ok := s.entryMap[name]
	if ok {
		delete(s.entryMap, name)
	}
	s.mu.Unlock()

	if ok {
		s.cron.Remove(id)
	}
	return ok
}
