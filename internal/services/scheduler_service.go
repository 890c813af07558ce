package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// maxCatchUpMinutes bounds how many missed minutes are replayed after a stall.
const maxCatchUpMinutes = 24 * 60

// Ticker receives one call per wall-clock minute.
type Ticker interface {
	Tick(t time.Time)
}

// SchedulerService is the global schedule clock. It polls the clock every interval and emits
// each new minute exactly once, replaying minutes missed while the process was stalled.
type SchedulerService struct {
	Interval time.Duration
	Target   Ticker
	Clock    clockwork.Clock
	Logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	last time.Time
}

// NewSchedulerService initializes a new SchedulerService.
func NewSchedulerService(interval time.Duration, target Ticker, clock clockwork.Clock, logger zerolog.Logger) *SchedulerService {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SchedulerService{
		Interval: interval,
		Target:   target,
		Clock:    clock,
		Logger:   logger,
	}
}

// Start launches the tick loop in a separate goroutine.
func (s *SchedulerService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("SchedulerService is already running")
		return errors.New("scheduler service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	ticker := s.Clock.NewTicker(s.Interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.runTickLoop(ticker)
	}()

	s.Logger.Info().Dur("interval", s.Interval).Msg("SchedulerService started successfully")
	return nil
}

// Stop gracefully stops the scheduler service.
func (s *SchedulerService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("SchedulerService is not running")
		return errors.New("scheduler service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("SchedulerService stopped successfully")
	return nil
}

func (s *SchedulerService) runTickLoop(ticker clockwork.Ticker) {
	for {
		select {
		case <-ticker.Chan():
			s.advance(s.Clock.Now())
		case <-s.ctx.Done():
			s.Logger.Info().Msg("SchedulerService stopping gracefully")
			return
		}
	}
}

// advance emits every minute after the last emitted one up to and including now's minute.
func (s *SchedulerService) advance(now time.Time) {
	minute := now.Truncate(time.Minute)
	if s.last.IsZero() {
		s.emit(minute)
		return
	}
	if !minute.After(s.last) {
		return
	}

	next := s.last.Add(time.Minute)
	if missed := int(minute.Sub(next) / time.Minute); missed > maxCatchUpMinutes {
		s.Logger.Warn().Int("missed", missed).Msg("Clock jumped too far, skipping older minutes")
		next = minute.Add(-maxCatchUpMinutes * time.Minute)
	} else if missed > 0 {
		s.Logger.Info().Int("missed", missed).Msg("Catching up missed schedule minutes")
	}
	for m := next; !m.After(minute); m = m.Add(time.Minute) {
		s.emit(m)
	}
}

func (s *SchedulerService) emit(minute time.Time) {
	s.last = minute
	s.Logger.Debug().Time("minute", minute).Msg("Schedule tick")
	s.Target.Tick(minute)
}
