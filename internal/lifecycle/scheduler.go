package lifecycle

import (
	"sync"
	"time"
)

// Scheduler fires the teardown callback a fixed delay after a session
// ends. Timers hold no locks or transactions; a pending timer is replaced
// when the same session is scheduled again and can be cancelled outright.
type Scheduler struct {
	mu     sync.Mutex
	timers map[uint]*time.Timer
	delay  time.Duration
	fire   func(sessionID uint)
}

func NewScheduler(delay time.Duration, fire func(sessionID uint)) *Scheduler {
	return &Scheduler{
		timers: make(map[uint]*time.Timer),
		delay:  delay,
		fire:   fire,
	}
}

// Schedule arms the teardown timer for a session ending now.
func (s *Scheduler) Schedule(sessionID uint) {
	s.scheduleAfter(sessionID, s.delay)
}

// ScheduleAt arms the timer for a session that ended at the given time,
// keeping only the remaining part of the delay. Used on restart recovery;
// an already overdue teardown fires immediately.
func (s *Scheduler) ScheduleAt(sessionID uint, endedAt time.Time) {
	remaining := time.Until(endedAt.Add(s.delay))
	if remaining < 0 {
		remaining = 0
	}
	s.scheduleAfter(sessionID, remaining)
}

func (s *Scheduler) scheduleAfter(sessionID uint, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
		s.fire(sessionID)
	})
}

func (s *Scheduler) Cancel(sessionID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[sessionID]; ok {
		timer.Stop()
		delete(s.timers, sessionID)
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}
