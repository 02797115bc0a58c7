package executor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler планировщик таймеров с миллисекундным разрешением.
// Через него идут все ретрансмиссии и таймауты: таймеры транзакций
// A..K, ранний таймаут диалога, ожидание ACK, linger.
//
// Идентификация по строковому ключу дает O(1) отмену: диалог при
// терминации отменяет свои таймеры синхронно, не дожидаясь
// срабатывания.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	log    zerolog.Logger

	created   int64
	fired     int64
	cancelled int64
}

// NewScheduler создает планировщик.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Schedule ставит таймер. Существующий таймер с тем же ключом
// отменяется и замещается: это дает семантику рестарта для раннего
// таймера диалога (перезапуск на каждом 1xx).
//
// Нулевая и отрицательная задержка исполняет fn немедленно и
// синхронно: семантика linger=0 из логики терминации.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) {
	if delay <= 0 {
		fn()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.Stop()
		s.cancelled++
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Отмена могла обогнать срабатывание: исполняем только если
		// наш таймер все еще числится под ключом.
		if cur, ok := s.timers[id]; !ok || cur != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.fired++
		s.mu.Unlock()

		s.log.Debug().Str("timer", id).Msg("timer fired")
		fn()
	})
	s.timers[id] = t
	s.created++
	s.mu.Unlock()
}

// Cancel отменяет таймер. Возвращает true, если таймер был активен.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	s.cancelled++
	return true
}

// Active возвращает число активных таймеров.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stats возвращает счетчики планировщика.
func (s *Scheduler) Stats() (created, fired, cancelled int64, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created, s.fired, s.cancelled, len(s.timers)
}

// Shutdown отменяет все таймеры и запрещает постановку новых.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
