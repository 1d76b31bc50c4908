package connectivity

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval — период проверки доступности удалённого источника.
const DefaultInterval = 30 * time.Second

// State — наблюдаемый признак «онлайн» процесса.
type State struct {
	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]chan bool
}

// NewState создаёт состояние с начальным значением online.
func NewState(online bool) *State {
	return &State{online: online, subs: map[int]chan bool{}}
}

func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Set меняет состояние и уведомляет подписчиков, если значение изменилось.
// Возвращает true при изменении.
func (s *State) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	for _, ch := range s.subs {
		// подписчику важно только последнее значение
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Subscribe возвращает канал переходов и функцию отписки.
// Медленный читатель теряет промежуточные значения, но всегда получает последнее.
func (s *State) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// ProbeFunc проверяет доступность удалённого источника.
type ProbeFunc func(ctx context.Context) error

// Monitor периодически вызывает Probe и выставляет State.
type Monitor struct {
	State    *State
	Probe    ProbeFunc
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
	Logger   *log.Logger
}

// Check выполняет одну проверку и возвращает новое состояние.
// Отменённый ctx (остановка процесса) состояние не меняет.
func (m *Monitor) Check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return m.State.Online()
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.State.Online()
	}
	online := err == nil
	if m.State.Set(online) {
		if online {
			m.logf("[connectivity] remote reachable, switching online")
		} else {
			m.logf("[connectivity] remote unreachable, switching offline: %v", err)
		}
	}
	return online
}

// Run проверяет доступность сразу и затем каждые Interval до отмены ctx.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clock := m.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m.Check(ctx)
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.Logger != nil {
		m.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
