package dataset

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pv/aqua-alert-go/internal/connectivity"
	"github.com/pv/aqua-alert-go/internal/observability"
	"github.com/pv/aqua-alert-go/internal/snapshot"
	"github.com/pv/aqua-alert-go/internal/storage"
)

// Options — зависимости менеджера. Обязательны Source, Store и Connectivity.
type Options struct {
	Source       storage.Source
	Store        snapshot.Store
	Connectivity *connectivity.State
	Clock        clockwork.Clock
	Logger       *log.Logger
	Metrics      *observability.Metrics
	Listener     Listener

	// RefreshOnReconnect включает перезагрузку после перехода offline → online.
	RefreshOnReconnect bool
	// ReadingsLimit ограничивает окно показаний (по умолчанию DefaultReadingsLimit).
	ReadingsLimit int
}

// core — общее ядро менеджеров: жизненный цикл, загрузка, подписки, снимок.
// Все изменения коллекций выполняются под mu целиком.
type core struct {
	key     string
	source  storage.Source
	store   snapshot.Store
	conn    *connectivity.State
	clock   clockwork.Clock
	logger  *log.Logger
	metrics *observability.Metrics
	notify  Listener
	retry   bool

	mu      sync.Mutex
	feeds   []feedRunner
	bag     snapshot.Snapshot
	started bool
	closed  bool
	subs    []*storage.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (c *core) init(key string, opts Options) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn := opts.Connectivity
	if conn == nil {
		conn = connectivity.NewState(true)
	}
	store := opts.Store
	if store == nil {
		store = snapshot.NewMemory()
	}
	c.key = key
	c.source = opts.Source
	c.store = store
	c.conn = conn
	c.clock = clock
	c.logger = logger
	c.metrics = opts.Metrics
	c.notify = opts.Listener
	c.retry = opts.RefreshOnReconnect
}

// Key возвращает ключ датасета.
func (c *core) Key() string { return c.key }

// Start читает снимок, подключает подписки всех коллекций и выполняет первую загрузку.
// Подписки живут до Close или отмены ctx.
func (c *core) Start(ctx context.Context) (Status, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Status(), ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return c.Refresh(ctx), nil
	}
	c.started = true

	if bag, ok := c.store.Load(ctx, c.key); ok {
		c.bag = bag
		c.logger.Printf("[dataset] %s: cached snapshot loaded (%d fields)", c.key, len(bag))
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for _, f := range c.feeds {
		b := f.base()
		sub := c.source.Subscribe(runCtx, b.query.Table, b.filter)
		c.subs = append(c.subs, sub)
		c.wg.Add(1)
		go c.drain(f, sub)
	}
	if c.retry {
		ch, unsubscribe := c.conn.Subscribe()
		c.wg.Add(1)
		go c.watchConnectivity(runCtx, ch, unsubscribe)
	}
	c.mu.Unlock()

	return c.Refresh(ctx), nil
}

// Refresh заново загружает все коллекции, не трогая подписки.
// Результат устаревшей загрузки (не последний выданный токен) отбрасывается.
func (c *core) Refresh(ctx context.Context) Status {
	type job struct {
		feed  feedRunner
		token uint64
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Status()
	}
	online := c.conn.Online()
	var jobs []job
	for _, f := range c.feeds {
		b := f.base()
		b.seq++
		b.status.State = StateLoading
		if !online && f.loadCached(c.bag) {
			b.status = FeedStatus{State: StateReady, FromCache: true, Count: f.count(), LoadedAt: c.clock.Now()}
			c.metrics.ObserveFetch(b.name, "offline", 0)
			c.metrics.SetSize(b.name, f.count())
			c.emitLocked(Event{Dataset: c.key, Feed: b.name, Kind: EventReset})
			continue
		}
		jobs = append(jobs, job{feed: f, token: b.seq})
	}
	c.mu.Unlock()

	for _, j := range jobs {
		started := c.clock.Now()
		recs, err := c.source.Query(ctx, j.feed.base().query)
		elapsed := c.clock.Since(started)

		c.mu.Lock()
		c.completeLocked(ctx, j.feed, j.token, recs, err, elapsed)
		c.mu.Unlock()
	}
	return c.Status()
}

func (c *core) completeLocked(ctx context.Context, f feedRunner, token uint64, recs []storage.Record, err error, elapsed time.Duration) {
	b := f.base()
	if c.closed || token != b.seq {
		c.metrics.ObserveFetch(b.name, "discarded", 0)
		return
	}
	if err == nil {
		err = f.setRecords(recs)
	}
	if err != nil {
		c.logger.Printf("[dataset] %s/%s: fetch failed: %v", c.key, b.name, err)
		b.status.Error = err.Error()
		if f.loadCached(c.bag) {
			b.status.State = StateStale
			b.status.FromCache = true
		} else {
			b.status.State = StateError
			b.status.FromCache = false
		}
	} else {
		b.status.State = StateReady
		b.status.Error = ""
		b.status.FromCache = false
		b.status.LoadedAt = c.clock.Now()
		if c.conn.Online() {
			c.writeThroughLocked(ctx, f)
		}
	}
	b.status.Count = f.count()
	c.metrics.ObserveFetch(b.name, string(b.status.State), elapsed.Seconds())
	c.metrics.SetSize(b.name, f.count())
	c.emitLocked(Event{Dataset: c.key, Feed: b.name, Kind: EventReset})
}

// writeThroughLocked сохраняет коллекцию в снимок, не затирая остальные поля.
// Ошибка записи кэша только логируется.
func (c *core) writeThroughLocked(ctx context.Context, f feedRunner) {
	b := f.base()
	bag, err := c.bag.With(b.name, f.value())
	if err != nil {
		c.logger.Printf("[dataset] %s/%s: encode snapshot: %v", c.key, b.name, err)
		return
	}
	c.bag = bag
	err = c.store.Save(ctx, c.key, bag)
	c.metrics.ObserveCacheWrite(c.key, err)
	if err != nil {
		c.logger.Printf("[dataset] %s: cache write failed: %v", c.key, err)
	}
}

// drain применяет события одной подписки в порядке поступления.
func (c *core) drain(f feedRunner, sub *storage.Subscription) {
	defer c.wg.Done()
	for change := range sub.Events() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			continue
		}
		b := f.base()
		applied, err := f.apply(change)
		switch {
		case err != nil:
			c.logger.Printf("[dataset] %s/%s: skip event: %v", c.key, b.name, err)
		case applied:
			b.status.Count = f.count()
			c.metrics.ObserveEvent(b.name, string(change.Kind))
			c.metrics.SetSize(b.name, f.count())
			c.emitLocked(Event{Dataset: c.key, Feed: b.name, Kind: string(change.Kind), Record: change.Row()})
		}
		c.mu.Unlock()
	}
}

func (c *core) watchConnectivity(ctx context.Context, ch <-chan bool, unsubscribe func()) {
	defer c.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-ch:
			if !online {
				continue
			}
			c.logger.Printf("[dataset] %s: back online, refreshing", c.key)
			c.Refresh(ctx)
		}
	}
}

func (c *core) emitLocked(ev Event) {
	if c.notify != nil {
		c.notify(ev)
	}
}

// Close отменяет подписки и дожидается их завершения. Результаты загрузок,
// завершившихся после Close, отбрасываются. Повторный вызов безопасен.
func (c *core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, f := range c.feeds {
		f.base().status.State = StateClosed
	}
	subs := c.subs
	c.subs = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Cancel()
	}
	c.wg.Wait()
}

// ClearCache удаляет снимок датасета (явная очистка кэша).
func (c *core) ClearCache(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bag = nil
	return c.store.Clear(ctx, c.key)
}

// Status возвращает состояние всех коллекций.
func (c *core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Dataset: c.key, Online: c.conn.Online(), Feeds: make(map[string]FeedStatus, len(c.feeds))}
	for _, f := range c.feeds {
		b := f.base()
		fs := b.status
		if fs.State == "" {
			fs.State = StateUninitialized
		}
		st.Feeds[b.name] = fs
	}
	return st
}
