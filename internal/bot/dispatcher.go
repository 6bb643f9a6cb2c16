package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/stupiduntilnot/relaybot/internal/control"
	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
)

// OffsetStore remembers the next update id to poll from.
type OffsetStore interface {
	LoadOffset() (int64, error)
	SaveOffset(offset int64) error
}

type memoryOffset struct{ offset int64 }

func (m *memoryOffset) LoadOffset() (int64, error)    { return m.offset, nil }
func (m *memoryOffset) SaveOffset(offset int64) error { m.offset = offset; return nil }

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Messenger   messenger.Messenger
	Handler     *Handler
	Offsets     OffsetStore
	Breaker     *control.CircuitBreaker
	Workers     int
	PollTimeout int
	Logger      zerolog.Logger
	Journal     Journal
}

// Dispatcher long-polls the messenger and hands updates to a bounded pool
// of handler goroutines. Updates from one sender are routed in arrival
// order: the next one starts once the previous finished or its completion
// started.
type Dispatcher struct {
	msgr        messenger.Messenger
	handler     *Handler
	offsets     OffsetStore
	breaker     *control.CircuitBreaker
	workers     int
	pollTimeout int
	log         zerolog.Logger
	journal     Journal
	now         func() time.Time
	backoff     func(attempt int) time.Duration

	mu    sync.Mutex
	lanes map[int64]*lane
}

// lane holds the pending updates of one sender.
type lane struct {
	queue []messenger.Update
}

func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Messenger == nil || opts.Handler == nil {
		return nil, fmt.Errorf("dispatcher needs a messenger and a handler")
	}
	d := &Dispatcher{
		msgr:        opts.Messenger,
		handler:     opts.Handler,
		offsets:     opts.Offsets,
		breaker:     opts.Breaker,
		workers:     opts.Workers,
		pollTimeout: opts.PollTimeout,
		log:         opts.Logger,
		journal:     opts.Journal,
		now:         time.Now,
		backoff:     control.RetryBackoff,
		lanes:       map[int64]*lane{},
	}
	if d.offsets == nil {
		d.offsets = &memoryOffset{}
	}
	if d.breaker == nil {
		d.breaker = control.NewCircuitBreaker(5, 30*time.Second)
	}
	if d.workers <= 0 {
		d.workers = 1
	}
	if d.journal == nil {
		d.journal = nopJournal{}
	}
	return d, nil
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
// Handlers run on a context that outlives ctx so a shutdown does not abort
// completions already under way.
func (d *Dispatcher) Run(ctx context.Context) error {
	offset, err := d.offsets.LoadOffset()
	if err != nil {
		d.log.Warn().Err(err).Msg("load poll offset failed; starting from 0")
		offset = 0
	}
	d.log.Info().Int64("offset", offset).Int("workers", d.workers).Msg("dispatcher started")

	handlerCtx := context.WithoutCancel(ctx)
	p := pool.New().WithMaxGoroutines(d.workers)
	defer p.Wait()
	// Lanes feed p, so they must finish before p.Wait.
	var lanes conc.WaitGroup
	defer lanes.Wait()

	attempt := 0
	for ctx.Err() == nil {
		now := d.now()
		if !d.breaker.Allow(now) {
			control.Sleep(ctx, d.breaker.RetryAt().Sub(now))
			continue
		}

		updates, err := d.msgr.GetUpdates(ctx, offset, d.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			attempt++
			d.pollFailed(err, attempt)
			control.Sleep(ctx, d.backoff(attempt))
			continue
		}
		attempt = 0
		if d.breaker.RecordSuccess() {
			d.log.Info().Msg("polling recovered; circuit closed")
			d.record(db.EventCircuitClosed, nil)
		}

		next := offset
		for _, upd := range updates {
			if upd.UpdateID >= next {
				next = upd.UpdateID + 1
			}
			d.enqueue(handlerCtx, p, &lanes, upd)
		}
		if next != offset {
			offset = next
			if err := d.offsets.SaveOffset(offset); err != nil {
				d.log.Warn().Err(err).Int64("offset", offset).Msg("save poll offset failed")
			}
		}
	}
	d.log.Info().Msg("dispatcher stopping; waiting for in-flight updates")
	return nil
}

func (d *Dispatcher) pollFailed(err error, attempt int) {
	class := control.ErrorClass(err)
	d.log.Warn().
		Str("class", class).
		Int("attempt", attempt).
		Str("error", logging.RedactError(err)).
		Msg("poll failed")
	d.record(db.EventPollFailed, map[string]any{"class": class, "attempt": attempt})
	if d.breaker.RecordFailure(class, d.now()) {
		d.log.Error().Str("class", class).Dur("cooldown", d.breaker.Cooldown).Msg("polling circuit opened")
		d.record(db.EventCircuitOpened, map[string]any{"class": class})
	}
}

// enqueue appends upd to its sender's lane, starting a drain when the lane
// was idle. Updates without a sender run straight on the pool.
func (d *Dispatcher) enqueue(ctx context.Context, p *pool.Pool, lanes *conc.WaitGroup, upd messenger.Update) {
	if upd.Message == nil || upd.Message.From == nil {
		p.Go(func() { d.dispatch(ctx, upd, func() {}) })
		return
	}
	sender := upd.Message.From.ID

	d.mu.Lock()
	l, draining := d.lanes[sender]
	if !draining {
		l = &lane{}
		d.lanes[sender] = l
	}
	l.queue = append(l.queue, upd)
	d.mu.Unlock()

	if !draining {
		lanes.Go(func() { d.drain(ctx, p, sender, l) })
	}
}

// drain runs a sender's updates one at a time on the pool. It moves on as
// soon as the current completion starts, so a follow-up question still
// meets the single-flight guard instead of waiting behind the provider.
func (d *Dispatcher) drain(ctx context.Context, p *pool.Pool, sender int64, l *lane) {
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, sender)
			d.mu.Unlock()
			return
		}
		upd := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		admitted := make(chan struct{})
		var once sync.Once
		release := func() { once.Do(func() { close(admitted) }) }
		p.Go(func() {
			defer release()
			d.dispatch(ctx, upd, release)
		})
		<-admitted
	}
}

// dispatch handles one update. A panicking handler is logged and dropped
// so the pool keeps serving other users.
func (d *Dispatcher) dispatch(ctx context.Context, upd messenger.Update, admitted func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Int64("update_id", upd.UpdateID).Msg("handler panicked")
		}
	}()
	if err := d.handler.handle(ctx, upd, admitted); err != nil {
		d.log.Error().
			Int64("update_id", upd.UpdateID).
			Str("error", logging.RedactError(err)).
			Msg("handle update failed")
	}
}

func (d *Dispatcher) record(eventType string, payload map[string]any) {
	if _, err := d.journal.Log(nil, eventType, payload); err != nil {
		d.log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
	}
}
