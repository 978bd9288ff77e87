package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"veil/metrics"
	"veil/svc/db"
	"veil/svc/util"

	"github.com/pkg/errors"
)

// Journal is the audit trail behind the Recorder, implemented by db.Journal.
type Journal interface {
	RecordLogin(ctx context.Context, client string, success bool) error
	RecordAction(ctx context.Context, action, slug string) error
	FailedLoginsSince(ctx context.Context, since time.Time) (int, error)
	RecentActions(ctx context.Context, limit int) ([]db.Action, error)
}

type entry struct {
	login   bool
	client  string
	success bool
	action  string
	slug    string
}

// Recorder writes journal entries off the request path. A nil journal turns
// every method into a no-op, and a full queue drops the entry.
type Recorder struct {
	journal     Journal
	queue       chan entry
	wg          sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	shutdown    atomic.Bool
	closeOnce   sync.Once
}

func NewRecorder(j Journal, workers int) *Recorder {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		journal:     j,
		queue:       make(chan entry, workers*100),
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}
	if j == nil {
		return r
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

func (r *Recorder) Enabled() bool {
	return r != nil && r.journal != nil
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			util.Error().Interface("panic", rec).Msg("journal worker panicked")
		}
	}()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(r.shutdownCtx, 5*time.Second)
		var err error
		if e.login {
			err = r.journal.RecordLogin(ctx, e.client, e.success)
		} else {
			err = r.journal.RecordAction(ctx, e.action, e.slug)
		}
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.JournalErrors.Inc()
			util.Warn().Err(err).Msg("failed to write journal entry")
		}
	}
}

func (r *Recorder) enqueue(e entry) {
	if !r.Enabled() || r.shutdown.Load() {
		return
	}
	defer func() {
		// send on a queue closed by a concurrent Shutdown
		if recover() != nil {
			metrics.JournalErrors.Inc()
		}
	}()
	select {
	case r.queue <- e:
	default:
		metrics.JournalErrors.Inc()
		util.Warn().Msg("journal queue full, dropping entry")
	}
}

// Login records an attempt. client is redacted before it is stored.
func (r *Recorder) Login(client string, success bool) {
	r.enqueue(entry{login: true, client: util.RedactIP(client), success: success})
}

func (r *Recorder) Action(action, slug string) {
	r.enqueue(entry{action: action, slug: slug})
}

// Summary is what the admin list shows about recent activity.
type Summary struct {
	Enabled      bool
	FailedLogins int
	Recent       []db.Action
}

func (r *Recorder) Summary(ctx context.Context) Summary {
	if !r.Enabled() {
		return Summary{}
	}
	s := Summary{Enabled: true}
	n, err := r.journal.FailedLoginsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		util.Warn().Err(err).Msg("failed to count failed logins")
	}
	s.FailedLogins = n
	recent, err := r.journal.RecentActions(ctx, 10)
	if err != nil {
		util.Warn().Err(err).Msg("failed to load recent actions")
	}
	s.Recent = recent
	return s
}

// Shutdown drains queued entries, waiting up to ten seconds.
func (r *Recorder) Shutdown() {
	r.closeOnce.Do(func() {
		r.shutdown.Store(true)
		close(r.queue)
		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			util.Warn().Msg("journal workers didn't stop in time")
		}
		r.shutdownFn()
		util.Debug().Msg("journal recorder shutdown complete")
	})
}
