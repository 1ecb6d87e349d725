// Package poller tracks the client-side lifecycle of a remote
// generation job: periodic point reads with tiered backoff, stuck-job
// detection, and a derived snapshot for consumers.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"methodgen-accelerator/internal/clock"
	"methodgen-accelerator/internal/jobstore"
)

// StatusIdle is the derived status exposed before a job is attached.
const StatusIdle jobstore.Status = "idle"

const (
	fastInterval   = 1 * time.Second
	mediumInterval = 5 * time.Second
	slowInterval   = 10 * time.Second

	fastPolls   = 20
	mediumPolls = 40

	// A processing job whose progress and step are frozen for this long
	// is written back as failed and polling stops.
	stuckTimeout = 360 * time.Second

	// Terminal state stays observable briefly before IsPolling flips off.
	graceDelay = 500 * time.Millisecond
)

const stuckMessage = "generation timed out: no progress for 6 minutes"

// Store is the narrow slice of the job store the poller needs: reads,
// the single-column repair read, and the one write path.
type Store interface {
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	GetMethodData(ctx context.Context, id string) (*string, error)
	MarkFailed(ctx context.Context, id, msg string) error
}

// Snapshot is the derived, consumer-facing view of the watched job.
type Snapshot struct {
	Status         jobstore.Status `json:"status"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	MethodData     *string         `json:"method_data,omitempty"`
	QualityMetrics *string         `json:"quality_metrics,omitempty"`
	Err            string          `json:"error,omitempty"`
	IsPolling      bool            `json:"is_polling"`
}

// Poller polls one job at a time. Polls are strictly sequential: the
// next read is scheduled only after the previous response is processed.
type Poller struct {
	store Store
	clock clock.Clock
	timer clock.Timer
	log   *slog.Logger

	mu    sync.Mutex
	jobID string
	snap  Snapshot

	polls        int
	lastProgress int
	lastStep     string
	lastChange   time.Time
	haveBaseline bool

	running bool
	stop    chan struct{}
}

func New(store Store, clk clock.Clock, timer clock.Timer, log *slog.Logger) *Poller {
	return &Poller{
		store: store,
		clock: clk,
		timer: timer,
		log:   log,
		snap:  Snapshot{Status: StatusIdle},
	}
}

// Attach binds the poller to a job id, resetting all poll and
// staleness state. An empty id detaches and leaves the poller idle.
// Attaching stops any loop watching a previous id.
func (p *Poller) Attach(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.jobID = jobID
	p.polls = 0
	p.lastProgress = 0
	p.lastStep = ""
	p.lastChange = time.Time{}
	p.haveBaseline = false
	p.snap = Snapshot{Status: StatusIdle}
}

// Start begins the polling loop. No-op when no job is attached or the
// loop is already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jobID == "" || p.running {
		return
	}
	p.running = true
	p.snap.IsPolling = true
	p.stop = make(chan struct{})
	go p.run(ctx, p.jobID, p.stop)
}

// Stop cancels the pending timer and prevents any further polls. An
// in-flight read is not aborted; its result is simply not rescheduled.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Poller) stopLocked() {
	if !p.running {
		return
	}
	p.running = false
	p.snap.IsPolling = false
	close(p.stop)
	p.stop = nil
}

// Snapshot returns the current derived view.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

func (p *Poller) run(ctx context.Context, jobID string, stop chan struct{}) {
	for {
		next, terminal := p.pollOnce(ctx, jobID, stop)
		if terminal {
			select {
			case <-p.timer.After(graceDelay):
			case <-stop:
			case <-ctx.Done():
			}
			p.finish(stop)
			return
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.finish(stop)
			return
		case <-p.timer.After(next):
		}
	}
}

// finish flips IsPolling off if this loop is still the active one.
func (p *Poller) finish(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != stop {
		return
	}
	p.running = false
	p.snap.IsPolling = false
	p.stop = nil
}

// pollOnce performs a single read, applies it to the derived state and
// returns the next interval plus whether the loop should halt.
func (p *Poller) pollOnce(ctx context.Context, jobID string, stop chan struct{}) (time.Duration, bool) {
	job, err := p.store.Get(ctx, jobID)
	now := p.clock.NowUTC()

	p.mu.Lock()
	if p.stop != stop {
		// Stopped or re-attached while this read was in flight; discard.
		p.mu.Unlock()
		return 0, true
	}
	p.polls++
	next := nextInterval(p.polls)

	stuck := false
	terminal := false
	needRepair := false
	if err != nil {
		// Transient errors keep the schedule; the stuck window is the
		// only bound on how long we keep retrying.
		stuck = p.snap.Status == jobstore.StatusProcessing && p.stalled(now)
	} else {
		p.apply(job, now)
		switch {
		case p.snap.Status.IsTerminal():
			terminal = true
			needRepair = job.Status == jobstore.StatusComplete && job.MethodData == nil
		case p.snap.Status == jobstore.StatusProcessing && p.stalled(now):
			stuck = true
		}
	}
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("job poll failed", "job_id", jobID, "error", err)
	}

	if needRepair {
		// Known gap: the processor writes status before the result
		// lands, so a completed job can briefly miss its payload. One
		// repair read, then surface whatever we have.
		data, rerr := p.store.GetMethodData(ctx, jobID)
		if rerr != nil {
			p.log.Warn("result repair read failed", "job_id", jobID, "error", rerr)
		} else if data != nil {
			p.mu.Lock()
			if p.stop == stop {
				p.snap.MethodData = data
			}
			p.mu.Unlock()
		} else {
			p.log.Warn("job completed without result payload", "job_id", jobID)
		}
	}

	if stuck {
		p.log.Warn("job stalled, marking failed", "job_id", jobID, "stalled_for", stuckTimeout)
		if werr := p.store.MarkFailed(ctx, jobID, stuckMessage); werr != nil {
			p.log.Error("stuck job write-back failed", "job_id", jobID, "error", werr)
		}
		p.mu.Lock()
		if p.stop == stop {
			p.snap.Status = jobstore.StatusFailed
			p.snap.Err = stuckMessage
		}
		p.mu.Unlock()
		terminal = true
	}

	return next, terminal
}

// apply folds a fresh job record into the derived state. Caller holds mu.
func (p *Poller) apply(job *jobstore.Job, now time.Time) {
	if !p.haveBaseline || job.Progress != p.lastProgress || job.CurrentStep != p.lastStep {
		p.haveBaseline = true
		p.lastProgress = job.Progress
		p.lastStep = job.CurrentStep
		p.lastChange = now
	}

	p.snap.Status = job.Status
	p.snap.Progress = job.Progress
	p.snap.CurrentStep = job.CurrentStep
	p.snap.MethodData = job.MethodData
	p.snap.QualityMetrics = job.QualityMetrics
	if job.Status == jobstore.StatusFailed && job.ErrorMessage != nil {
		p.snap.Err = *job.ErrorMessage
	}
}

// stalled reports whether the liveness window has elapsed. Caller holds mu.
func (p *Poller) stalled(now time.Time) bool {
	return !p.lastChange.IsZero() && now.Sub(p.lastChange) >= stuckTimeout
}

// nextInterval widens the poll interval as a job runs longer.
func nextInterval(polls int) time.Duration {
	switch {
	case polls <= fastPolls:
		return fastInterval
	case polls <= mediumPolls:
		return mediumInterval
	default:
		return slowInterval
	}
}
