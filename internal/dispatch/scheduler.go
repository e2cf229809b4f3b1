package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled prediction with its run history.
type Job struct {
	ID        cron.EntryID `json:"id"`
	Request   Request      `json:"request"`
	Runs      int64        `json:"runs"`
	LastRun   time.Time    `json:"last_run,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Scheduler fires periodic predictions, one tick per timeframe.
type Scheduler struct {
	dispatcher *Dispatcher
	cron       *cron.Cron
	log        zerolog.Logger

	mu   sync.Mutex
	jobs map[cron.EntryID]*Job
}

// NewScheduler creates a stopped scheduler over the dispatcher.
func NewScheduler(d *Dispatcher, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		dispatcher: d,
		cron:       cron.New(),
		log:        log.With().Str("module", "scheduler").Logger(),
		jobs:       make(map[cron.EntryID]*Job),
	}
}

// Add registers a periodic prediction at the request's timeframe cadence.
func (s *Scheduler) Add(req Request) (cron.EntryID, error) {
	if _, err := s.dispatcher.reg.Get(req.PredictorID); err != nil {
		return 0, err
	}
	interval := req.Timeframe.Duration()

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &Job{Request: req}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.run(job) }))
	job.ID = id
	s.jobs[id] = job

	s.log.Info().
		Str("predictor_id", req.PredictorID).
		Str("symbol", req.Symbol).
		Str("timeframe", string(req.Timeframe)).
		Msg("Prediction job scheduled")
	return id, nil
}

// Remove unschedules a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Jobs returns a snapshot of scheduled jobs and their run history.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run(job *Job) {
	// A run gets at most one timeframe interval before the next tick.
	ctx, cancel := context.WithTimeout(context.Background(), job.Request.Timeframe.Duration())
	defer cancel()

	_, err := s.dispatcher.Predict(ctx, job.Request)

	s.mu.Lock()
	job.Runs++
	job.LastRun = time.Now().UTC()
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn().Err(err).
			Str("predictor_id", job.Request.PredictorID).
			Str("symbol", job.Request.Symbol).
			Msg("Scheduled prediction failed")
	}
}
