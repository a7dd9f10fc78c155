package hpcscheduler

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/armadaproject/simflow/internal/common/flowcontext"
)

type Config struct {
	// Scheduler family: slurm, pbs or direct. Anything else selects direct.
	Kind Kind
	// Account or project charged for submitted jobs.
	Account string
	// User whose jobs CheckQueues lists when the caller doesn't name one.
	User string
	// Limit on how long any single scheduler command may run.
	CommandTimeout time.Duration `validate:"gte=0"`
	// How long a CheckQueues result is reused. Zero disables caching.
	QueueCacheTTL time.Duration `validate:"gte=0"`
	// Interpreter used by the direct backend.
	Shell string
}

// New builds the scheduler selected by config.Kind.
func New(config Config, runner CommandRunner, clock clock.PassiveClock) Scheduler {
	var scheduler Scheduler
	switch ParseKind(string(config.Kind)) {
	case Slurm:
		scheduler = NewSlurmScheduler(config, runner)
	case PBS:
		scheduler = NewPBSScheduler(config, runner)
	default:
		scheduler = NewDirectScheduler(config, runner, clock)
	}
	if config.QueueCacheTTL > 0 {
		scheduler = NewCachingScheduler(scheduler, config.QueueCacheTTL)
	}
	return scheduler
}

// CachingScheduler reuses recent CheckQueues results per (user, machine), so that several consumers polling in the
// same cycle cost one scheduler query. Submitting or cancelling a job invalidates the cache.
type CachingScheduler struct {
	Scheduler
	queues *cache.Cache
}

func NewCachingScheduler(inner Scheduler, ttl time.Duration) *CachingScheduler {
	return &CachingScheduler{
		Scheduler: inner,
		queues:    cache.New(ttl, 2*ttl),
	}
}

func (s *CachingScheduler) SubmitJob(ctx *flowcontext.Context, req SubmitRequest) (int64, error) {
	defer s.queues.Flush()
	return s.Scheduler.SubmitJob(ctx, req)
}

func (s *CachingScheduler) CancelJob(ctx *flowcontext.Context, jobID int64, machine string) (CancelResult, error) {
	defer s.queues.Flush()
	return s.Scheduler.CancelJob(ctx, jobID, machine)
}

func (s *CachingScheduler) CheckQueues(ctx *flowcontext.Context, user string, machine string) ([]string, error) {
	key := strings.Join([]string{user, machine}, "@")
	if lines, ok := s.queues.Get(key); ok {
		ctx.Log.Debugf("Using cached queue listing for %s", key)
		return lines.([]string), nil
	}
	lines, err := s.Scheduler.CheckQueues(ctx, user, machine)
	if err != nil {
		return nil, err
	}
	s.queues.SetDefault(key, lines)
	return lines, nil
}
