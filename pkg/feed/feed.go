package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/logging"
	"github.com/vnykmshr/stageflow/pkg/queue"
)

// Producer yields the next batch of items for a queue. Returning done
// closes the target queue and retires the feed.
type Producer interface {
	Produce(ctx context.Context) (items []interface{}, done bool, err error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) ([]interface{}, bool, error)

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context) ([]interface{}, bool, error) {
	return f(ctx)
}

// Resolver finds queues by name. *workflow.Workflow satisfies it.
type Resolver interface {
	Queue(name string) *queue.Queue
}

// ResolverFunc adapts a function such as (*queue.Registry).Get to Resolver.
type ResolverFunc func(name string) *queue.Queue

// Queue calls f.
func (f ResolverFunc) Queue(name string) *queue.Queue { return f(name) }

// Info describes a registered feed.
type Info struct {
	ID       string
	Queue    string
	NextRun  time.Time
	Runs     int64
	Produced int64
	Errors   int64
	Created  time.Time
}

// Config holds scheduler configuration.
type Config struct {
	Location     *time.Location // For cron schedules
	TickInterval time.Duration  // How often due feeds are checked (default: 50ms)
	MaxFeeds     int            // Maximum number of registered feeds (default: 1000)
	Logger       *logging.Logger
}

// Option adjusts a Config.
type Option func(*Config)

// WithLocation evaluates cron expressions in loc.
func WithLocation(loc *time.Location) Option {
	return func(c *Config) { c.Location = loc }
}

// WithTickInterval sets how often due feeds are checked.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) { c.TickInterval = d }
}

// WithMaxFeeds bounds the number of registered feeds.
func WithMaxFeeds(n int) Option {
	return func(c *Config) { c.MaxFeeds = n }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

type entry struct {
	id       string
	queue    string
	producer Producer
	schedule cron.Schedule // nil for one-shot feeds
	runAt    time.Time
	created  time.Time
	running  bool
	runs     int64
	produced int64
	errors   int64
}

// Scheduler runs producers on cron schedules and enqueues what they yield.
type Scheduler struct {
	resolver     Resolver
	location     *time.Location
	tickInterval time.Duration
	maxFeeds     int
	parser       cron.Parser
	logger       *logging.Logger

	mu      sync.Mutex
	feeds   map[string]*entry
	running bool
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	runs    sync.WaitGroup
}

// New creates a scheduler feeding queues found through resolver.
func New(resolver Resolver, opts ...Option) *Scheduler {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(resolver, cfg)
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(resolver Resolver, cfg Config) *Scheduler {
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	tickInterval := cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = 50 * time.Millisecond
	}
	maxFeeds := cfg.MaxFeeds
	if maxFeeds <= 0 {
		maxFeeds = 1000
	}

	return &Scheduler{
		resolver:     resolver,
		location:     location,
		tickInterval: tickInterval,
		maxFeeds:     maxFeeds,
		parser:       cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:       logging.OrNop(cfg.Logger).Named("feed"),
		feeds:        make(map[string]*entry),
	}
}

// Add registers a producer that fires on a six-field cron expression
// (seconds first) or a descriptor such as "@every 5s".
func (s *Scheduler) Add(id, spec, queueName string, p Producer) error {
	if spec == "" {
		return gferrors.NewValidationError("feed", "spec", spec, "cannot be empty").
			WithHint("use a cron expression such as \"*/5 * * * * *\"")
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return gferrors.NewValidationError("feed", "spec", spec, "invalid cron expression").WithCause(err)
	}
	return s.AddSchedule(id, schedule, queueName, p)
}

// AddSchedule registers a producer on an already parsed schedule.
func (s *Scheduler) AddSchedule(id string, schedule cron.Schedule, queueName string, p Producer) error {
	if schedule == nil {
		return gferrors.NewValidationError("feed", "schedule", nil, "cannot be nil")
	}
	return s.add(&entry{
		id:       id,
		queue:    queueName,
		producer: p,
		schedule: schedule,
		runAt:    schedule.Next(time.Now().In(s.location)),
	})
}

// Once runs p on the next tick and returns the generated feed ID. The
// target queue is closed afterwards only if p reports done.
func (s *Scheduler) Once(queueName string, p Producer) (string, error) {
	id := "once-" + uuid.NewString()
	err := s.add(&entry{
		id:       id,
		queue:    queueName,
		producer: p,
		runAt:    time.Now(),
	})
	return id, err
}

func (s *Scheduler) add(e *entry) error {
	if e.id == "" {
		return gferrors.NewValidationError("feed", "id", e.id, "cannot be empty")
	}
	if e.queue == "" {
		return gferrors.NewValidationError("feed", "queue", e.queue, "cannot be empty")
	}
	if e.producer == nil {
		return gferrors.NewValidationError("feed", "producer", nil, "cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feeds[e.id]; exists {
		return gferrors.NewValidationError("feed", "id", e.id, "already registered").
			WithHint("remove the existing feed first")
	}
	if len(s.feeds) >= s.maxFeeds {
		return gferrors.NewOperationError("feed", "Add", gferrors.ErrCapacityExceeded).
			WithContext(fmt.Sprintf("maximum number of feeds (%d) reached", s.maxFeeds))
	}

	e.created = time.Now()
	s.feeds[e.id] = e
	s.logger.Debug("feed added",
		zap.String("feed", e.id),
		zap.String("queue", e.queue),
		zap.Time("next_run", e.runAt))
	return nil
}

// Remove unregisters a feed. A run already in progress completes.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feeds[id]; exists {
		delete(s.feeds, id)
		return true
	}
	return false
}

// List returns registered feeds ordered by next run.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.feeds))
	for _, e := range s.feeds {
		out = append(out, Info{
			ID:       e.id,
			Queue:    e.queue,
			NextRun:  e.runAt,
			Runs:     e.runs,
			Produced: e.produced,
			Errors:   e.errors,
			Created:  e.created,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRun.Before(out[j].NextRun)
	})
	return out
}

// Len returns the number of registered feeds.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Start begins checking for due feeds.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return gferrors.NewOperationError("feed", "Start", gferrors.ErrInvalidState).
			WithContext("scheduler already running, call Stop first")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.loop.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts scheduling, cancels producers in flight and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.loop.Wait()
		s.runs.Wait()
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loop.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.feeds {
		if e.running || now.Before(e.runAt) {
			continue
		}
		e.running = true
		if e.schedule != nil {
			e.runAt = e.schedule.Next(now.In(s.location))
		}
		due = append(due, e)
	}
	s.runs.Add(len(due))
	s.mu.Unlock()

	for _, e := range due {
		go s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	defer s.runs.Done()

	logger := s.logger.With(zap.String("feed", e.id), zap.String("queue", e.queue))
	items, done, err := s.produce(ctx, e.producer)

	q := s.resolver.Queue(e.queue)
	accepted := 0
	for _, item := range items {
		ok, werr := q.EnqueueContext(ctx, item)
		if werr != nil || !ok {
			break
		}
		accepted++
	}

	s.mu.Lock()
	e.running = false
	e.runs++
	e.produced += int64(accepted)
	if err != nil {
		e.errors++
	}
	runs := e.runs
	// The ID may have been removed and reused while this run was in flight.
	if (done || e.schedule == nil) && s.feeds[e.id] == e {
		delete(s.feeds, e.id)
	}
	s.mu.Unlock()

	if err != nil {
		logger.Warn("producer failed", zap.Error(err))
	}
	if accepted < len(items) {
		logger.Debug("items dropped", zap.Int("dropped", len(items)-accepted))
	}
	if done {
		q.Close()
		logger.Info("feed exhausted, queue closed", zap.Int64("runs", runs))
	}
}

// produce calls the producer and turns a panic into an error.
func (s *Scheduler) produce(ctx context.Context, p Producer) (items []interface{}, done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panicked: %v", r)
		}
	}()
	return p.Produce(ctx)
}
