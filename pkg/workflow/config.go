package workflow

import (
	"time"

	"github.com/vnykmshr/stageflow/pkg/config"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/logging"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/queue"
	"github.com/vnykmshr/stageflow/pkg/throttle"
)

// DefaultReplicaPollInterval is how long an idle replica sleeps before
// checking its input queue again.
const DefaultReplicaPollInterval = 50 * time.Millisecond

// Config configures a Workflow.
type Config struct {
	// Name labels logs and metrics.
	Name string

	// Logger receives lifecycle events. Nil disables logging.
	Logger *logging.Logger

	// Metrics records queue and stage activity. Nil disables metrics.
	Metrics *metrics.Registry

	// Provisioner creates replica execution contexts.
	// Defaults to execution.NewProvisioner(Logger).
	Provisioner execution.Provisioner

	// Trust is consulted before any stage launches. Defaults to execution.AlwaysTrusted.
	Trust execution.TrustPolicy

	// QueueCapacity bounds every queue the workflow creates. Zero is unbounded.
	QueueCapacity int

	// QueuePollInterval is how often a blocked enqueue re-checks capacity.
	QueuePollInterval time.Duration

	// ReplicaPollInterval is the idle sleep of replicas whose input is empty.
	ReplicaPollInterval time.Duration

	// ErrorRingSize is the default number of item errors each stage keeps.
	ErrorRingSize int
}

// DefaultConfig returns the defaults for a workflow called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		QueuePollInterval:   queue.DefaultPollInterval,
		ReplicaPollInterval: DefaultReplicaPollInterval,
		ErrorRingSize:       DefaultErrorRingSize,
	}
}

// ConfigFromEngine builds a workflow Config from loaded process settings.
func ConfigFromEngine(name string, engine config.EngineConfig) Config {
	cfg := DefaultConfig(name)
	cfg.QueueCapacity = engine.QueueCapacity
	cfg.QueuePollInterval = engine.QueuePollInterval
	cfg.ReplicaPollInterval = engine.ReplicaPollInterval
	cfg.ErrorRingSize = engine.ErrorRingSize
	return cfg
}

// Option configures a Workflow.
type Option func(*Config)

// WithLogger sets the workflow logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics enables metrics recording.
func WithMetrics(registry *metrics.Registry) Option {
	return func(c *Config) { c.Metrics = registry }
}

// WithProvisioner replaces the execution context provisioner.
func WithProvisioner(p execution.Provisioner) Option {
	return func(c *Config) { c.Provisioner = p }
}

// WithTrustPolicy sets the policy every stage is verified against.
func WithTrustPolicy(policy execution.TrustPolicy) Option {
	return func(c *Config) { c.Trust = policy }
}

// WithQueueCapacity bounds every queue the workflow creates.
func WithQueueCapacity(capacity int) Option {
	return func(c *Config) { c.QueueCapacity = capacity }
}

// WithQueuePollInterval sets the backpressure poll interval of new queues.
func WithQueuePollInterval(d time.Duration) Option {
	return func(c *Config) { c.QueuePollInterval = d }
}

// WithReplicaPollInterval sets the idle sleep of replicas.
func WithReplicaPollInterval(d time.Duration) Option {
	return func(c *Config) { c.ReplicaPollInterval = d }
}

// WithErrorRingSize sets the default per-stage error ring size.
func WithErrorRingSize(size int) Option {
	return func(c *Config) { c.ErrorRingSize = size }
}

// StageConfig describes a stage.
type StageConfig struct {
	Name     string
	InQueue  string
	OutQueue string // empty discards outputs

	Transform execution.Callable
	Replicas  int

	// MaxItems caps how many items the stage pulls. Zero means no cap.
	MaxItems int64

	// CloseOutQueue closes OutQueue once the last replica exits, cascading
	// shutdown downstream.
	CloseOutQueue bool

	// CloseQueues are further queues closed once the last replica exits.
	CloseQueues []string

	// Environment is merged over the workflow environment; its entries win.
	Environment execution.Environment

	// Begin and End run once per replica, before the first and after the last item.
	Begin execution.Callable
	End   execution.Callable

	// Throttle, when set, is waited on before each item.
	Throttle throttle.Slotter

	// PollInterval overrides the workflow ReplicaPollInterval.
	PollInterval time.Duration

	// ErrorRingSize overrides the workflow ErrorRingSize.
	ErrorRingSize int

	// Kill makes Stop terminate replicas without waiting. In-flight items are lost.
	Kill bool

	// Logger overrides the logger derived from the workflow.
	Logger *logging.Logger
}

// StageOption adjusts a StageConfig built by Workflow.AddStage.
type StageOption func(*StageConfig)

// WithMaxItems caps the number of items the stage pulls.
func WithMaxItems(n int64) StageOption {
	return func(c *StageConfig) { c.MaxItems = n }
}

// WithCloseOutQueue closes the stage's out-queue when it finishes.
func WithCloseOutQueue() StageOption {
	return func(c *StageConfig) { c.CloseOutQueue = true }
}

// WithCloseQueues closes the named queues when the stage finishes.
func WithCloseQueues(names ...string) StageOption {
	return func(c *StageConfig) { c.CloseQueues = append(c.CloseQueues, names...) }
}

// WithEnvironment merges env into the stage environment.
func WithEnvironment(env execution.Environment) StageOption {
	return func(c *StageConfig) { c.Environment = execution.Merge(c.Environment, env) }
}

// WithVariable injects a variable into the stage's replicas.
func WithVariable(name string, value interface{}) StageOption {
	return func(c *StageConfig) {
		c.Environment = execution.Merge(c.Environment, execution.Environment{
			Variables: map[string]interface{}{name: value},
		})
	}
}

// WithFunction injects a helper callable into the stage's replicas.
func WithFunction(name string, fn execution.Callable) StageOption {
	return func(c *StageConfig) {
		c.Environment = execution.Merge(c.Environment, execution.Environment{
			Functions: map[string]execution.Callable{name: fn},
		})
	}
}

// WithModule injects a script module into the stage's replicas.
func WithModule(name, source string) StageOption {
	return func(c *StageConfig) {
		c.Environment = execution.Merge(c.Environment, execution.Environment{
			Modules: map[string]string{name: source},
		})
	}
}

// WithBegin sets the per-replica begin hook.
func WithBegin(c execution.Callable) StageOption {
	return func(cfg *StageConfig) { cfg.Begin = c }
}

// WithEnd sets the per-replica end hook.
func WithEnd(c execution.Callable) StageOption {
	return func(cfg *StageConfig) { cfg.End = c }
}

// WithThrottle paces the stage with a slot limiter.
func WithThrottle(t throttle.Slotter) StageOption {
	return func(c *StageConfig) { c.Throttle = t }
}

// WithStagePollInterval overrides the idle sleep of the stage's replicas.
func WithStagePollInterval(d time.Duration) StageOption {
	return func(c *StageConfig) { c.PollInterval = d }
}

// WithStageErrorRingSize overrides how many item errors the stage keeps.
func WithStageErrorRingSize(n int) StageOption {
	return func(c *StageConfig) { c.ErrorRingSize = n }
}

// WithKill makes Stop terminate the stage without waiting.
func WithKill() StageOption {
	return func(c *StageConfig) { c.Kill = true }
}

// WithStageLogger overrides the stage logger.
func WithStageLogger(logger *logging.Logger) StageOption {
	return func(c *StageConfig) { c.Logger = logger }
}
