package definition

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/throttle"
	"github.com/vnykmshr/stageflow/pkg/workflow"
)

// Document is the top-level YAML shape.
type Document struct {
	Workflow Definition `yaml:"workflow"`
}

// Definition describes a workflow: its queues, shared injections and stages.
type Definition struct {
	Name      string                 `yaml:"name"`
	Queues    []QueueDef             `yaml:"queues,omitempty"`
	Variables map[string]interface{} `yaml:"variables,omitempty"`
	Modules   map[string]string      `yaml:"modules,omitempty"`
	Stages    []StageDef             `yaml:"stages"`
}

// QueueDef sets per-queue options. Queues not listed are created on first
// reference with the workflow defaults.
type QueueDef struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity,omitempty"`
}

// StageDef describes one stage. Script holds JavaScript source that
// evaluates to a function taking an item and returning its outputs.
type StageDef struct {
	Name      string                 `yaml:"name"`
	In        string                 `yaml:"in"`
	Out       string                 `yaml:"out"`
	Replicas  int                    `yaml:"replicas,omitempty"`
	MaxItems  int64                  `yaml:"max_items,omitempty"`
	CloseOut  bool                   `yaml:"close_out,omitempty"`
	Close     []string               `yaml:"close,omitempty"`
	Script    string                 `yaml:"script"`
	Begin     string                 `yaml:"begin,omitempty"`
	End       string                 `yaml:"end,omitempty"`
	Variables map[string]interface{} `yaml:"variables,omitempty"`
	Modules   map[string]string      `yaml:"modules,omitempty"`
	Throttle  *ThrottleDef           `yaml:"throttle,omitempty"`
}

// ThrottleDef limits a stage to Limit slots per Interval. A non-empty Key
// asks for a throttle shared across processes; see Builder.NewThrottle.
type ThrottleDef struct {
	Limit    int           `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
	Key      string        `yaml:"key,omitempty"`
}

// ThrottleFactory builds the slotter for a stage's throttle definition.
type ThrottleFactory func(stage string, def ThrottleDef) (throttle.Slotter, error)

// Parse decodes a YAML workflow document and validates it.
func Parse(data []byte) (*Definition, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	def := doc.Workflow
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseFile reads and parses a YAML workflow file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Validate checks a definition without building it.
func Validate(def *Definition) error {
	if def == nil {
		return gferrors.NewValidationError("definition", "workflow", nil, "must not be nil")
	}
	if err := validation.ValidateNotEmpty("definition", "name", def.Name); err != nil {
		return err
	}
	if len(def.Stages) == 0 {
		return gferrors.NewValidationError("definition", "stages", 0, "at least one stage is required")
	}

	queues := make(map[string]bool, len(def.Queues))
	for _, q := range def.Queues {
		if err := validation.ValidateNotEmpty("definition", "queues.name", q.Name); err != nil {
			return err
		}
		key := strings.ToLower(q.Name)
		if queues[key] {
			return gferrors.NewValidationError("definition", "queues.name", q.Name, "queue listed twice")
		}
		queues[key] = true
		if q.Capacity < 0 {
			return gferrors.NewValidationError("definition", "queues.capacity", q.Capacity, "must not be negative").
				WithHint("use 0 for an unbounded queue")
		}
	}

	stages := make(map[string]bool, len(def.Stages))
	inputs := make(map[string]string, len(def.Stages))
	for _, s := range def.Stages {
		if err := validateStage(s); err != nil {
			return err
		}
		key := strings.ToLower(s.Name)
		if stages[key] {
			return gferrors.NewValidationError("definition", "stages.name", s.Name, "stage listed twice")
		}
		stages[key] = true

		in := strings.ToLower(s.In)
		if owner, taken := inputs[in]; taken {
			return gferrors.NewValidationError("definition", "stages.in", s.In, "queue already feeds stage "+owner).
				WithHint("give each stage its own input queue").
				WithCause(gferrors.ErrQueueClaimed)
		}
		inputs[in] = s.Name
	}
	return nil
}

func validateStage(s StageDef) error {
	if err := validation.ValidateNotEmpty("definition", "stages.name", s.Name); err != nil {
		return err
	}
	if err := validation.ValidateNotEmpty("definition", "stages."+s.Name+".in", s.In); err != nil {
		return err
	}
	if err := validation.ValidateNotEmpty("definition", "stages."+s.Name+".out", s.Out); err != nil {
		return err
	}
	if strings.TrimSpace(s.Script) == "" {
		return gferrors.NewValidationError("definition", "stages."+s.Name+".script", s.Script, "cannot be empty")
	}
	if s.Replicas < 0 {
		return gferrors.NewValidationError("definition", "stages."+s.Name+".replicas", s.Replicas, "must not be negative").
			WithHint("omit replicas to run a single replica")
	}
	if s.MaxItems < 0 {
		return gferrors.NewValidationError("definition", "stages."+s.Name+".max_items", s.MaxItems, "must not be negative")
	}
	if t := s.Throttle; t != nil {
		if err := validation.ValidatePositive("definition", "stages."+s.Name+".throttle.limit", t.Limit); err != nil {
			return err
		}
		if err := validation.ValidatePositiveDuration("definition", "stages."+s.Name+".throttle.interval", t.Interval); err != nil {
			return err
		}
	}
	return nil
}

// Builder turns definitions into workflows.
type Builder struct {
	// NewThrottle builds stage throttles. Defaults to LocalThrottle.
	NewThrottle ThrottleFactory
}

// LocalThrottle builds an in-process throttle and ignores Key.
func LocalThrottle(_ string, def ThrottleDef) (throttle.Slotter, error) {
	return throttle.New(def.Limit, def.Interval)
}

// Build creates an unstarted workflow from def using local throttles.
func Build(def *Definition, opts ...workflow.Option) (*workflow.Workflow, error) {
	return Builder{}.Build(def, opts...)
}

// Build creates an unstarted workflow from def.
func (b Builder) Build(def *Definition, opts ...workflow.Option) (*workflow.Workflow, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	newThrottle := b.NewThrottle
	if newThrottle == nil {
		newThrottle = LocalThrottle
	}

	w := workflow.New(def.Name, opts...)
	for _, q := range def.Queues {
		if q.Capacity > 0 {
			w.Queue(q.Name).SetCapacity(q.Capacity)
		}
	}
	for name, value := range def.Variables {
		w.SetVariable(name, value)
	}
	for name, source := range def.Modules {
		w.SetModule(name, source)
	}

	for _, s := range def.Stages {
		stageOpts, err := stageOptions(s, newThrottle)
		if err != nil {
			return nil, err
		}
		replicas := s.Replicas
		if replicas == 0 {
			replicas = 1
		}
		transform := execution.NewScript(s.Name, s.Script)
		if _, err := w.AddStage(s.Name, s.In, s.Out, transform, replicas, stageOpts...); err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Name, err)
		}
	}
	return w, nil
}

func stageOptions(s StageDef, newThrottle ThrottleFactory) ([]workflow.StageOption, error) {
	var opts []workflow.StageOption
	if s.MaxItems > 0 {
		opts = append(opts, workflow.WithMaxItems(s.MaxItems))
	}
	if s.CloseOut {
		opts = append(opts, workflow.WithCloseOutQueue())
	}
	if len(s.Close) > 0 {
		opts = append(opts, workflow.WithCloseQueues(s.Close...))
	}
	if s.Begin != "" {
		opts = append(opts, workflow.WithBegin(execution.NewScript(s.Name+".begin", s.Begin)))
	}
	if s.End != "" {
		opts = append(opts, workflow.WithEnd(execution.NewScript(s.Name+".end", s.End)))
	}
	for name, value := range s.Variables {
		opts = append(opts, workflow.WithVariable(name, value))
	}
	for name, source := range s.Modules {
		opts = append(opts, workflow.WithModule(name, source))
	}
	if s.Throttle != nil {
		t, err := newThrottle(s.Name, *s.Throttle)
		if err != nil {
			return nil, fmt.Errorf("stage %s throttle: %w", s.Name, err)
		}
		opts = append(opts, workflow.WithThrottle(t))
	}
	return opts, nil
}
