// Package workflow holds the template model: the node-graph document, its
// typed node configs, graph validation, the condition language and the
// versioned template registry.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"clinicflow/internal/apperr"
	"clinicflow/internal/store"

	cronlib "github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EngineVersion is stamped on templates and executions so stored graphs
// can be migrated if node semantics ever change.
const EngineVersion = 1

// NodeKind is the closed set of node types.
type NodeKind string

const (
	KindTrigger   NodeKind = "trigger"
	KindAction    NodeKind = "action"
	KindCondition NodeKind = "condition"
	KindWait      NodeKind = "wait"
	KindEnd       NodeKind = "end"
)

// NodeConfig is implemented by the per-kind config structs.
type NodeConfig interface {
	Kind() NodeKind
}

// TriggerConfig marks the entry of a graph.
type TriggerConfig struct {
	Description string `json:"description,omitempty"`
}

// ActionConfig asks the engine to enqueue a side-effect job.
type ActionConfig struct {
	JobType  string         `json:"job_type"`
	Priority store.Priority `json:"priority,omitempty"`
	// Payload holds static fields copied into every job.
	Payload map[string]any `json:"payload,omitempty"`
	// Inputs maps payload fields to context paths ("lead.phone").
	Inputs map[string]string `json:"inputs,omitempty"`
	// ResultKey receives the job's result summary in the context.
	ResultKey   string `json:"result_key,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// MaxRetries overrides the engine's node retry limit.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// ConditionConfig branches on an expression over the context.
type ConditionConfig struct {
	When Condition `json:"when"`
}

// WaitConfig suspends the execution until a timer fires or a signal
// arrives. Duration and Schedule are mutually exclusive.
type WaitConfig struct {
	Duration string `json:"duration,omitempty"`
	// Schedule is a 5-field cron expression; the wait ends at its next tick.
	Schedule string `json:"schedule,omitempty"`
	Signal   string `json:"signal,omitempty"`

	duration time.Duration
	schedule cronlib.Schedule
}

// EndConfig optionally records an outcome label in the context.
type EndConfig struct {
	Outcome string `json:"outcome,omitempty"`
}

func (*TriggerConfig) Kind() NodeKind   { return KindTrigger }
func (*ActionConfig) Kind() NodeKind    { return KindAction }
func (*ConditionConfig) Kind() NodeKind { return KindCondition }
func (*WaitConfig) Kind() NodeKind      { return KindWait }
func (*EndConfig) Kind() NodeKind       { return KindEnd }

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

func (w *WaitConfig) compile() error {
	if w.Duration != "" && w.Schedule != "" {
		return fmt.Errorf("duration and schedule are mutually exclusive")
	}
	if w.Duration == "" && w.Schedule == "" && w.Signal == "" {
		return fmt.Errorf("one of duration, schedule or signal is required")
	}
	if w.Duration != "" {
		d, err := time.ParseDuration(w.Duration)
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("duration must be positive")
		}
		w.duration = d
	}
	if w.Schedule != "" {
		s, err := cronParser.Parse(w.Schedule)
		if err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		w.schedule = s
	}
	return nil
}

// WakeAt returns when the timer side of the wait fires, or false when the
// wait only listens for a signal.
func (w *WaitConfig) WakeAt(from time.Time) (time.Time, bool) {
	switch {
	case w.duration > 0:
		return from.Add(w.duration), true
	case w.schedule != nil:
		return w.schedule.Next(from), true
	}
	return time.Time{}, false
}

// Node is one step of a graph.
type Node struct {
	ID      string
	Kind    NodeKind
	Next    string
	OnTrue  string
	OnFalse string
	Config  NodeConfig
}

// Graph is a decoded, typed node graph.
type Graph struct {
	Entry string
	Nodes []*Node
	index map[string]*Node
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.index[id]
	return n, ok
}

// Wire format.
type document struct {
	Entry string    `json:"entry"`
	Nodes []rawNode `json:"nodes"`
}

type rawNode struct {
	ID      string          `json:"id"`
	Kind    NodeKind        `json:"kind"`
	Next    string          `json:"next,omitempty"`
	OnTrue  string          `json:"on_true,omitempty"`
	OnFalse string          `json:"on_false,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// ParseDocument decodes a JSON or YAML graph document and validates it.
// It returns the typed graph and its canonical JSON encoding, which is
// what gets stored.
func ParseDocument(data []byte) (*Graph, json.RawMessage, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		return nil, nil, apperr.Validation("graph", "document is empty")
	}
	if !json.Valid(raw) {
		converted, err := yamlToJSON(raw)
		if err != nil {
			return nil, nil, err
		}
		raw = converted
	}

	var doc document
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, nil, apperr.Validation("graph", "%v", err)
	}
	g, err := doc.build()
	if err != nil {
		return nil, nil, err
	}
	if err := Validate(g); err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encode graph: %w", err)
	}
	return g, canonical, nil
}

// LoadGraph decodes a stored (already validated) graph.
func LoadGraph(data json.RawMessage) (*Graph, error) {
	var doc document
	if err := decodeStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stored graph: %w", err)
	}
	return doc.build()
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, apperr.Validation("graph", "invalid YAML: %v", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, apperr.Validation("graph", "YAML is not representable as JSON: %v", err)
	}
	return out, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// build converts the wire form into typed nodes. Config shape errors are
// collected into one InvalidGraphError.
func (d document) build() (*Graph, error) {
	g := &Graph{Entry: d.Entry, index: make(map[string]*Node, len(d.Nodes))}
	var problems []string
	for i, rn := range d.Nodes {
		cfg, err := decodeConfig(rn.Kind, rn.Config)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %d (%q): %v", i, rn.ID, err))
			continue
		}
		n := &Node{
			ID:      rn.ID,
			Kind:    rn.Kind,
			Next:    rn.Next,
			OnTrue:  rn.OnTrue,
			OnFalse: rn.OnFalse,
			Config:  cfg,
		}
		g.Nodes = append(g.Nodes, n)
		if _, dup := g.index[n.ID]; !dup {
			g.index[n.ID] = n
		}
	}
	if len(problems) > 0 {
		return nil, &InvalidGraphError{Problems: problems}
	}
	return g, nil
}

func decodeConfig(kind NodeKind, raw json.RawMessage) (NodeConfig, error) {
	var cfg NodeConfig
	switch kind {
	case KindTrigger:
		cfg = &TriggerConfig{}
	case KindAction:
		cfg = &ActionConfig{}
	case KindCondition:
		cfg = &ConditionConfig{}
	case KindWait:
		cfg = &WaitConfig{}
	case KindEnd:
		cfg = &EndConfig{}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := decodeStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	switch c := cfg.(type) {
	case *ActionConfig:
		if c.JobType == "" {
			return nil, fmt.Errorf("config.job_type is required")
		}
		if _, ok := store.ParsePriority(string(c.Priority)); !ok {
			return nil, fmt.Errorf("config.priority %q is not a priority", c.Priority)
		}
		if c.MaxAttempts < 0 {
			return nil, fmt.Errorf("config.max_attempts must not be negative")
		}
		if c.MaxRetries != nil && *c.MaxRetries < 0 {
			return nil, fmt.Errorf("config.max_retries must not be negative")
		}
	case *ConditionConfig:
		if err := c.When.validate(); err != nil {
			return nil, fmt.Errorf("config.when: %w", err)
		}
	case *WaitConfig:
		if err := c.compile(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return cfg, nil
}
