// Package config loads automation settings (flows, templates, the scheduling policy
// and housekeeping jobs) from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexamarkco/kifersaude-sub001/internal/graph"
	"github.com/hexamarkco/kifersaude-sub001/internal/models"
	"github.com/hexamarkco/kifersaude-sub001/internal/scheduler"
)

// Defaults applied when the file leaves a setting out.
const (
	DefaultStatusOnSend  = "Contato Inicial"
	DefaultPurgeSchedule = "@daily"
	DefaultRetentionDays = 30
)

// DefaultSweepStatuses are the lead statuses the pending-lead sweep looks at when
// the file names none.
var DefaultSweepStatuses = []string{"Novo"}

var (
	ErrDuplicateFlow     = errors.New("duplicate flow id")
	ErrDuplicateTemplate = errors.New("duplicate template id")
	ErrUnknownTemplate   = errors.New("step references unknown template")
)

// FlowEntry is a flow as written in the file. When Graph is set the flow is
// authored in the builder and its steps are compiled from the graph; the other
// fields serve as the base flow.
type FlowEntry struct {
	models.Flow `yaml:",inline"`
	Graph       *models.FlowGraph `yaml:"graph,omitempty"`
}

// File mirrors the YAML document.
type File struct {
	Enabled       *bool                `yaml:"enabled"`
	StatusOnSend  string               `yaml:"status_on_send"`
	SweepSchedule string               `yaml:"sweep_schedule"`
	SweepStatuses []string             `yaml:"sweep_statuses"`
	PurgeSchedule string               `yaml:"purge_schedule"`
	RetentionDays *int                 `yaml:"retention_days"`
	Scheduling    scheduler.PolicySpec `yaml:"scheduling"`
	Templates     []models.Template    `yaml:"templates"`
	Flows         []FlowEntry          `yaml:"flows"`
}

// Settings is the validated, ready-to-run configuration.
type Settings struct {
	Enabled       bool
	StatusOnSend  string
	SweepSchedule string
	SweepStatuses []string
	PurgeSchedule string
	// Retention of run records and the outbound log. Zero keeps everything.
	Retention  time.Duration
	PolicySpec scheduler.PolicySpec
	Policy     scheduler.Policy
	Templates  []models.Template
	Flows      []models.Flow
	// Warnings collected while compiling graph-authored flows.
	Warnings []graph.Warning
}

// Flow returns the flow with the given id.
func (s *Settings) Flow(id string) (models.Flow, bool) {
	for _, f := range s.Flows {
		if f.ID == id {
			return f, true
		}
	}
	return models.Flow{}, false
}

// Load reads and parses the settings file at path.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	slog.Info("config.Load: settings loaded", "path", path, "flows", len(s.Flows), "templates", len(s.Templates), "enabled", s.Enabled)
	return s, nil
}

// Parse decodes a YAML document, compiles graph-authored flows and validates the result.
func Parse(data []byte) (*Settings, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return f.Settings()
}

// Settings converts the file into validated settings.
func (f File) Settings() (*Settings, error) {
	s := &Settings{
		Enabled:       true,
		StatusOnSend:  f.StatusOnSend,
		SweepSchedule: f.SweepSchedule,
		SweepStatuses: f.SweepStatuses,
		PurgeSchedule: f.PurgeSchedule,
		Retention:     DefaultRetentionDays * 24 * time.Hour,
		PolicySpec:    f.Scheduling,
		Templates:     f.Templates,
	}
	if f.Enabled != nil {
		s.Enabled = *f.Enabled
	}
	if s.StatusOnSend == "" {
		s.StatusOnSend = DefaultStatusOnSend
	}
	if len(s.SweepStatuses) == 0 {
		s.SweepStatuses = append([]string(nil), DefaultSweepStatuses...)
	}
	if s.PurgeSchedule == "" {
		s.PurgeSchedule = DefaultPurgeSchedule
	}
	if f.RetentionDays != nil {
		if *f.RetentionDays < 0 {
			return nil, fmt.Errorf("retention_days cannot be negative: %d", *f.RetentionDays)
		}
		s.Retention = time.Duration(*f.RetentionDays) * 24 * time.Hour
	}

	policy, err := f.Scheduling.Build()
	if err != nil {
		return nil, fmt.Errorf("scheduling: %w", err)
	}
	s.Policy = policy

	for _, e := range f.Flows {
		if e.Graph == nil {
			s.Flows = append(s.Flows, e.Flow)
			continue
		}
		res, err := graph.Compile(e.Flow, *e.Graph)
		if err != nil {
			return nil, fmt.Errorf("flow %q graph: %w", e.ID, err)
		}
		for _, w := range res.Warnings {
			slog.Warn("config.Parse: graph compile warning", "flow_id", e.ID, "node_id", w.NodeID, "code", w.Code, "message", w.Message)
		}
		s.Warnings = append(s.Warnings, res.Warnings...)
		s.Flows = append(s.Flows, res.Flows...)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks flows, template references and id uniqueness.
func (s *Settings) Validate() error {
	templates := make(map[string]bool, len(s.Templates))
	for _, t := range s.Templates {
		if t.ID == "" {
			return fmt.Errorf("template %q: empty id", t.Name)
		}
		if templates[t.ID] {
			return fmt.Errorf("template %q: %w", t.ID, ErrDuplicateTemplate)
		}
		templates[t.ID] = true
	}

	flows := make(map[string]bool, len(s.Flows))
	for i := range s.Flows {
		f := &s.Flows[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if flows[f.ID] {
			return fmt.Errorf("flow %q: %w", f.ID, ErrDuplicateFlow)
		}
		flows[f.ID] = true
		for _, st := range f.Steps {
			if st.ActionType == models.ActionSendMessage && st.MessageSource == models.MessageSourceTemplate && !templates[st.TemplateID] {
				return fmt.Errorf("flow %q step %q template %q: %w", f.ID, st.ID, st.TemplateID, ErrUnknownTemplate)
			}
		}
	}
	return nil
}
