package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/pipeline"
)

type ActionFuncProvider func(name string) (pipeline.ActionFunc, bool)
type ModifierFuncProvider func(name string) (pipeline.ModifierFunc, bool)

// Providers resolves configured names to the engine's functions.
type Providers struct {
	Action   ActionFuncProvider
	Modifier ModifierFuncProvider
	// CheckTemplate validates a parameter template; nil accepts everything.
	CheckTemplate func(tpl string) error
}

// CompilePipelines turns cfg.Events into executable pipelines, failing on the
// first unknown action, modifier, param variable or permission.
func CompilePipelines(cfg *Config, p Providers) error {
	catalog, err := NewCatalog(cfg.Permissions)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(cfg.Events))
	for name := range cfg.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	cfg.Pipelines = make(map[string]pipeline.Pipeline, len(cfg.Events))
	for _, eventName := range names {
		eventCfg := cfg.Events[eventName]
		if len(eventCfg.Actions) == 0 {
			return fmt.Errorf("event '%s' has no actions", eventName)
		}
		var pipe pipeline.Pipeline
		for _, modCfg := range eventCfg.Modifiers {
			fn, ok := p.Modifier(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, eventName)
			}
			if err := checkParams(p, modCfg); err != nil {
				return fmt.Errorf("event '%s': %w", eventName, err)
			}
			if modCfg.Name == "require_permission" && len(modCfg.Params) > 0 {
				action := modCfg.Params[0]
				if !strings.Contains(action, "{") && !catalog.Known(action) {
					return fmt.Errorf("permission '%s' in event '%s' is not registered", action, eventName)
				}
			}
			pipe.Modifiers = append(pipe.Modifiers, pipeline.Guard{
				Name:     modCfg.Name,
				Function: fn,
				Params:   modCfg.Params,
			})
		}
		for _, actionCfg := range eventCfg.Actions {
			// look up the Go function for this action name.
			fn, ok := p.Action(actionCfg.Name)
			if !ok {
				return fmt.Errorf("unknown action '%s' in event '%s'", actionCfg.Name, eventName)
			}
			if err := checkParams(p, actionCfg); err != nil {
				return fmt.Errorf("event '%s': %w", eventName, err)
			}
			// create the executable step and add it to pipeline
			pipe.Steps = append(pipe.Steps, pipeline.Step{
				Name:     actionCfg.Name,
				Function: fn,
				Params:   actionCfg.Params,
			})
		}
		cfg.Pipelines[eventName] = pipe
	}
	return nil
}

func checkParams(p Providers, c ActionConfig) error {
	if p.CheckTemplate == nil {
		return nil
	}
	for _, tpl := range c.Params {
		if err := p.CheckTemplate(tpl); err != nil {
			return fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return nil
}

// CompileRules returns the aggregation rules: the built-in ones unless
// disabled, followed by the configured ones. Rule ids must be unique.
func CompileRules(cfg AggregationConfig) ([]aggregate.Rule, error) {
	var rules []aggregate.Rule
	if !cfg.DisableDefaults {
		rules = append(rules, aggregate.DefaultRules()...)
	}
	seen := make(map[string]bool, len(rules)+len(cfg.Rules))
	for _, r := range rules {
		seen[r.ID] = true
	}
	for _, rc := range cfg.Rules {
		if seen[rc.ID] {
			return nil, fmt.Errorf("aggregation rule '%s' is defined twice", rc.ID)
		}
		seen[rc.ID] = true
		rule, err := aggregate.RuleSpec{
			ID:          rc.ID,
			EventTypes:  rc.EventTypes,
			KeyTemplate: rc.KeyTemplate,
			Window:      rc.Window,
			MaxEvents:   rc.MaxEvents,
			Reducer:     rc.Reducer,
		}.Compile()
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
