package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/config"
	"github.com/a-essam23/livecore/pkg/events"
	"github.com/a-essam23/livecore/pkg/logging"
	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/go-playground/assert/v2"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "livecore.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(logging.Discard(), "livecore", t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assert.Equal(t, cfg.Server.Address, ":8080")
	assert.Equal(t, cfg.Server.Auth.DefaultPolicy, "allow")
	assert.Equal(t, cfg.Server.Auth.CookieName, "session-token")
	assert.Equal(t, cfg.Transport.ReadTimeout, 60*time.Second)
	assert.Equal(t, cfg.Transport.SendQueueSize, 256)
	assert.Equal(t, cfg.Presence.IdleTimeout, 5*time.Minute)
	assert.Equal(t, cfg.Editor.ConflictMode, "lww")
	assert.Equal(t, cfg.History.Driver, "memory")
	assert.Equal(t, cfg.Kafka.Enabled(), false)
	assert.Equal(t, cfg.AMQP.Enabled(), false)
	assert.Equal(t, len(cfg.Events), len(config.DefaultEvents()))
}

func TestLoadFileOverridesAndMergesEvents(t *testing.T) {
	dir := writeConfig(t, `
server:
  address: ":9090"
  connectionLimit:
    maxPerUser: 3
    mode: cycle
transport:
  heartbeatTimeout: 90s
permissions:
  - doc:edit
events:
  doc:op:
    modifiers:
      - name: require_permission
        params: ["doc:edit", "{.payload.documentId}"]
    actions:
      - name: _doc_apply
  reaction:
    actions:
      - name: _publish
        params: ["reaction.added", "{.payload.roomId}", "{.payload}"]
aggregation:
  rules:
    - id: reactions
      eventTypes: ["reaction.added"]
      key: "{.roomId}"
      window: 500ms
      maxEvents: 5
kafka:
  brokers: ["localhost:9092"]
  topic: domain-events
`)
	cfg, err := config.Load(logging.Discard(), "livecore", dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assert.Equal(t, cfg.Server.Address, ":9090")
	assert.Equal(t, cfg.Server.ConnectionLimit, config.ConnectionLimitConfig{MaxPerUser: 3, Mode: "cycle"})
	assert.Equal(t, cfg.Transport.HeartbeatTimeout, 90*time.Second)
	assert.Equal(t, cfg.Permissions, []string{"doc:edit"})

	// configured types replace their default, the rest keep theirs
	assert.Equal(t, cfg.Events[events.TypeDocOp].Modifiers[0].Name, "require_permission")
	assert.Equal(t, cfg.Events["reaction"].Actions[0].Name, "_publish")
	assert.Equal(t, cfg.Events[events.TypePing].Actions[0].Name, "_pong")

	assert.Equal(t, len(cfg.Aggregation.Rules), 1)
	assert.Equal(t, cfg.Aggregation.Rules[0].Window, 500*time.Millisecond)
	assert.Equal(t, cfg.Kafka.Enabled(), true)
	assert.Equal(t, cfg.Kafka.GroupID, "livecore")
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LIVECORE_SERVER_ADDRESS", ":7000")
	t.Setenv("LIVECORE_EDITOR_CONFLICTMODE", "strict")
	t.Setenv("LIVECORE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LIVECORE_KAFKA_TOPIC", "domain-events")
	cfg, err := config.Load(logging.Discard(), "livecore", t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	assert.Equal(t, cfg.Server.Address, ":7000")
	assert.Equal(t, cfg.Editor.ConflictMode, "strict")
	assert.Equal(t, cfg.Kafka.Brokers, []string{"k1:9092", "k2:9092"})
	assert.Equal(t, cfg.Kafka.Enabled(), true)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"policy":     "server:\n  auth:\n    defaultPolicy: maybe\n",
		"limit mode": "server:\n  connectionLimit:\n    mode: queue\n",
		"conflict":   "editor:\n  conflictMode: merge\n",
		"driver":     "history:\n  driver: mongo\n",
		"dsn":        "history:\n  driver: postgres\n",
		"permission": "permissions: [connect]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.Load(logging.Discard(), "livecore", writeConfig(t, body)); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}
}

func TestCatalog(t *testing.T) {
	c, err := config.NewCatalog([]string{"doc:edit", "billing:read"})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	assert.Equal(t, c.Known("connect"), true)
	assert.Equal(t, c.Known("doc:edit"), true)
	assert.Equal(t, c.Known("doc:delete"), false)
	assert.Equal(t, c.Names(), []string{"api:access", "billing:read", "connect", "doc:edit"})

	for _, bad := range [][]string{{"a", "a"}, {"api:access"}, {""}, {"doc:*"}} {
		if _, err := config.NewCatalog(bad); err == nil {
			t.Errorf("expected %v to be rejected", bad)
		}
	}
}

// --- Compiler ---

func noop(*pipeline.Cargo, ...string) error { return nil }

func providers() config.Providers {
	return config.Providers{
		Action: func(name string) (pipeline.ActionFunc, bool) {
			return noop, strings.HasPrefix(name, "_")
		},
		Modifier: func(name string) (pipeline.ModifierFunc, bool) {
			return noop, name == "rate_limit" || name == "require_permission"
		},
		CheckTemplate: func(tpl string) error {
			if strings.Contains(tpl, "{$bogus}") {
				return os.ErrInvalid
			}
			return nil
		},
	}
}

func TestCompilePipelines(t *testing.T) {
	cfg := &config.Config{
		Permissions: []string{"doc:edit"},
		Events: map[string]config.EventConfig{
			"doc:op": {
				Modifiers: []config.ActionConfig{
					{Name: "rate_limit", Params: []string{"5/s"}},
					{Name: "require_permission", Params: []string{"doc:edit"}},
				},
				Actions: []config.ActionConfig{{Name: "_doc_apply"}, {Name: "_log", Params: []string{"applied"}}},
			},
		},
	}
	if err := config.CompilePipelines(cfg, providers()); err != nil {
		t.Fatalf("CompilePipelines failed: %v", err)
	}
	p := cfg.Pipelines["doc:op"]
	assert.Equal(t, len(p.Modifiers), 2)
	assert.Equal(t, p.Modifiers[0].Params, []string{"5/s"})
	assert.Equal(t, len(p.Steps), 2)
	assert.Equal(t, p.Steps[1].Name, "_log")
}

func TestCompilePipelinesRejectsUnknownNames(t *testing.T) {
	cases := map[string]config.EventConfig{
		"action":     {Actions: []config.ActionConfig{{Name: "explode"}}},
		"modifier":   {Modifiers: []config.ActionConfig{{Name: "secure"}}, Actions: []config.ActionConfig{{Name: "_log"}}},
		"permission": {Modifiers: []config.ActionConfig{{Name: "require_permission", Params: []string{"doc:delete"}}}, Actions: []config.ActionConfig{{Name: "_log"}}},
		"variable":   {Actions: []config.ActionConfig{{Name: "_log", Params: []string{"{$bogus}"}}}},
		"empty":      {},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{Events: map[string]config.EventConfig{"x": ev}}
			if err := config.CompilePipelines(cfg, providers()); err == nil {
				t.Error("expected CompilePipelines to fail")
			}
		})
	}
}

func TestCompileRules(t *testing.T) {
	rules, err := config.CompileRules(config.AggregationConfig{
		Rules: []config.RuleConfig{{ID: "reactions", EventTypes: []string{"reaction.added"}, KeyTemplate: "{.roomId}", Window: time.Second, MaxEvents: 5}},
	})
	if err != nil {
		t.Fatalf("CompileRules failed: %v", err)
	}
	assert.Equal(t, rules[len(rules)-1].ID, "reactions")
	assert.Equal(t, len(rules), 4)

	rules, err = config.CompileRules(config.AggregationConfig{DisableDefaults: true})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rules), 0)

	_, err = config.CompileRules(config.AggregationConfig{
		Rules: []config.RuleConfig{{ID: "typing", EventTypes: []string{"x"}, KeyTemplate: "{.roomId}", Window: time.Second, MaxEvents: 1}},
	})
	if err == nil {
		t.Error("expected a duplicate rule id to fail")
	}
}
