package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/a-essam23/livecore/pkg/pipeline"
	"github.com/tidwall/gjson"
)

type ResolverFunc func(pctx *pipeline.Cargo) (string, error)

// func for param "{$user.id}"
func _userID(pctx *pipeline.Cargo) (string, error) {
	if pctx.Connection == nil {
		return "", errors.New("param variable 'user.id' is unavailable")
	}
	return pctx.Principal().UserID, nil
}

func _workspaceID(pctx *pipeline.Cargo) (string, error) {
	if pctx.Connection == nil {
		return "", errors.New("param variable 'workspace.id' is unavailable")
	}
	return pctx.Principal().WorkspaceID, nil
}

// func for param "{$conn.id}"
func _connID(pctx *pipeline.Cargo) (string, error) {
	if pctx.Connection == nil {
		return "", errors.New("param variable 'conn.id' is unavailable")
	}
	return pctx.Connection.ID.String(), nil
}

// func for param "{$target.id}"
func _target(pctx *pipeline.Cargo) (string, error) {
	return pctx.TargetID, nil
}

func _messageType(pctx *pipeline.Cargo) (string, error) {
	return pctx.Message.Type, nil
}

func _messageID(pctx *pipeline.Cargo) (string, error) {
	return pctx.Message.MessageID, nil
}

// Resolve expands the placeholders of every template. "{$name}" reads a
// registered param, "{.payload}" the raw payload and "{.payload.<path>}" a
// gjson path into it. A missing path resolves to "". Anything else in braces
// is kept literally so JSON params pass through untouched.
func (e *Registry) Resolve(pctx *pipeline.Cargo, templates []string) ([]string, error) {
	resolved := make([]string, len(templates))
	for i, tpl := range templates {
		s, err := e.expand(pctx, tpl)
		if err != nil {
			return nil, err
		}
		resolved[i] = s
	}
	return resolved, nil
}

func (e *Registry) expand(pctx *pipeline.Cargo, tpl string) (string, error) {
	if placeholderAt(tpl) < 0 {
		// just a string not a template
		return tpl, nil
	}
	var b strings.Builder
	rest := tpl
	for {
		i := placeholderAt(rest)
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in '%s'", tpl)
		}
		b.WriteString(rest[:i])
		v, err := e.lookup(pctx, rest[i+1:i+end])
		if err != nil {
			return "", err
		}
		b.WriteString(v)
		rest = rest[i+end+1:]
	}
}

func (e *Registry) lookup(pctx *pipeline.Cargo, name string) (string, error) {
	switch {
	case strings.HasPrefix(name, "$"):
		resolver, ok := e.GetParamResolver(name[1:])
		if !ok {
			return "", fmt.Errorf("unknown param variable '%s'", name[1:])
		}
		return resolver(pctx)
	case name == ".payload":
		return string(pctx.Message.Payload), nil
	case strings.HasPrefix(name, ".payload."):
		value := gjson.GetBytes(pctx.Message.Payload, strings.TrimPrefix(name, ".payload."))
		if !value.Exists() {
			return "", nil
		}
		return value.String(), nil
	}
	return "", fmt.Errorf("unrecognized template path '%s'", name)
}

// placeholderAt returns the index of the first "{$" or "{." in s, or -1.
func placeholderAt(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' && (s[i+1] == '$' || s[i+1] == '.') {
			return i
		}
	}
	return -1
}

// CheckTemplate reports an unknown "{$name}" variable or an unterminated
// placeholder in tpl, so configured pipelines fail at startup.
func (e *Registry) CheckTemplate(tpl string) error {
	for _, name := range placeholders(tpl) {
		if name == "" {
			return fmt.Errorf("unterminated placeholder in '%s'", tpl)
		}
		if _, ok := e.GetParamResolver(name); !ok {
			return fmt.Errorf("unknown param variable '%s' in '%s'", name, tpl)
		}
	}
	return nil
}

// placeholders lists the "{$name}" variables tpl references. An unterminated
// placeholder is reported as an empty name.
func placeholders(tpl string) []string {
	var names []string
	rest := tpl
	for {
		i := placeholderAt(rest)
		if i < 0 {
			return names
		}
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return append(names, "")
		}
		if inner := rest[i+1 : i+end]; strings.HasPrefix(inner, "$") {
			names = append(names, inner[1:])
		}
		rest = rest[i+end+1:]
	}
}
