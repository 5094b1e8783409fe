package schema

import (
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/access"
)

// ComputeFunc derives a virtual attribute value from the stored document
// and the requesting user.
type ComputeFunc func(doc map[string]interface{}, user *access.User) interface{}

// ComputeKind selects how a virtual attribute derives its value.
type ComputeKind int

// supported computation kinds
const (
	ComputeConcat ComputeKind = iota
	ComputeCurrentUsername
	ComputeCurrentUserID
	ComputeCall
)

// ComputeRule is the compiled computation of a virtual attribute. Virtual
// attributes are never stored; their value is derived on every read from
// other attributes, the requesting user, or a registered hook.
type ComputeRule struct {
	Kind      ComputeKind
	Attrs     []string
	Separator string
	Call      string
}

var (
	computationsMu sync.RWMutex
	computations   = map[string]ComputeFunc{}
)

// RegisterComputation registers a named hook for virtual attributes
// declared with {"call": name}. Hooks are registered at startup, before
// the backend serves requests.
func RegisterComputation(name string, fn ComputeFunc) {
	computationsMu.Lock()
	defer computationsMu.Unlock()
	computations[name] = fn
}

// Evaluate derives the attribute value. A missing hook yields nil rather
// than an error; the definition was validated at compile time.
func (r *ComputeRule) Evaluate(doc map[string]interface{}, user *access.User) interface{} {
	switch r.Kind {
	case ComputeConcat:
		var parts []string
		for _, code := range r.Attrs {
			if value, ok := doc[code].(string); ok && value != "" {
				parts = append(parts, value)
			}
		}
		return strings.Join(parts, r.Separator)
	case ComputeCurrentUsername:
		if user == nil {
			return ""
		}
		return user.Username
	case ComputeCurrentUserID:
		if user == nil {
			return ""
		}
		return user.ID
	case ComputeCall:
		computationsMu.RLock()
		fn := computations[r.Call]
		computationsMu.RUnlock()
		if fn == nil {
			return nil
		}
		return fn(doc, user)
	}
	return nil
}

// ApplyComputed derives the value of every computed virtual attribute on
// the record.
func (m *Model) ApplyComputed(item map[string]interface{}, user *access.User) {
	for _, attr := range m.Attributes {
		if attr.Compute != nil {
			item[attr.Code] = attr.Compute.Evaluate(item, user)
		}
	}
}

// compileCompute parses the compute specification of a virtual attribute:
// the strings "current_username" / "current_userid", or an object of the
// form {"concat": ["a", "b"], "separator": " "} or {"call": "hookName"}.
func compileCompute(raw json.RawMessage) (*ComputeRule, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		switch name {
		case "current_username":
			return &ComputeRule{Kind: ComputeCurrentUsername}, nil
		case "current_userid":
			return &ComputeRule{Kind: ComputeCurrentUserID}, nil
		}
		return nil, core.InvalidArgumentf("unknown computation: %s", name)
	}
	var spec struct {
		Concat    []string `json:"concat"`
		Separator *string  `json:"separator"`
		Call      string   `json:"call"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, core.InvalidArgumentf("invalid compute specification")
	}
	switch {
	case len(spec.Concat) > 0:
		separator := " "
		if spec.Separator != nil {
			separator = *spec.Separator
		}
		return &ComputeRule{Kind: ComputeConcat, Attrs: spec.Concat, Separator: separator}, nil
	case spec.Call != "":
		return &ComputeRule{Kind: ComputeCall, Call: spec.Call}, nil
	}
	return nil, core.InvalidArgumentf("invalid compute specification")
}
