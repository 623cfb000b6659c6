package introspect

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// builtinDescriber picks the signature describer for textual methods and
// reflection for Go funcs.
type builtinDescriber struct{}

func (builtinDescriber) Describe(m Method) (*MethodContract, error) {
	switch {
	case m.Signature != "":
		return SignatureDescriber{}.Describe(m)
	case m.Func != nil:
		return ReflectDescriber{}.Describe(m)
	case m.Call != nil:
		// An opaque callable without a signature takes no declared parameters.
		return &MethodContract{Name: m.Name, Parameters: map[string]ParamSpec{}, ReturnType: "any"}, nil
	default:
		return nil, errors.New("method has no Func, Call or Signature")
	}
}

// Builtin returns the default describer used when an adapter does not provide one.
func Builtin() Describer {
	return builtinDescriber{}
}

// Synthesize produces the contract for m using d (or the builtin describers
// when d is nil), then fills descriptions from m.Doc. It never fails to the
// caller: undescribable methods are logged and yield nil. A nil logger
// discards those messages.
func Synthesize(m Method, d Describer, logger *zap.Logger) (c *MethodContract) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d == nil {
		d = builtinDescriber{}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("method introspection panicked, skipping",
				zap.String("method", m.Name),
				zap.Any("panic", r),
			)
			c = nil
		}
	}()

	contract, err := d.Describe(m)
	if err == nil && contract == nil {
		err = errors.New("describer returned no contract")
	}
	if err != nil {
		logger.Warn("could not describe method, skipping",
			zap.String("method", m.Name),
			zap.Error(err),
		)
		return nil
	}
	return finalize(contract, m)
}

func finalize(c *MethodContract, m Method) *MethodContract {
	if c.Name == "" {
		c.Name = m.Name
	}
	if c.Parameters == nil {
		c.Parameters = map[string]ParamSpec{}
	}

	doc := ParseDoc(firstNonEmpty(m.Doc, c.Description))
	c.Description = doc.Summary
	if c.Description == "" {
		c.Description = fmt.Sprintf("Call %s", m.Name)
	}

	for _, name := range c.ParamNames() {
		p := c.Parameters[name]
		if p.Type == nil {
			p.Type = resolveType(nil, name)
		}
		if p.Variadic {
			p.Required = false
		}
		if p.Description == "" {
			p.Description = doc.Params[name]
		}
		if p.Description == "" {
			p.Description = fmt.Sprintf("Parameter %s (%s)", name, p.Type)
		}
		p.Description = strings.TrimSpace(p.Description)
		c.Parameters[name] = p
	}
	if len(c.Order) != len(c.Parameters) {
		c.Order = c.ParamNames()
	}
	return c
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
