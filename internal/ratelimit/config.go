// Package ratelimit implements distributed sliding-window rate limiting over
// the shared KV. Policies and endpoint mappings live in a singleton cell so
// they persist and update like any other state; limiter clients cache the
// resolved configuration briefly.
package ratelimit

import (
	"path"

	"github.com/titanworks/titan/internal/cell"
	"github.com/titanworks/titan/internal/codec"
	"github.com/titanworks/titan/internal/fault"
)

// ConfigKind is the singleton policy cell; its well-known key is
// ConfigCellKey.
const (
	ConfigKind    = "RateLimitConfig"
	ConfigCellKey = "default"
)

const slotPolicies = "PolicyStore"

// Rule is one sliding window: at most MaxHits in PeriodSeconds, violation
// imposes a TimeoutSeconds lockout.
type Rule struct {
	MaxHits        int `json:"maxHits"`
	PeriodSeconds  int `json:"periodSeconds"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// Policy is an ordered list of rules, all of which must pass.
type Policy struct {
	Name  string `json:"name"`
	Rules []Rule `json:"rules"`
}

// Mapping binds endpoints matching a glob pattern (path.Match syntax, e.g.
// "Auth.*" or "/admin/*") to a policy.
type Mapping struct {
	Pattern string `json:"pattern"`
	Policy  string `json:"policy"`
}

// ConfigState is the persisted limiter configuration.
type ConfigState struct {
	Enabled       bool      `json:"enabled"`
	DefaultPolicy string    `json:"defaultPolicy"`
	Policies      []Policy  `json:"policies"`
	Mappings      []Mapping `json:"mappings"`
}

// Resolve returns the policy for an endpoint: first matching mapping, else
// the default, else nil (unlimited).
func (c *ConfigState) Resolve(endpoint string) *Policy {
	name := c.DefaultPolicy
	for _, m := range c.Mappings {
		if ok, err := path.Match(m.Pattern, endpoint); err == nil && ok {
			name = m.Policy
			break
		}
	}
	if name == "" {
		return nil
	}
	for i := range c.Policies {
		if c.Policies[i].Name == name {
			return &c.Policies[i]
		}
	}
	return nil
}

type configCell struct {
	state ConfigState
}

func (c *configCell) OnActivate(rc *cell.Ctx) error {
	if err := rc.Read(slotPolicies, &c.state); err != nil && !fault.Is(err, fault.KindNotFound) {
		return err
	}
	return nil
}

func (c *configCell) Get(*cell.Ctx, struct{}) (ConfigState, error) {
	return c.state, nil
}

// Update replaces the whole configuration; callers send the full desired
// state (hot reload pushes the config file section here).
func (c *configCell) Update(rc *cell.Ctx, in ConfigState) (ConfigState, error) {
	for _, p := range in.Policies {
		if p.Name == "" {
			return ConfigState{}, fault.New(fault.KindInvalidInput, "policy without a name")
		}
		for _, r := range p.Rules {
			if r.MaxHits <= 0 || r.PeriodSeconds <= 0 {
				return ConfigState{}, fault.New(fault.KindInvalidInput, "policy %s has a non-positive rule", p.Name)
			}
		}
	}
	for _, m := range in.Mappings {
		// Match against any endpoint name just to surface bad pattern syntax.
		if _, err := path.Match(m.Pattern, "x"); err != nil {
			return ConfigState{}, fault.New(fault.KindInvalidInput, "mapping pattern %q invalid", m.Pattern)
		}
	}
	c.state = in
	return c.state, rc.Write(slotPolicies, c.state)
}

// NewConfigKind builds the RateLimitConfig cell kind.
func NewConfigKind() *cell.Kind {
	k := cell.NewKind(ConfigKind, func() cell.Handler { return &configCell{} })
	k.BindSlot(slotPolicies, codec.Text)
	cell.Handle(k, "get", cell.NotTransactional, (*configCell).Get)
	cell.Handle(k, "update", cell.NotTransactional, (*configCell).Update)
	return k
}

// ConfigIdentity is the well-known identity of the policy cell.
func ConfigIdentity() cell.Identity {
	return cell.NewIdentity(ConfigKind, cell.StringKey(ConfigCellKey))
}
