package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spachava753/deskeval/internal/models"
)

// Evidence is what a success policy may look at once the agent declares
// the task done.
type Evidence struct {
	TotalReward float64
	LastReward  float64
	// EnvDone is true when the environment itself signalled completion.
	EnvDone bool
	Steps   int
}

// SuccessPolicy decides whether a finished session succeeded.
type SuccessPolicy interface {
	Success(ev Evidence) bool
}

// SuccessFunc adapts a function to SuccessPolicy.
type SuccessFunc func(ev Evidence) bool

func (f SuccessFunc) Success(ev Evidence) bool { return f(ev) }

var (
	// RewardPositive succeeds when the accumulated reward is positive.
	RewardPositive SuccessPolicy = SuccessFunc(func(ev Evidence) bool { return ev.TotalReward > 0 })

	// EnvReported succeeds when the environment ended the task with a
	// positive final reward.
	EnvReported SuccessPolicy = SuccessFunc(func(ev Evidence) bool { return ev.EnvDone && ev.LastReward > 0 })

	// RewardOrEnv succeeds when either of the above does.
	RewardOrEnv SuccessPolicy = SuccessFunc(func(ev Evidence) bool {
		return RewardPositive.Success(ev) || EnvReported.Success(ev)
	})
)

// ParsePolicy resolves a policy name: reward_positive, env_reported,
// reward_or_env, or threshold:<min total reward>.
func ParsePolicy(name string) (SuccessPolicy, error) {
	switch name {
	case "", "reward_or_env":
		return RewardOrEnv, nil
	case "reward_positive":
		return RewardPositive, nil
	case "env_reported":
		return EnvReported, nil
	}
	if rest, ok := strings.CutPrefix(name, "threshold:"); ok {
		floor, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold in success policy %q: %w", name, err)
		}
		return SuccessFunc(func(ev Evidence) bool { return ev.TotalReward >= floor }), nil
	}
	return nil, fmt.Errorf("unknown success policy %q", name)
}

// Policies picks a success policy per task domain.
type Policies struct {
	Default  SuccessPolicy
	ByDomain map[string]SuccessPolicy
}

// NewPolicies builds Policies from the job's success block.
func NewPolicies(cfg models.SuccessConfig) (*Policies, error) {
	def, err := ParsePolicy(cfg.Default)
	if err != nil {
		return nil, err
	}
	p := &Policies{Default: def, ByDomain: make(map[string]SuccessPolicy, len(cfg.Domains))}
	for domain, name := range cfg.Domains {
		pol, err := ParsePolicy(name)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", domain, err)
		}
		p.ByDomain[domain] = pol
	}
	return p, nil
}

// For returns the policy for domain.
func (p *Policies) For(domain string) SuccessPolicy {
	if p == nil {
		return RewardOrEnv
	}
	if pol, ok := p.ByDomain[domain]; ok {
		return pol
	}
	if p.Default == nil {
		return RewardOrEnv
	}
	return p.Default
}
