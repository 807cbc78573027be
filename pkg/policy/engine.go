package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/distforge/distforge/pkg/engine"
	"github.com/distforge/distforge/pkg/telemetry"
)

// Gate evaluates release policies against publish requests. It carries
// the builtin policy plus any loaded custom rule sets; one deny from
// any of them blocks the publication.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy

	log        *telemetry.Logger
	minAgeDays int

	// now stubs time for age computation in tests.
	now func() time.Time
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGate creates a gate with the builtin policy compiled. minAgeDays
// is the configured testing age for stable publication.
func NewGate(minAgeDays int, log *telemetry.Logger) (*Gate, error) {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	g := &Gate{
		policies:   make(map[string]*compiledPolicy),
		log:        log.NewComponentLogger("policy"),
		minAgeDays: minAgeDays,
		now:        time.Now,
	}

	builtin := BuiltinPolicy()
	if err := g.compile(context.Background(), &builtin); err != nil {
		return nil, fmt.Errorf("failed to compile builtin policy: %w", err)
	}
	return g, nil
}

// LoadPolicies compiles every policy file found under paths and adds
// it to the gate. A loaded policy with the builtin's name replaces it.
func (g *Gate) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(g.log)
	policies, err := loader.LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := g.compile(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	if len(policies) > 0 {
		g.log.Infof("loaded %d custom release policy(ies)", len(policies))
	}
	return nil
}

// Policies returns every compiled policy, sorted by name.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// AllowPublish implements the scheduler's publish gate. A nil return
// allows the publication; a denial carries every violated rule.
func (g *Gate) AllowPublish(ctx context.Context, req engine.PublishRequest) error {
	input := Input{
		Component:          req.Component,
		Distribution:       req.Distribution,
		PackageSet:         req.PackageSet,
		Repository:         req.Repository,
		HasSignedArtifacts: req.HasSignedArtifacts,
		MinAgeDays:         g.minAgeDays,
	}
	if !req.SignedAt.IsZero() {
		input.SignedAt = req.SignedAt.UTC().Format(time.RFC3339)
		input.AgeDays = g.now().Sub(req.SignedAt).Hours() / 24
	}

	decision, err := g.Evaluate(ctx, input)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &DenialError{Repository: req.Repository, Violations: decision.Violations}
	}
	return nil
}

// Evaluate runs every policy's deny query against input.
func (g *Gate) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	decision := &Decision{Allowed: true, EvaluatedAt: g.now()}
	for _, cp := range g.policies {
		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		decision.Violations = append(decision.Violations, violations...)
	}
	if len(decision.Violations) > 0 {
		decision.Allowed = false
		sort.Slice(decision.Violations, func(i, j int) bool {
			a, b := decision.Violations[i], decision.Violations[j]
			if a.Policy != b.Policy {
				return a.Policy < b.Policy
			}
			return a.Message < b.Message
		})
	}
	return decision, nil
}

// compile prepares a policy's deny query and stores it.
func (g *Gate) compile(ctx context.Context, policy *Policy) error {
	packageName := extractPackageName(policy.Rego)
	if packageName == "" {
		return fmt.Errorf("policy %s declares no package", policy.Name)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", packageName)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	g.mu.Lock()
	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}
	g.mu.Unlock()

	g.log.WithField("policy", policy.Name).Debug("policy compiled")
	return nil
}

// evaluatePolicy runs one prepared deny query. Deny members may be
// plain strings or objects carrying a message field.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, deny := range denies {
				violations = append(violations, Violation{
					Policy:  cp.policy.Name,
					Message: denyMessage(deny),
				})
			}
		}
	}
	return violations, nil
}

func denyMessage(deny interface{}) string {
	switch v := deny.(type) {
	case string:
		return v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprintf("%v", deny)
}

// extractPackageName reads the package declaration from Rego source.
func extractPackageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}
