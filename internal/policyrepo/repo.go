// Package policyrepo fronts the
// durable store with CRUD operations, and after every mutation recompiles
// the policy evaluator's tables and swaps them in atomically.
package policyrepo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mcpgov/policy-gateway/internal/apierr"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/store"
)

// RejectedPolicy records a policy that failed compilation and was left out
// of the active tables.
type RejectedPolicy struct {
	PolicyID string
	Err      error
}

// Repo wraps store.PolicyDAO and keeps an Evaluator's CompiledTables in
// sync with every mutation. All writes go through a single mutex so two
// concurrent mutations can't race a stale read between List and Compile.
type Repo struct {
	dao  store.PolicyDAO
	eval *policyeval.Evaluator

	mu      sync.Mutex
	version atomic.Int64

	lastRejected atomic.Pointer[[]RejectedPolicy]
}

// New builds a Repo and performs an initial compile from whatever is
// already in the store, so the evaluator is never left with empty tables
// after a restart.
func New(ctx context.Context, dao store.PolicyDAO, eval *policyeval.Evaluator) (*Repo, error) {
	r := &Repo{dao: dao, eval: eval}
	if err := r.recompile(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// List returns policies matching filter, unmodified by evaluator state.
func (r *Repo) List(ctx context.Context, filter policymodel.Filter) ([]policymodel.Policy, error) {
	policies, err := r.dao.ListPolicies(ctx, filter)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "listing policies", err)
	}
	return policies, nil
}

// Get returns a single policy, or apierr.ResourceNotFound if absent.
func (r *Repo) Get(ctx context.Context, id string) (*policymodel.Policy, error) {
	p, err := r.dao.GetPolicy(ctx, id)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "getting policy", err)
	}
	if p == nil {
		return nil, apierr.New(apierr.ResourceNotFound, fmt.Sprintf("policy %s not found", id))
	}
	return p, nil
}

// Create assigns a PolicyID if absent, validates, persists, and
// recompiles the evaluator tables before returning.
func (r *Repo) Create(ctx context.Context, p policymodel.Policy) (policymodel.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.PolicyID == "" {
		p.PolicyID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = policymodel.StatusDraft
	}
	if err := policymodel.ValidatePolicy(&p); err != nil {
		return policymodel.Policy{}, apierr.New(apierr.PolicyInvalid, err.Error())
	}

	created, err := r.dao.CreatePolicy(ctx, p)
	if err != nil {
		return policymodel.Policy{}, apierr.Wrap(apierr.StoreError, "creating policy", err)
	}
	if err := r.recompile(ctx); err != nil {
		return policymodel.Policy{}, err
	}
	return created, nil
}

// Update validates and persists p, then recompiles. A policy that fails
// validation is rejected before it ever reaches the store, so the
// previously compiled tables remain in force.
func (r *Repo) Update(ctx context.Context, p policymodel.Policy) (policymodel.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := policymodel.ValidatePolicy(&p); err != nil {
		return policymodel.Policy{}, apierr.New(apierr.PolicyInvalid, err.Error())
	}

	updated, err := r.dao.UpdatePolicy(ctx, p)
	if err != nil {
		return policymodel.Policy{}, apierr.Wrap(apierr.StoreError, "updating policy", err)
	}
	if err := r.recompile(ctx); err != nil {
		return policymodel.Policy{}, err
	}
	return updated, nil
}

// Delete removes a policy and recompiles.
func (r *Repo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dao.DeletePolicy(ctx, id); err != nil {
		return apierr.Wrap(apierr.StoreError, "deleting policy", err)
	}
	return r.recompile(ctx)
}

// SetStatus transitions a policy's lifecycle state
// and recompiles, since an activation or suspension changes which rules
// the evaluator considers.
func (r *Repo) SetStatus(ctx context.Context, id string, status policymodel.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dao.SetPolicyStatus(ctx, id, status); err != nil {
		return apierr.Wrap(apierr.StoreError, "setting policy status", err)
	}
	return r.recompile(ctx)
}

// BindResource attaches a resource binding to an existing policy and
// recompiles.
func (r *Repo) BindResource(ctx context.Context, policyID string, binding policymodel.ResourceBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dao.BindResource(ctx, policyID, binding); err != nil {
		return apierr.Wrap(apierr.StoreError, "binding resource", err)
	}
	return r.recompile(ctx)
}

// UnbindResource detaches a resource binding and recompiles.
func (r *Repo) UnbindResource(ctx context.Context, policyID string, resourceType policymodel.ResourceType, resourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.dao.UnbindResource(ctx, policyID, resourceType, resourceID); err != nil {
		return apierr.Wrap(apierr.StoreError, "unbinding resource", err)
	}
	return r.recompile(ctx)
}

// PoliciesForResource is a read passthrough to the store, returning the
// policies bound to the resource plus every unbound (global) policy; it
// does not drive the evaluator, which works off the already-compiled
// tables instead.
func (r *Repo) PoliciesForResource(ctx context.Context, resourceType policymodel.ResourceType, resourceID string) ([]policymodel.Policy, error) {
	policies, err := r.dao.PoliciesForResource(ctx, resourceType, resourceID, true, true)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "listing policies for resource", err)
	}
	return policies, nil
}

// Rejected returns the policies that failed compilation on the most
// recent recompile.
func (r *Repo) Rejected() []RejectedPolicy {
	p := r.lastRejected.Load()
	if p == nil {
		return nil
	}
	return *p
}

// recompile reloads every policy from the store, rebuilds CompiledTables,
// and swaps it into the evaluator. Must be called with mu held.
func (r *Repo) recompile(ctx context.Context) error {
	policies, err := r.dao.ListPolicies(ctx, policymodel.Filter{})
	if err != nil {
		return apierr.Wrap(apierr.StoreError, "reloading policies for compile", err)
	}

	var rejected []RejectedPolicy
	version := int(r.version.Add(1))
	tables := policyeval.Compile(policies, version, func(policyID string, err error) {
		log.Logf("policy %s rejected at compile: %v", policyID, err)
		rejected = append(rejected, RejectedPolicy{PolicyID: policyID, Err: err})
	})

	r.lastRejected.Store(&rejected)
	r.eval.Swap(tables)
	return nil
}
