package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mcpgov/policy-gateway/internal/policymodel"
)

// PolicyDAO is the persistence surface for policies and their scope/resource
// bindings.
type PolicyDAO interface {
	ListPolicies(ctx context.Context, filter policymodel.Filter) ([]policymodel.Policy, error)
	GetPolicy(ctx context.Context, id string) (*policymodel.Policy, error)
	CreatePolicy(ctx context.Context, p policymodel.Policy) (policymodel.Policy, error)
	UpdatePolicy(ctx context.Context, p policymodel.Policy) (policymodel.Policy, error)
	DeletePolicy(ctx context.Context, id string) error
	SetPolicyStatus(ctx context.Context, id string, status policymodel.Status) error
	BindResource(ctx context.Context, policyID string, binding policymodel.ResourceBinding) error
	UnbindResource(ctx context.Context, policyID string, resourceType policymodel.ResourceType, resourceID string) error
	PoliciesForResource(ctx context.Context, resourceType policymodel.ResourceType, resourceID string, includeGlobal, includeScoped bool) ([]policymodel.Policy, error)
}

type policyRow struct {
	PolicyID    string         `db:"policy_id"`
	PolicyCode  sql.NullString `db:"policy_code"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	Version     int            `db:"version"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	Rules       string         `db:"rules"`
}

func (d *dao) ListPolicies(ctx context.Context, filter policymodel.Filter) ([]policymodel.Policy, error) {
	query := `SELECT DISTINCT p.policy_id, p.policy_code, p.name, p.description, p.status, p.priority, p.version, p.created_at, p.updated_at, p.rules FROM policy p`
	var joins []string
	var where []string
	var args []any

	if filter.ResourceType != "" {
		joins = append(joins, "JOIN policy_resource pr ON pr.policy_id = p.policy_id")
		where = append(where, "pr.resource_type = ? AND pr.resource_id = ?")
		args = append(args, string(filter.ResourceType), filter.ResourceID)
	}
	if filter.ScopeType != "" {
		joins = append(joins, "JOIN policy_scope ps ON ps.policy_id = p.policy_id")
		where = append(where, "ps.principal_type = ? AND ps.principal_id = ?")
		args = append(args, string(filter.ScopeType), filter.ScopeID)
	}
	if filter.Status != "" {
		where = append(where, "p.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PriorityMin != nil {
		where = append(where, "p.priority >= ?")
		args = append(args, *filter.PriorityMin)
	}
	if filter.PriorityMax != nil {
		where = append(where, "p.priority <= ?")
		args = append(args, *filter.PriorityMax)
	}
	if filter.Query != "" {
		where = append(where, "(p.name LIKE ? OR p.description LIKE ? OR p.policy_code LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like, like)
	}

	if len(joins) > 0 {
		query += " " + strings.Join(joins, " ")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.priority DESC, p.policy_id ASC"

	var rows []policyRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}

	policies := make([]policymodel.Policy, 0, len(rows))
	for _, row := range rows {
		p, err := d.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

func (d *dao) hydrate(ctx context.Context, row policyRow) (policymodel.Policy, error) {
	p := policymodel.Policy{
		PolicyID:    row.PolicyID,
		PolicyCode:  row.PolicyCode.String,
		Name:        row.Name,
		Description: row.Description,
		Status:      policymodel.Status(row.Status),
		Priority:    row.Priority,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.Rules), &p.Rules); err != nil {
		return p, fmt.Errorf("decoding rules for policy %s: %w", row.PolicyID, err)
	}

	if err := d.db.SelectContext(ctx, &p.Scopes, d.db.Rebind(
		`SELECT principal_type, principal_id FROM policy_scope WHERE policy_id = ? ORDER BY principal_type, principal_id`), row.PolicyID); err != nil {
		return p, fmt.Errorf("loading scopes for policy %s: %w", row.PolicyID, err)
	}
	if err := d.db.SelectContext(ctx, &p.Resources, d.db.Rebind(
		`SELECT resource_type, resource_id FROM policy_resource WHERE policy_id = ? ORDER BY resource_type, resource_id`), row.PolicyID); err != nil {
		return p, fmt.Errorf("loading resources for policy %s: %w", row.PolicyID, err)
	}
	return p, nil
}

func (d *dao) GetPolicy(ctx context.Context, id string) (*policymodel.Policy, error) {
	var row policyRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(
		`SELECT policy_id, policy_code, name, description, status, priority, version, created_at, updated_at, rules FROM policy WHERE policy_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting policy %s: %w", id, err)
	}
	p, err := d.hydrate(ctx, row)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *dao) CreatePolicy(ctx context.Context, p policymodel.Policy) (result policymodel.Policy, err error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("encoding rules: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer txClose(tx, &err)

	var policyCode any
	if p.PolicyCode != "" {
		policyCode = p.PolicyCode
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO policy (policy_id, policy_code, name, description, status, priority, version, created_at, updated_at, rules)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.PolicyID, policyCode, p.Name, p.Description, string(p.Status), p.Priority, p.Version, p.CreatedAt, p.UpdatedAt, string(rulesJSON))
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("inserting policy: %w", err)
	}

	if err = insertScopesAndResources(ctx, tx, p); err != nil {
		return policymodel.Policy{}, err
	}

	if err = tx.Commit(); err != nil {
		return policymodel.Policy{}, fmt.Errorf("committing policy create: %w", err)
	}
	return p, nil
}

func (d *dao) UpdatePolicy(ctx context.Context, p policymodel.Policy) (result policymodel.Policy, err error) {
	p.UpdatedAt = time.Now().UTC()
	p.Version++

	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("encoding rules: %w", err)
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer txClose(tx, &err)

	var policyCode any
	if p.PolicyCode != "" {
		policyCode = p.PolicyCode
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE policy SET policy_code = ?, name = ?, description = ?, status = ?, priority = ?, version = ?, updated_at = ?, rules = ? WHERE policy_id = ?`),
		policyCode, p.Name, p.Description, string(p.Status), p.Priority, p.Version, p.UpdatedAt, string(rulesJSON), p.PolicyID)
	if err != nil {
		return policymodel.Policy{}, fmt.Errorf("updating policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policymodel.Policy{}, fmt.Errorf("policy %s not found", p.PolicyID)
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM policy_scope WHERE policy_id = ?`), p.PolicyID); err != nil {
		return policymodel.Policy{}, fmt.Errorf("clearing scopes: %w", err)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM policy_resource WHERE policy_id = ?`), p.PolicyID); err != nil {
		return policymodel.Policy{}, fmt.Errorf("clearing resources: %w", err)
	}
	if err = insertScopesAndResources(ctx, tx, p); err != nil {
		return policymodel.Policy{}, err
	}

	if err = tx.Commit(); err != nil {
		return policymodel.Policy{}, fmt.Errorf("committing policy update: %w", err)
	}
	return p, nil
}

func (d *dao) DeletePolicy(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM policy WHERE policy_id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting policy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s not found", id)
	}
	return nil
}

func (d *dao) SetPolicyStatus(ctx context.Context, id string, status policymodel.Status) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(
		`UPDATE policy SET status = ?, updated_at = ?, version = version + 1 WHERE policy_id = ?`),
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting status for policy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s not found", id)
	}
	return nil
}

func (d *dao) BindResource(ctx context.Context, policyID string, binding policymodel.ResourceBinding) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(
		`INSERT OR IGNORE INTO policy_resource (policy_id, resource_type, resource_id) VALUES (?, ?, ?)`),
		policyID, string(binding.ResourceType), binding.ResourceID)
	if err != nil {
		return fmt.Errorf("binding resource to policy %s: %w", policyID, err)
	}
	return d.bumpVersion(ctx, policyID)
}

func (d *dao) UnbindResource(ctx context.Context, policyID string, resourceType policymodel.ResourceType, resourceID string) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(
		`DELETE FROM policy_resource WHERE policy_id = ? AND resource_type = ? AND resource_id = ?`),
		policyID, string(resourceType), resourceID)
	if err != nil {
		return fmt.Errorf("unbinding resource from policy %s: %w", policyID, err)
	}
	return d.bumpVersion(ctx, policyID)
}

func (d *dao) bumpVersion(ctx context.Context, policyID string) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(
		`UPDATE policy SET version = version + 1, updated_at = ? WHERE policy_id = ?`), time.Now().UTC(), policyID)
	return err
}

func (d *dao) PoliciesForResource(ctx context.Context, resourceType policymodel.ResourceType, resourceID string, includeGlobal, includeScoped bool) ([]policymodel.Policy, error) {
	filter := policymodel.Filter{ResourceType: resourceType, ResourceID: resourceID}
	bound, err := d.ListPolicies(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !includeGlobal {
		return bound, nil
	}

	var globals []policyRow
	err = d.db.SelectContext(ctx, &globals, d.db.Rebind(`
		SELECT p.policy_id, p.policy_code, p.name, p.description, p.status, p.priority, p.version, p.created_at, p.updated_at, p.rules
		FROM policy p
		LEFT JOIN policy_resource pr ON pr.policy_id = p.policy_id
		WHERE pr.policy_id IS NULL
		ORDER BY p.priority DESC, p.policy_id ASC`))
	if err != nil {
		return nil, fmt.Errorf("listing global policies: %w", err)
	}
	for _, row := range globals {
		p, err := d.hydrate(ctx, row)
		if err != nil {
			return nil, err
		}
		bound = append(bound, p)
	}
	_ = includeScoped // scope matching is the evaluator's job, not the repo's
	return bound, nil
}

func insertScopesAndResources(ctx context.Context, tx *sqlx.Tx, p policymodel.Policy) error {
	for _, s := range p.Scopes {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO policy_scope (policy_id, principal_type, principal_id) VALUES (?, ?, ?)`),
			p.PolicyID, string(s.PrincipalType), s.PrincipalID); err != nil {
			return fmt.Errorf("inserting scope: %w", err)
		}
	}
	for _, r := range p.Resources {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO policy_resource (policy_id, resource_type, resource_id) VALUES (?, ?, ?)`),
			p.PolicyID, string(r.ResourceType), r.ResourceID); err != nil {
			return fmt.Errorf("inserting resource binding: %w", err)
		}
	}
	return nil
}
