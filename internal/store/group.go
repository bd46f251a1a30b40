package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

// GroupDAO is the persistence surface for ServerGroup.
type GroupDAO interface {
	ListGroups(ctx context.Context) ([]servermodel.ServerGroup, error)
	GetGroup(ctx context.Context, id string) (*servermodel.ServerGroup, error)
	CreateGroup(ctx context.Context, g servermodel.ServerGroup) error
	UpdateGroup(ctx context.Context, g servermodel.ServerGroup) error
	DeleteGroup(ctx context.Context, id string) error
}

type groupRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	MemberNames string `db:"member_names"`
	ToolConfig  string `db:"tool_config"`
	GatewayPath string `db:"gateway_path"`
	Enabled     bool   `db:"enabled"`
}

func (row groupRow) toModel() (servermodel.ServerGroup, error) {
	g := servermodel.ServerGroup{
		ID:          row.ID,
		Name:        row.Name,
		GatewayPath: row.GatewayPath,
		Enabled:     row.Enabled,
	}
	if err := json.Unmarshal([]byte(row.MemberNames), &g.MemberNames); err != nil {
		return g, fmt.Errorf("decoding member_names for group %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ToolConfig), &g.ToolConfig); err != nil {
		return g, fmt.Errorf("decoding tool_config for group %s: %w", row.ID, err)
	}
	return g, nil
}

func toGroupRow(g servermodel.ServerGroup) (groupRow, error) {
	members, err := json.Marshal(nonNilStrings(g.MemberNames))
	if err != nil {
		return groupRow{}, err
	}
	toolConfig := g.ToolConfig
	if toolConfig == nil {
		toolConfig = map[string][]string{}
	}
	toolConfigJSON, err := json.Marshal(toolConfig)
	if err != nil {
		return groupRow{}, err
	}
	return groupRow{
		ID:          g.ID,
		Name:        g.Name,
		MemberNames: string(members),
		ToolConfig:  string(toolConfigJSON),
		GatewayPath: g.GatewayPath,
		Enabled:     g.Enabled,
	}, nil
}

const groupSelectColumns = `id, name, member_names, tool_config, gateway_path, enabled`

func (d *dao) ListGroups(ctx context.Context) ([]servermodel.ServerGroup, error) {
	var rows []groupRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT `+groupSelectColumns+` FROM server_group ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	out := make([]servermodel.ServerGroup, 0, len(rows))
	for _, row := range rows {
		g, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (d *dao) GetGroup(ctx context.Context, id string) (*servermodel.ServerGroup, error) {
	var row groupRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT `+groupSelectColumns+` FROM server_group WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting group %s: %w", id, err)
	}
	g, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (d *dao) CreateGroup(ctx context.Context, g servermodel.ServerGroup) error {
	row, err := toGroupRow(g)
	if err != nil {
		return fmt.Errorf("encoding group %s: %w", g.ID, err)
	}
	_, err = d.db.NamedExecContext(ctx, `
		INSERT INTO server_group (id, name, member_names, tool_config, gateway_path, enabled)
		VALUES (:id, :name, :member_names, :tool_config, :gateway_path, :enabled)`, row)
	if err != nil {
		return fmt.Errorf("inserting group %s: %w", g.ID, err)
	}
	return nil
}

func (d *dao) UpdateGroup(ctx context.Context, g servermodel.ServerGroup) (err error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer txClose(tx, &err)

	if err = updateGroupTx(ctx, tx, g); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing group update: %w", err)
	}
	return nil
}

func (d *dao) DeleteGroup(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM server_group WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting group %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %s not found", id)
	}
	return nil
}

// listGroupsTx and updateGroupTx are shared with DeleteServer, which must
// remove a departing server from every group's membership in the same
// transaction as the server row deletion.

func listGroupsTx(ctx context.Context, tx *sqlx.Tx) ([]servermodel.ServerGroup, error) {
	var rows []groupRow
	if err := tx.SelectContext(ctx, &rows, `SELECT `+groupSelectColumns+` FROM server_group`); err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	out := make([]servermodel.ServerGroup, 0, len(rows))
	for _, row := range rows {
		g, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func updateGroupTx(ctx context.Context, tx *sqlx.Tx, g servermodel.ServerGroup) error {
	row, err := toGroupRow(g)
	if err != nil {
		return fmt.Errorf("encoding group %s: %w", g.ID, err)
	}
	_, err = tx.NamedExecContext(ctx, `
		UPDATE server_group SET name = :name, member_names = :member_names, tool_config = :tool_config,
			gateway_path = :gateway_path, enabled = :enabled
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("updating group %s: %w", g.ID, err)
	}
	return nil
}
