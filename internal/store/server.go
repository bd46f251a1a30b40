package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

// ServerDAO is the persistence surface for ServerDescriptor.
type ServerDAO interface {
	ListServers(ctx context.Context) ([]servermodel.ServerDescriptor, error)
	GetServer(ctx context.Context, name string) (*servermodel.ServerDescriptor, error)
	CreateServer(ctx context.Context, s servermodel.ServerDescriptor) error
	UpdateServer(ctx context.Context, s servermodel.ServerDescriptor) error
	DeleteServer(ctx context.Context, name string) error
}

type serverRow struct {
	Name         string         `db:"name"`
	URL          string         `db:"url"`
	Transport    string         `db:"transport"`
	Enabled      bool           `db:"enabled"`
	Description  string         `db:"description"`
	Tags         string         `db:"tags"`
	TimeoutMS    int            `db:"timeout_ms"`
	Auth         sql.NullString `db:"auth"`
	Metadata     string         `db:"metadata"`
	StdioCommand string         `db:"stdio_command"`
	StdioArgs    string         `db:"stdio_args"`
	StdioEnv     string         `db:"stdio_env"`
}

func (row serverRow) toModel() (servermodel.ServerDescriptor, error) {
	s := servermodel.ServerDescriptor{
		Name:         row.Name,
		URL:          row.URL,
		Transport:    servermodel.Transport(row.Transport),
		Enabled:      row.Enabled,
		Description:  row.Description,
		TimeoutMS:    row.TimeoutMS,
		StdioCommand: row.StdioCommand,
	}
	if err := json.Unmarshal([]byte(row.Tags), &s.Tags); err != nil {
		return s, fmt.Errorf("decoding tags for server %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.Metadata), &s.Metadata); err != nil {
		return s, fmt.Errorf("decoding metadata for server %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.StdioArgs), &s.StdioArgs); err != nil {
		return s, fmt.Errorf("decoding stdio_args for server %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.StdioEnv), &s.StdioEnv); err != nil {
		return s, fmt.Errorf("decoding stdio_env for server %s: %w", row.Name, err)
	}
	if row.Auth.Valid && row.Auth.String != "" {
		var auth servermodel.Auth
		if err := json.Unmarshal([]byte(row.Auth.String), &auth); err != nil {
			return s, fmt.Errorf("decoding auth for server %s: %w", row.Name, err)
		}
		s.Auth = &auth
	}
	return s, nil
}

func toServerRow(s servermodel.ServerDescriptor) (serverRow, error) {
	tags, err := json.Marshal(nonNilStrings(s.Tags))
	if err != nil {
		return serverRow{}, err
	}
	metadata, err := json.Marshal(nonNilMap(s.Metadata))
	if err != nil {
		return serverRow{}, err
	}
	stdioArgs, err := json.Marshal(nonNilStrings(s.StdioArgs))
	if err != nil {
		return serverRow{}, err
	}
	stdioEnv, err := json.Marshal(nonNilStrings(s.StdioEnv))
	if err != nil {
		return serverRow{}, err
	}

	row := serverRow{
		Name:         s.Name,
		URL:          s.URL,
		Transport:    string(s.Transport),
		Enabled:      s.Enabled,
		Description:  s.Description,
		Tags:         string(tags),
		TimeoutMS:    s.TimeoutMS,
		Metadata:     string(metadata),
		StdioCommand: s.StdioCommand,
		StdioArgs:    string(stdioArgs),
		StdioEnv:     string(stdioEnv),
	}
	if s.Auth != nil {
		authJSON, err := json.Marshal(s.Auth)
		if err != nil {
			return serverRow{}, err
		}
		row.Auth = sql.NullString{String: string(authJSON), Valid: true}
	}
	return row, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (d *dao) ListServers(ctx context.Context) ([]servermodel.ServerDescriptor, error) {
	var rows []serverRow
	if err := d.db.SelectContext(ctx, &rows, `SELECT name, url, transport, enabled, description, tags, timeout_ms, auth, metadata, stdio_command, stdio_args, stdio_env FROM mcp_server ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	out := make([]servermodel.ServerDescriptor, 0, len(rows))
	for _, row := range rows {
		s, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *dao) GetServer(ctx context.Context, name string) (*servermodel.ServerDescriptor, error) {
	var row serverRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(
		`SELECT name, url, transport, enabled, description, tags, timeout_ms, auth, metadata, stdio_command, stdio_args, stdio_env FROM mcp_server WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting server %s: %w", name, err)
	}
	s, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *dao) CreateServer(ctx context.Context, s servermodel.ServerDescriptor) error {
	row, err := toServerRow(s)
	if err != nil {
		return fmt.Errorf("encoding server %s: %w", s.Name, err)
	}
	_, err = d.db.NamedExecContext(ctx, `
		INSERT INTO mcp_server (name, url, transport, enabled, description, tags, timeout_ms, auth, metadata, stdio_command, stdio_args, stdio_env)
		VALUES (:name, :url, :transport, :enabled, :description, :tags, :timeout_ms, :auth, :metadata, :stdio_command, :stdio_args, :stdio_env)`, row)
	if err != nil {
		return fmt.Errorf("inserting server %s: %w", s.Name, err)
	}
	return nil
}

func (d *dao) UpdateServer(ctx context.Context, s servermodel.ServerDescriptor) error {
	row, err := toServerRow(s)
	if err != nil {
		return fmt.Errorf("encoding server %s: %w", s.Name, err)
	}
	res, err := d.db.NamedExecContext(ctx, `
		UPDATE mcp_server SET url = :url, transport = :transport, enabled = :enabled, description = :description,
			tags = :tags, timeout_ms = :timeout_ms, auth = :auth, metadata = :metadata,
			stdio_command = :stdio_command, stdio_args = :stdio_args, stdio_env = :stdio_env
		WHERE name = :name`, row)
	if err != nil {
		return fmt.Errorf("updating server %s: %w", s.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s not found", s.Name)
	}
	return nil
}

func (d *dao) DeleteServer(ctx context.Context, name string) (err error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer txClose(tx, &err)

	// Removing a server removes it from any group transactionally.
	groups, err := listGroupsTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !containsString(g.MemberNames, name) {
			continue
		}
		g.MemberNames = removeString(g.MemberNames, name)
		delete(g.ToolConfig, name)
		if err = updateGroupTx(ctx, tx, g); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM mcp_server WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("deleting server %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("server %s not found", name)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing server delete: %w", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
