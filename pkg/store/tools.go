package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var allowedPropertyTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// ValidateInputSchema checks the JSON Schema subset accepted for tool and
// workflow inputs: an object schema with a properties map whose entries use
// scalar types.
func ValidateInputSchema(schema JSONMap) error {
	if schema == nil {
		return nil
	}
	if t, _ := schema["type"].(string); t != "object" {
		return validationErr("input_schema", `"type" must be "object"`)
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return validationErr("input_schema", `"properties" must be an object`)
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			return validationErr("input_schema", "property %q must be an object", name)
		}
		if t, _ := prop["type"].(string); !allowedPropertyTypes[t] {
			return validationErr("input_schema", "property %q has unsupported type %q", name, prop["type"])
		}
	}
	if required, present := schema["required"]; present {
		list, ok := required.([]interface{})
		if !ok {
			return validationErr("input_schema", `"required" must be an array of names`)
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return validationErr("input_schema", `"required" entries must be strings`)
			}
			if _, exists := props[name]; !exists {
				return validationErr("input_schema", "required property %q is not declared", name)
			}
		}
	}
	return nil
}

// CreateTool persists a new tool descriptor and returns its id.
func (s *Store) CreateTool(ctx context.Context, t *Tool) (int64, error) {
	if t.Name == "" {
		return 0, validationErr("tool", "name is required")
	}
	switch t.Kind {
	case ToolInProcess:
		if t.Handler == "" {
			return 0, validationErr("tool", "handler symbol is required for in-process tools")
		}
	case ToolExternal:
		if t.Endpoint == "" {
			return 0, validationErr("tool", "endpoint is required for external tools")
		}
	default:
		return 0, validationErr("tool", "unsupported kind %q", t.Kind)
	}
	if err := ValidateInputSchema(t.InputSchema); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	id, err := s.insert(ctx, `INSERT INTO tools
		(name, kind, description, input_schema, handler, endpoint, config, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Kind, t.Description, t.InputSchema, t.Handler, t.Endpoint,
		t.Config, t.Active, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

const toolColumns = `id, name, kind, description, input_schema, handler, endpoint, config, active, created_at, updated_at`

func scanTool(row interface{ Scan(...interface{}) error }) (*Tool, error) {
	var t Tool
	var description, handler, endpoint sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &description, &t.InputSchema,
		&handler, &endpoint, &t.Config, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Handler = handler.String
	t.Endpoint = endpoint.String
	return &t, nil
}

// GetTool returns the tool with the given id.
func (s *Store) GetTool(ctx context.Context, id int64) (*Tool, error) {
	row := s.queryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = ?`, id)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("tool", id)
	}
	return t, err
}

// GetToolByName returns the tool with the given unique name.
func (s *Store) GetToolByName(ctx context.Context, name string) (*Tool, error) {
	row := s.queryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE name = ?`, name)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTools returns all tools, optionally filtered to active ones.
func (s *Store) ListTools(ctx context.Context, activeOnly bool) ([]*Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`
	if activeOnly {
		query += ` WHERE active = ?`
	}
	query += ` ORDER BY id`

	var rows *sql.Rows
	var err error
	if activeOnly {
		rows, err = s.query(ctx, query, true)
	} else {
		rows, err = s.query(ctx, query)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// UpdateTool rewrites the mutable fields of a tool.
func (s *Store) UpdateTool(ctx context.Context, t *Tool) error {
	if err := ValidateInputSchema(t.InputSchema); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE tools SET
		name = ?, kind = ?, description = ?, input_schema = ?, handler = ?,
		endpoint = ?, config = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Kind, t.Description, t.InputSchema, t.Handler,
		t.Endpoint, t.Config, t.Active, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "tool", t.ID)
}

// SetToolActive flips the soft-deactivation flag.
func (s *Store) SetToolActive(ctx context.Context, id int64, active bool) error {
	res, err := s.exec(ctx, `UPDATE tools SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "tool", id)
}

// DeleteTool removes a tool unless an agent bound to an active workflow
// still references it.
func (s *Store) DeleteTool(ctx context.Context, id int64) error {
	var refs int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM agent_tools at
		JOIN workflow_steps ws ON ws.agent_id = at.agent_id
		JOIN workflows w ON w.id = ws.workflow_id
		WHERE at.tool_id = ? AND w.active = ?`, id, true).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return validationErr("tool", "cannot delete: referenced by %d active workflow binding(s)", refs)
	}

	if _, err := s.exec(ctx, `DELETE FROM agent_tools WHERE tool_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "tool", id)
}
