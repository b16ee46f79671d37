package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateAgent persists a new agent and returns its id.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) (int64, error) {
	if a.Name == "" {
		return 0, validationErr("agent", "name is required")
	}
	if a.Provider == "" {
		return 0, validationErr("agent", "provider is required")
	}
	if a.Temperature < 0 || a.Temperature > 2 {
		return 0, validationErr("agent", "temperature must be within [0.0, 2.0]")
	}
	if a.MaxTokens < 1 {
		return 0, validationErr("agent", "max_tokens must be at least 1")
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	id, err := s.insert(ctx, `INSERT INTO agents
		(name, description, provider, model, system_prompt, temperature, max_tokens, config, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Description, a.Provider, a.Model, a.SystemPrompt,
		a.Temperature, a.MaxTokens, a.Config, a.Active, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return 0, err
	}
	a.ID = id
	return id, nil
}

const agentColumns = `id, name, description, provider, model, system_prompt, temperature, max_tokens, config, active, created_at, updated_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	var description, model, systemPrompt sql.NullString
	err := row.Scan(&a.ID, &a.Name, &description, &a.Provider, &model, &systemPrompt,
		&a.Temperature, &a.MaxTokens, &a.Config, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Model = model.String
	a.SystemPrompt = systemPrompt.String
	return &a, nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr("agent", id)
	}
	return a, err
}

// GetAgentByName returns the agent with the given unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns all agents, optionally filtered to active ones.
func (s *Store) ListAgents(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
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

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites the mutable fields of an agent.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE agents SET
		name = ?, description = ?, provider = ?, model = ?, system_prompt = ?,
		temperature = ?, max_tokens = ?, config = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Description, a.Provider, a.Model, a.SystemPrompt,
		a.Temperature, a.MaxTokens, a.Config, a.Active, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", a.ID)
}

// SetAgentActive flips the soft-deactivation flag. Deactivation is always
// permitted; referenced agents cannot be hard-deleted.
func (s *Store) SetAgentActive(ctx context.Context, id int64, active bool) error {
	res, err := s.exec(ctx, `UPDATE agents SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}

// DeleteAgent removes an agent unless an active workflow step references it.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	var refs int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM workflow_steps ws
		JOIN workflows w ON w.id = ws.workflow_id
		WHERE ws.agent_id = ? AND w.active = ?`, id, true).Scan(&refs)
	if err != nil {
		return err
	}
	if refs > 0 {
		return validationErr("agent", "cannot delete: referenced by %d active workflow step(s)", refs)
	}

	if _, err := s.exec(ctx, `DELETE FROM agent_tools WHERE agent_id = ?`, id); err != nil {
		return err
	}
	res, err := s.exec(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "agent", id)
}

// BindTool associates a tool with an agent.
func (s *Store) BindTool(ctx context.Context, agentID, toolID int64, cfg JSONMap) (int64, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return 0, err
	}
	if _, err := s.GetTool(ctx, toolID); err != nil {
		return 0, err
	}
	return s.insert(ctx, `INSERT INTO agent_tools (agent_id, tool_id, config) VALUES (?, ?, ?)`,
		agentID, toolID, cfg)
}

// UnbindTool removes an agent/tool association.
func (s *Store) UnbindTool(ctx context.Context, agentID, toolID int64) error {
	res, err := s.exec(ctx, `DELETE FROM agent_tools WHERE agent_id = ? AND tool_id = ?`, agentID, toolID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ToolsForAgent returns the tools visible to an agent: bound via agent_tools
// with both the agent and the tool active.
func (s *Store) ToolsForAgent(ctx context.Context, agentID int64) ([]*Tool, error) {
	rows, err := s.query(ctx, `SELECT t.id, t.name, t.kind, t.description, t.input_schema,
			t.handler, t.endpoint, t.config, t.active, t.created_at, t.updated_at
		FROM tools t
		JOIN agent_tools at ON at.tool_id = t.id
		JOIN agents a ON a.id = at.agent_id
		WHERE at.agent_id = ? AND t.active = ? AND a.active = ?
		ORDER BY t.id`, agentID, true, true)
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

func requireRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFoundErr(entity, id)
	}
	return nil
}
