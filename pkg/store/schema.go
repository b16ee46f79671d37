package store

import (
	"context"
	"fmt"
	"strings"
)

// initSchema creates all tables and indexes if they do not exist.
func (s *Store) initSchema(ctx context.Context) error {
	var pk, ts string
	switch s.dialect {
	case DialectPostgres:
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	case DialectMySQL:
		pk = "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
		ts = "DATETIME(3)"
	default:
		pk = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "TIMESTAMP"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id %s,
			name VARCHAR(255) NOT NULL UNIQUE,
			description TEXT,
			provider VARCHAR(64) NOT NULL,
			model VARCHAR(255),
			system_prompt TEXT,
			temperature REAL NOT NULL DEFAULT 1.0,
			max_tokens INTEGER NOT NULL DEFAULT 4096,
			config TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tools (
			id %s,
			name VARCHAR(255) NOT NULL UNIQUE,
			kind VARCHAR(32) NOT NULL,
			description TEXT,
			input_schema TEXT,
			handler VARCHAR(255),
			endpoint TEXT,
			config TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_tools (
			id %s,
			agent_id BIGINT NOT NULL,
			tool_id BIGINT NOT NULL,
			config TEXT
		)`, pk),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_tools_pair ON agent_tools(agent_id, tool_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflows (
			id %s,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			trigger_kind VARCHAR(32) NOT NULL,
			trigger_config TEXT,
			execution_mode VARCHAR(16) NOT NULL,
			input_schema TEXT,
			interface_kind VARCHAR(16) NOT NULL,
			public BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_steps (
			id %s,
			workflow_id BIGINT NOT NULL,
			step_order INTEGER NOT NULL,
			kind VARCHAR(32) NOT NULL,
			agent_id BIGINT,
			name VARCHAR(255),
			input_mapping TEXT,
			output_variable VARCHAR(255),
			condition_expr TEXT,
			depends_on TEXT,
			approval_config TEXT,
			retry_config TEXT,
			timeout_seconds INTEGER NOT NULL DEFAULT 300
		)`, pk),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_steps_order ON workflow_steps(workflow_id, step_order)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_executions (
			id %s,
			workflow_id BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			trigger_data TEXT,
			context_data TEXT,
			started_at %s,
			completed_at %s,
			error_message TEXT,
			created_at %s NOT NULL
		)`, pk, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow ON workflow_executions(workflow_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_executions (
			id %s,
			agent_id BIGINT NOT NULL,
			workflow_execution_id BIGINT,
			workflow_step_id BIGINT,
			status VARCHAR(32) NOT NULL,
			input TEXT,
			output TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			execution_time_ms BIGINT NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at %s,
			completed_at %s
		)`, pk, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_agent_executions_execution ON agent_executions(workflow_execution_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS approval_requests (
			id %s,
			workflow_execution_id BIGINT NOT NULL,
			workflow_step_id BIGINT NOT NULL,
			status VARCHAR(32) NOT NULL,
			required_role VARCHAR(255),
			resolved_by VARCHAR(255),
			resolved_at %s,
			comments TEXT,
			timeout_at %s NOT NULL,
			requested_at %s NOT NULL
		)`, pk, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_requests_execution ON approval_requests(workflow_execution_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id %s,
			workflow_id BIGINT NOT NULL,
			cron_expression VARCHAR(255) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_run_at %s,
			next_run_at %s NOT NULL,
			trigger_data TEXT
		)`, pk, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_workflow_schedules_due ON workflow_schedules(enabled, next_run_at)`,
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; the clause is stripped and
	// duplicate-index errors are ignored there.
	for _, stmt := range statements {
		idx := isIndexStatement(stmt)
		if s.dialect == DialectMySQL && idx {
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == DialectMySQL && idx && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

func isIndexStatement(stmt string) bool {
	return strings.HasPrefix(stmt, "CREATE INDEX") || strings.HasPrefix(stmt, "CREATE UNIQUE INDEX")
}
