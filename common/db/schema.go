package db

// schemaStatements is the controller schema, applied in order at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id     BIGSERIAL PRIMARY KEY,
		username    TEXT NOT NULL UNIQUE,
		role        TEXT NOT NULL DEFAULT 'viewer',
		email       TEXT NOT NULL DEFAULT '',
		full_name   TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS agents (
		agent_name     TEXT PRIMARY KEY,
		host           TEXT NOT NULL,
		port           INTEGER NOT NULL,
		tls_enabled    BOOLEAN NOT NULL DEFAULT true,
		environment    TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (host, port)
	)`,

	`CREATE TABLE IF NOT EXISTS user_agent_access (
		id          BIGSERIAL PRIMARY KEY,
		user_id     BIGINT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		environment TEXT NOT NULL,
		granted_by  TEXT NOT NULL DEFAULT '',
		granted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, environment)
	)`,

	`CREATE TABLE IF NOT EXISTS workflows (
		workflow_id              TEXT PRIMARY KEY,
		script_id                TEXT NOT NULL,
		targets                  JSONB NOT NULL DEFAULT '[]',
		requestor                TEXT NOT NULL,
		requestor_email          TEXT NOT NULL DEFAULT '',
		reason                   TEXT NOT NULL DEFAULT '',
		required_approval_levels INTEGER NOT NULL DEFAULT 1,
		notify_email             TEXT NOT NULL DEFAULT '',
		ttl_minutes              INTEGER NOT NULL DEFAULT 60,
		script_params            JSONB NOT NULL DEFAULT '{}',
		status                   TEXT NOT NULL DEFAULT 'pending',
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at               TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS workflow_approvals (
		id          BIGSERIAL PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
		approver    TEXT NOT NULL,
		level       INTEGER NOT NULL,
		approved_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (workflow_id, approver)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id          BIGSERIAL PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
		action      TEXT NOT NULL,
		username    TEXT NOT NULL DEFAULT '',
		note        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_workflow ON audit_log (workflow_id, ts)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		id         BIGSERIAL PRIMARY KEY,
		value      TEXT NOT NULL UNIQUE,
		role       TEXT NOT NULL,
		token_name TEXT NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS execution_tokens (
		token       TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
		expires_at  TIMESTAMPTZ NOT NULL,
		used        BOOLEAN NOT NULL DEFAULT false,
		used_by     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS execution_approval_requests (
		request_id      TEXT PRIMARY KEY,
		workflow_id     TEXT NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
		requester       TEXT NOT NULL,
		requester_email TEXT NOT NULL DEFAULT '',
		note            TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS report_scripts (
		script_id   TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		script_path TEXT NOT NULL,
		category    TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		timeout_s   INTEGER NOT NULL DEFAULT 300,
		parameters  JSONB NOT NULL DEFAULT '[]',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS report_runs (
		run_id       TEXT PRIMARY KEY,
		script_id    TEXT NOT NULL,
		target_agent TEXT NOT NULL,
		parameters   JSONB NOT NULL DEFAULT '{}',
		status       TEXT NOT NULL DEFAULT 'pending',
		started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ,
		exit_code    INTEGER,
		run_by       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_report_runs_started ON report_runs (started_at DESC)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id  TEXT PRIMARY KEY,
		username    TEXT NOT NULL,
		domain      TEXT NOT NULL DEFAULT '',
		auth_method TEXT NOT NULL DEFAULT '',
		cert_dn     TEXT NOT NULL DEFAULT '',
		ip          TEXT NOT NULL DEFAULT '',
		user_agent  TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at  TIMESTAMPTZ NOT NULL
	)`,
}
