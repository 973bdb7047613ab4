package statestore

// schemaStatements creates every table the kernel persists state in. Each
// statement is idempotent (CREATE TABLE IF NOT EXISTS); columns added after
// the initial release go through ensureColumn instead of a statement here.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processes (
		pid INTEGER PRIMARY KEY,
		uid TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		agent_phase TEXT NOT NULL DEFAULT 'idle',
		exit_code INTEGER,
		created_at DATETIME NOT NULL,
		exited_at DATETIME,
		env TEXT NOT NULL DEFAULT '{}',
		tty_id TEXT,
		vnc_ws_url TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_uid ON processes(uid)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state)`,

	`CREATE TABLE IF NOT EXISTS agent_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		step INTEGER NOT NULL,
		phase TEXT NOT NULL,
		tool TEXT,
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (pid) REFERENCES processes(pid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_log_pid ON agent_log(pid)`,

	`CREATE TABLE IF NOT EXISTS file_metadata (
		path TEXT PRIMARY KEY,
		owner_uid TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		modified_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_file_metadata_owner ON file_metadata(owner_uid)`,

	`CREATE TABLE IF NOT EXISTS kernel_metrics (
		timestamp DATETIME NOT NULL,
		process_count INTEGER NOT NULL,
		cpu_percent REAL NOT NULL,
		memory_mb REAL NOT NULL,
		container_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_kernel_metrics_ts ON kernel_metrics(timestamp)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		tarball_path TEXT NOT NULL DEFAULT '',
		process_info TEXT NOT NULL DEFAULT '{}',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (pid) REFERENCES processes(pid)
	)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at DATETIME NOT NULL,
		last_login DATETIME,
		mfa_secret TEXT,
		mfa_enabled INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		agent_uid TEXT NOT NULL,
		layer TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_accessed DATETIME NOT NULL,
		expires_at DATETIME,
		source_pid INTEGER,
		related TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memories_agent_layer ON memories(agent_uid, layer)`,
	`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts4(id UNINDEXED, content)`,

	`CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		agent_config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		last_run DATETIME,
		next_run DATETIME NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cron_jobs_due ON cron_jobs(enabled, next_run)`,

	`CREATE TABLE IF NOT EXISTS event_triggers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_filter TEXT,
		agent_config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		last_fired DATETIME,
		fire_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_triggers_type ON event_triggers(event_type, enabled)`,

	`CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		tree TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_plans_pid ON plans(pid)`,

	`CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		rating INTEGER NOT NULL DEFAULT 0,
		comment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT,
		events TEXT NOT NULL DEFAULT '[]',
		filters TEXT NOT NULL DEFAULT '{}',
		headers TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		retry_count INTEGER NOT NULL DEFAULT 3,
		timeout_ms INTEGER NOT NULL DEFAULT 5000,
		failure_count INTEGER NOT NULL DEFAULT 0,
		owner_uid TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		webhook_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		status_code INTEGER,
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (webhook_id) REFERENCES webhooks(id)
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_dlq (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (webhook_id) REFERENCES webhooks(id)
	)`,

	`CREATE TABLE IF NOT EXISTS inbound_webhooks (
		token TEXT PRIMARY KEY,
		agent_config TEXT NOT NULL DEFAULT '{}',
		transform TEXT,
		owner_uid TEXT NOT NULL DEFAULT '',
		last_triggered DATETIME,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (org_id) REFERENCES organizations(id) ON DELETE CASCADE,
		UNIQUE(org_id, name)
	)`,

	`CREATE TABLE IF NOT EXISTS members (
		org_id TEXT NOT NULL,
		team_id TEXT,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (org_id) REFERENCES organizations(id) ON DELETE CASCADE,
		FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE,
		UNIQUE(org_id, team_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		actor_pid INTEGER,
		actor_uid TEXT,
		action TEXT NOT NULL,
		target TEXT,
		args_sanitized TEXT,
		result_hash TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(timestamp)`,

	`CREATE TABLE IF NOT EXISTS permission_policies (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		effect TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		created_by TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policies_subject_action ON permission_policies(subject, action)`,

	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
}

// columnMigrations lists columns added after the initial schema. Each is
// applied with ensureColumn so existing databases upgrade in place.
type columnMigration struct {
	table      string
	column     string
	definition string
}

var columnMigrations = []columnMigration{
	{"processes", "agent_phase", "TEXT NOT NULL DEFAULT 'idle'"},
}
