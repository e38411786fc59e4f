package storage

// schema is the initial database schema. Later evolution goes through
// applyMigrations, which wraps every change in backup -> migrate ->
// row-count verify -> rollback-on-mismatch.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	repo TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN (
		'queued', 'dispatched', 'running', 'evaluating', 'retrying',
		'complete', 'pr_review', 'review_triage', 'merging', 'merged',
		'deploying', 'deployed', 'verifying', 'verified', 'verify_failed',
		'blocked', 'failed', 'cancelled')),
	session TEXT NOT NULL DEFAULT '',
	worktree TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	log_file TEXT NOT NULL DEFAULT '',
	retries INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	escalation_depth INTEGER NOT NULL DEFAULT 0,
	max_escalations INTEGER NOT NULL DEFAULT 2,
	model TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	issue_url TEXT NOT NULL DEFAULT '',
	diagnostic_of TEXT NOT NULL DEFAULT '',
	meta TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	completed_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_diagnostic_of ON tasks(diagnostic_of) WHERE diagnostic_of != '';

CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	base_concurrency INTEGER NOT NULL DEFAULT 2,
	max_concurrency INTEGER NOT NULL DEFAULT 0,
	max_load_factor REAL NOT NULL DEFAULT 0.85,
	status TEXT NOT NULL DEFAULT 'active' CHECK (status IN (
		'active', 'paused', 'complete', 'cancelled')),
	release_on_complete INTEGER NOT NULL DEFAULT 0,
	release_type TEXT NOT NULL DEFAULT '',
	skip_quality_gate INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS batch_members (
	batch_id INTEGER NOT NULL REFERENCES batches(id),
	task_id TEXT NOT NULL REFERENCES tasks(id),
	position INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (batch_id, task_id)
);

CREATE TABLE IF NOT EXISTS state_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_state_log_task ON state_log(task_id);

CREATE TABLE IF NOT EXISTS proof_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	event TEXT NOT NULL,
	stage TEXT NOT NULL,
	decision TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '',
	decision_maker TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	duration_secs REAL,
	metadata TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_proof_log_task ON proof_log(task_id);
CREATE INDEX IF NOT EXISTS idx_proof_log_task_stage ON proof_log(task_id, stage);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
