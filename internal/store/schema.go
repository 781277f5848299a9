package store

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_proposals (
	id TEXT PRIMARY KEY,
	trigger_name TEXT NOT NULL,
	condition_data TEXT NOT NULL DEFAULT '{}',
	suggested_action TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	requires_approval BOOLEAN NOT NULL DEFAULT 0,
	approval_note TEXT,
	created_at DATETIME NOT NULL,
	executed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON agent_proposals(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_proposals_created ON agent_proposals(created_at);

CREATE TABLE IF NOT EXISTS agent_missions (
	id TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL REFERENCES agent_proposals(id),
	mission_type TEXT NOT NULL,
	execution_plan TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'running',
	result TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_missions_proposal ON agent_missions(proposal_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_missions_one_running
	ON agent_missions(proposal_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS agent_memory (
	user_id TEXT NOT NULL,
	memory_type TEXT NOT NULL DEFAULT 'fact',
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (user_id, memory_type, key)
);

CREATE TABLE IF NOT EXISTS conversation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_user ON conversation_log(user_id, created_at);

CREATE TABLE IF NOT EXISTS system_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS learnings (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	trigger TEXT NOT NULL,
	lesson TEXT NOT NULL,
	success BOOLEAN NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_category ON learnings(category, created_at);
`
