package store

// Schema creates every engine table. Foreign keys carry no ON DELETE action:
// cascades are explicit multi-step transactions in the owning component.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	version TEXT NOT NULL DEFAULT '1.0.0',
	architecture TEXT NOT NULL DEFAULT '',
	performance_score REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_activity TEXT
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(agent_type);

CREATE TABLE IF NOT EXISTS agent_relationships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	primary_agent_id TEXT NOT NULL REFERENCES agents(id),
	secondary_agent_id TEXT NOT NULL REFERENCES agents(id),
	kind TEXT NOT NULL,
	strength REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_interaction TEXT,
	UNIQUE(primary_agent_id, secondary_agent_id, kind)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_key TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	assigned_agent_id TEXT REFERENCES agents(id),
	parent_task_id TEXT REFERENCES tasks(id),
	parameters TEXT NOT NULL DEFAULT '{}',
	result TEXT,
	error_message TEXT,
	estimated_duration_ms INTEGER,
	actual_duration_ms INTEGER,
	complexity REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed_at);

CREATE TABLE IF NOT EXISTS task_dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	depends_on_task_id TEXT NOT NULL REFERENCES tasks(id),
	kind TEXT NOT NULL DEFAULT 'sequential',
	created_at TEXT NOT NULL,
	UNIQUE(task_id, depends_on_task_id)
);
CREATE INDEX IF NOT EXISTS idx_deps_upstream ON task_dependencies(depends_on_task_id);

CREATE TABLE IF NOT EXISTS task_execution_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	step_number INTEGER NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	step_type TEXT NOT NULL DEFAULT '',
	agent_id TEXT REFERENCES agents(id),
	status TEXT NOT NULL DEFAULT 'pending',
	input TEXT NOT NULL DEFAULT '{}',
	output TEXT,
	execution_time_ms INTEGER NOT NULL DEFAULT 0,
	started_at TEXT,
	ended_at TEXT,
	UNIQUE(task_id, step_number)
);
CREATE INDEX IF NOT EXISTS idx_steps_agent ON task_execution_steps(agent_id);

CREATE TABLE IF NOT EXISTS learning_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	source_agent_id TEXT REFERENCES agents(id),
	target_agent_id TEXT REFERENCES agents(id),
	task_id TEXT REFERENCES tasks(id),
	context TEXT NOT NULL DEFAULT '{}',
	payload TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	impact REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	applied_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_learning_source ON learning_events(source_agent_id);
CREATE INDEX IF NOT EXISTS idx_learning_kind ON learning_events(kind);

CREATE TABLE IF NOT EXISTS agent_learning_progress (
	agent_id TEXT NOT NULL REFERENCES agents(id),
	domain TEXT NOT NULL,
	skill_level REAL NOT NULL DEFAULT 0,
	events_count INTEGER NOT NULL DEFAULT 0,
	velocity REAL NOT NULL DEFAULT 0,
	last_improvement_at TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (agent_id, domain)
);

CREATE TABLE IF NOT EXISTS knowledge_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	dimension INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_entries (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	embedding BLOB,
	source_agent_id TEXT REFERENCES agents(id),
	related_task_ids TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	usage_count INTEGER NOT NULL DEFAULT 0,
	effectiveness REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_source ON knowledge_entries(source_agent_id);

CREATE TABLE IF NOT EXISTS knowledge_index_log (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT NOT NULL,
	changed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE TRIGGER IF NOT EXISTS knowledge_index_log_insert AFTER INSERT ON knowledge_entries
WHEN NEW.embedding IS NOT NULL
BEGIN
	INSERT INTO knowledge_index_log (entry_id) VALUES (NEW.id);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_index_log_update AFTER UPDATE OF embedding ON knowledge_entries
BEGIN
	INSERT INTO knowledge_index_log (entry_id) VALUES (NEW.id);
END;
CREATE TRIGGER IF NOT EXISTS knowledge_index_log_delete AFTER DELETE ON knowledge_entries
WHEN OLD.embedding IS NOT NULL
BEGIN
	INSERT INTO knowledge_index_log (entry_id) VALUES (OLD.id);
END;

CREATE TABLE IF NOT EXISTS memory_banks (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	kind TEXT NOT NULL DEFAULT 'global',
	access_level TEXT NOT NULL DEFAULT 'public',
	retention_policy TEXT NOT NULL DEFAULT 'permanent',
	max_size_bytes INTEGER NOT NULL,
	current_size_bytes INTEGER NOT NULL DEFAULT 0,
	owner_agent_id TEXT REFERENCES agents(id),
	expires_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS memory_bank_grants (
	bank_id TEXT NOT NULL REFERENCES memory_banks(id),
	agent_id TEXT NOT NULL REFERENCES agents(id),
	created_at TEXT NOT NULL,
	PRIMARY KEY (bank_id, agent_id)
);

CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	bank_id TEXT NOT NULL REFERENCES memory_banks(id),
	entry_key TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'experience',
	content TEXT NOT NULL DEFAULT '{}',
	embedding BLOB,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_by_agent_id TEXT REFERENCES agents(id),
	access_count INTEGER NOT NULL DEFAULT 0,
	relevance REAL NOT NULL DEFAULT 0,
	last_accessed TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT,
	UNIQUE(bank_id, entry_key)
);
CREATE INDEX IF NOT EXISTS idx_memory_lru ON memory_entries(bank_id, last_accessed);
CREATE INDEX IF NOT EXISTS idx_memory_expiry ON memory_entries(bank_id, expires_at);

CREATE TABLE IF NOT EXISTS memory_access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id TEXT NOT NULL,
	bank_id TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	agent_id TEXT,
	access_kind TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	accessed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_entry ON memory_access_log(bank_id, entry_key);
CREATE INDEX IF NOT EXISTS idx_access_agent ON memory_access_log(agent_id);

CREATE TABLE IF NOT EXISTS analytics_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	value REAL NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	aggregation_window TEXT NOT NULL DEFAULT 'raw',
	aggregation_kind TEXT NOT NULL DEFAULT '',
	bucket_start TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_recorded ON analytics_metrics(aggregation_window, recorded_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_metrics_rollup
	ON analytics_metrics(category, name, aggregation_window, aggregation_kind, bucket_start)
	WHERE aggregation_window != 'raw';

CREATE TABLE IF NOT EXISTS optimization_recommendations (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_component TEXT NOT NULL,
	recommendation TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL,
	estimated_impact REAL NOT NULL DEFAULT 0,
	effort TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	implemented_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_recommendations_status ON optimization_recommendations(status, priority);

CREATE TABLE IF NOT EXISTS feedback_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	source_kind TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	target_component TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '{}',
	sentiment REAL NOT NULL DEFAULT 0,
	actionable INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	processed_at TEXT
);

CREATE TABLE IF NOT EXISTS improvement_actions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_component TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	implementation TEXT NOT NULL DEFAULT '{}',
	config_changes TEXT NOT NULL DEFAULT '{}',
	feedback_id TEXT REFERENCES feedback_events(id),
	expected_improvement REAL,
	actual_improvement REAL,
	status TEXT NOT NULL DEFAULT 'planned',
	risk TEXT NOT NULL DEFAULT 'medium',
	rollback_plan TEXT,
	created_at TEXT NOT NULL,
	implemented_at TEXT,
	measured_at TEXT
);

CREATE TABLE IF NOT EXISTS system_evolution (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	before_version TEXT NOT NULL DEFAULT '',
	after_version TEXT NOT NULL DEFAULT '',
	affected_components TEXT NOT NULL DEFAULT '[]',
	improvement_metrics TEXT NOT NULL DEFAULT '{}',
	rollback_available INTEGER NOT NULL DEFAULT 0,
	rollback_data TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS system_config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	value_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT UNIQUE NOT NULL,
	last_status TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	last_run_at TEXT,
	run_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT ''
);
`
