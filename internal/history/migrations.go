package history

const schema = `
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session TEXT NOT NULL,
    worker_id TEXT NOT NULL,
    branch TEXT NOT NULL,
    status TEXT NOT NULL,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    response TEXT,
    tool_call_count INTEGER DEFAULT 0,
    tokens_used INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    pr_url TEXT,
    commits INTEGER DEFAULT 0,
    files_changed TEXT,
    error TEXT,
    reason TEXT,
    restart_count INTEGER DEFAULT 0,
    completed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_worker_id ON results(worker_id);
CREATE INDEX IF NOT EXISTS idx_results_session ON results(session);
CREATE INDEX IF NOT EXISTS idx_results_completed_at ON results(completed_at);
`
