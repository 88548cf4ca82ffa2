package runstore

// Timestamps are stored as unix milliseconds so staleness checks compare numerically.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    repo_url TEXT NOT NULL,
    branch TEXT NOT NULL,
    app_dir TEXT NOT NULL,
    ui_dir TEXT NOT NULL,
    suite TEXT NOT NULL,
    create_github_issues BOOLEAN NOT NULL DEFAULT FALSE,
    commit_results BOOLEAN NOT NULL DEFAULT FALSE,
    status TEXT NOT NULL DEFAULT 'queued',
    commit_sha TEXT,
    claimed_by TEXT,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    finished_at INTEGER,
    heartbeat_at INTEGER,
    summary TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS events (
    run_id TEXT NOT NULL REFERENCES runs(id),
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    ts INTEGER NOT NULL,
    payload TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE TRIGGER IF NOT EXISTS trg_events_heartbeat AFTER INSERT ON events
BEGIN
    UPDATE runs SET heartbeat_at = NEW.ts WHERE id = NEW.run_id;
END;

CREATE TABLE IF NOT EXISTS bugs (
    run_id TEXT NOT NULL REFERENCES runs(id),
    bug_id TEXT NOT NULL,
    test_type TEXT NOT NULL,
    workflow TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    expected TEXT,
    actual TEXT,
    repro_steps TEXT,
    page_url TEXT,
    console_errors TEXT,
    network_failures TEXT,
    trace_path TEXT,
    screenshot_path TEXT,
    video_path TEXT,
    suspected_root_cause TEXT,
    code_location_guess TEXT,
    confidence INTEGER NOT NULL DEFAULT 0,
    issue_url TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, bug_id)
);

CREATE TABLE IF NOT EXISTS issues (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    bug_id TEXT NOT NULL,
    url TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (run_id, bug_id)
);

CREATE TABLE IF NOT EXISTS app_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
