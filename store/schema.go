package store

// schemaSQL is the DDL for the run index. Artifact content lives in the
// file tree; these tables exist for operator queries across runs.
const schemaSQL = `
-- One row per pipeline run
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    manifest_path TEXT NOT NULL,
    pdf_path TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);

-- Sections attempted within a run
CREATE TABLE IF NOT EXISTS sections (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    first_page INTEGER NOT NULL,
    last_page INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    failed_page INTEGER,
    failed_stage TEXT,
    UNIQUE(run_id, section_id)
);

-- Per-page outcomes
CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    page_index INTEGER NOT NULL,
    pdf_page INTEGER NOT NULL,
    tier TEXT,
    legibility_score REAL,
    status TEXT NOT NULL DEFAULT 'pending',
    failed_stage TEXT,
    deviation REAL,
    UNIQUE(run_id, section_id, page_index)
);

-- Every wire call to the generation service, in order
CREATE TABLE IF NOT EXISTS generation_attempts (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    page_index INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    status_code INTEGER,
    error TEXT,
    duration_ms INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, section_id, page_index, attempt)
);

-- Markup correction round-trips
CREATE TABLE IF NOT EXISTS repair_attempts (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    section_id TEXT NOT NULL,
    page_index INTEGER NOT NULL,
    attempt INTEGER NOT NULL,
    well_formed INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, section_id, page_index, attempt)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_sections_run ON sections(run_id);
CREATE INDEX IF NOT EXISTS idx_pages_run_section ON pages(run_id, section_id);
CREATE INDEX IF NOT EXISTS idx_gen_attempts_page ON generation_attempts(run_id, section_id, page_index);
CREATE INDEX IF NOT EXISTS idx_repair_attempts_page ON repair_attempts(run_id, section_id, page_index);
`
