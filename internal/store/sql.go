package store

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    mode          TEXT    NOT NULL,
    started_at    TEXT    NOT NULL,
    ended_at      TEXT    NOT NULL,
    clock_sync_ms INTEGER NOT NULL,
    error         TEXT
);

CREATE TABLE IF NOT EXISTS frames (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT    NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    seq           INTEGER NOT NULL,
    file_path     TEXT    NOT NULL,
    file_type     TEXT    NOT NULL,
    timestamp_ms  INTEGER NOT NULL,
    lat           REAL,
    lon           REAL,
    altitude      REAL,
    orig_altitude REAL,
    geoid         REAL,
    quality       INTEGER,
    satellites    INTEGER,
    hdop          REAL,
    fix_time_ms   INTEGER
);

CREATE INDEX IF NOT EXISTS frames_run_idx ON frames (run_id, seq);`

	insertRunSQL = `
INSERT INTO runs (id,
                  mode,
                  started_at,
                  ended_at,
                  clock_sync_ms,
                  error)
VALUES (?, ?, ?, ?, ?, ?)`

	insertFrameSQL = `
INSERT INTO frames (run_id,
                    seq,
                    file_path,
                    file_type,
                    timestamp_ms,
                    lat,
                    lon,
                    altitude,
                    orig_altitude,
                    geoid,
                    quality,
                    satellites,
                    hdop,
                    fix_time_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectRunSQL = `
SELECT
    id,
    mode,
    started_at,
    ended_at,
    clock_sync_ms,
    error
FROM runs
WHERE
    id = ?`

	selectRunsSQL = `
SELECT
    id,
    mode,
    started_at,
    ended_at,
    clock_sync_ms,
    error
FROM runs
ORDER BY started_at, id`

	selectFramesSQL = `
SELECT
    file_path,
    file_type,
    timestamp_ms,
    lat,
    lon,
    altitude,
    orig_altitude,
    geoid,
    quality,
    satellites,
    hdop,
    fix_time_ms
FROM frames
WHERE
    run_id = ?
ORDER BY seq`
)
