// Package store persists capture runs and their correlated frames in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"geocam/internal/capture"
	"geocam/internal/gps"
)

var ErrRunNotFound = errors.New("store: run not found")

// Run is one finished capture session.
type Run struct {
	ID        string          `json:"id"`
	Mode      capture.Mode    `json:"mode"`
	StartedAt time.Time       `json:"startedAt"`
	EndedAt   time.Time       `json:"endedAt"`
	ClockSync time.Duration   `json:"-"`
	Error     string          `json:"error,omitempty"`
	Frames    []capture.Frame `json:"frames,omitempty"`
}

type SqliteStore struct {
	dbPath string

	db     *sql.DB
	dbOnce sync.Once
	dbErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore returns a store; the database is opened and migrated on
// first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func (s *SqliteStore) getDB() (*sql.DB, error) {
	s.dbOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"))
		if err != nil {
			s.dbErr = fmt.Errorf("opening connection: %w", err)
			return
		}
		if _, err = db.Exec(initSchemaSQL); err != nil {
			_ = db.Close()
			s.dbErr = fmt.Errorf("initializing schema: %w", err)
			return
		}
		s.db = db
	})
	return s.db, s.dbErr
}

// SaveRun writes the run and its frames in one transaction.
func (s *SqliteStore) SaveRun(ctx context.Context, run Run) (err error) {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var runErr sql.NullString
	if run.Error != "" {
		runErr = sql.NullString{String: run.Error, Valid: true}
	}
	if _, err = tx.ExecContext(ctx, insertRunSQL,
		run.ID,
		run.Mode.String(),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.EndedAt.UTC().Format(time.RFC3339Nano),
		run.ClockSync.Milliseconds(),
		runErr,
	); err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, insertFrameSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for i, f := range run.Frames {
		fd := toFrameData(f)
		if _, err = stmt.ExecContext(ctx,
			run.ID, i, f.FilePath, f.FileType.String(), f.Timestamp.Milliseconds(),
			fd.Lat, fd.Lon, fd.Altitude, fd.OrigAltitude, fd.Geoid,
			fd.Quality, fd.Satellites, fd.HDOP, fd.FixTime,
		); err != nil {
			return fmt.Errorf("inserting frame %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Run loads one run with its frames.
func (s *SqliteStore) Run(ctx context.Context, id string) (Run, error) {
	db, err := s.getDB()
	if err != nil {
		return Run{}, err
	}
	run, err := scanRun(db.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	run.Frames, err = s.frames(ctx, db, id)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// Runs lists all runs, oldest first, without frames.
func (s *SqliteStore) Runs(ctx context.Context) (runs []Run, err error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, selectRunsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var run Run
		if run, err = scanRun(rows); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *SqliteStore) frames(ctx context.Context, db *sql.DB, runID string) (frames []capture.Frame, err error) {
	rows, err := db.QueryContext(ctx, selectFramesSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("querying frames: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			f        capture.Frame
			fileType string
			tsMs     int64
			fd       frameData
		)
		if err = rows.Scan(&f.FilePath, &fileType, &tsMs,
			&fd.Lat, &fd.Lon, &fd.Altitude, &fd.OrigAltitude, &fd.Geoid,
			&fd.Quality, &fd.Satellites, &fd.HDOP, &fd.FixTime,
		); err != nil {
			return nil, fmt.Errorf("scanning frame: %w", err)
		}
		if err = f.FileType.UnmarshalText([]byte(fileType)); err != nil {
			return nil, err
		}
		f.Timestamp = time.Duration(tsMs) * time.Millisecond
		f.Position = fd.position()
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run            Run
		mode           string
		started, ended string
		clockMs        int64
		runErr         sql.NullString
	)
	if err := row.Scan(&run.ID, &mode, &started, &ended, &clockMs, &runErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scanning run: %w", err)
	}
	var err error
	if run.Mode, err = capture.ParseMode(mode); err != nil {
		return Run{}, err
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return Run{}, fmt.Errorf("parsing ended_at: %w", err)
	}
	run.ClockSync = time.Duration(clockMs) * time.Millisecond
	run.Error = runErr.String
	return run, nil
}

// frameData holds the nullable position columns of a frame row.
type frameData struct {
	Lat, Lon, Altitude, OrigAltitude, Geoid sql.NullFloat64
	Quality, Satellites                     sql.NullInt64
	HDOP                                    sql.NullFloat64
	FixTime                                 sql.NullInt64
}

func toFrameData(f capture.Frame) frameData {
	p := f.Position
	if p == nil {
		return frameData{}
	}
	return frameData{
		Lat:          sql.NullFloat64{Float64: p.Lat, Valid: true},
		Lon:          sql.NullFloat64{Float64: p.Lon, Valid: true},
		Altitude:     sql.NullFloat64{Float64: p.Altitude, Valid: true},
		OrigAltitude: sql.NullFloat64{Float64: p.OrigAltitude, Valid: true},
		Geoid:        sql.NullFloat64{Float64: p.InterpolatedGeoid, Valid: true},
		Quality:      sql.NullInt64{Int64: int64(p.Quality), Valid: true},
		Satellites:   sql.NullInt64{Int64: int64(p.Satellites), Valid: true},
		HDOP:         sql.NullFloat64{Float64: p.HDOP, Valid: true},
		FixTime:      sql.NullInt64{Int64: p.Time.Milliseconds(), Valid: true},
	}
}

func (fd frameData) position() *gps.Position {
	if !fd.Lat.Valid || !fd.Lon.Valid {
		return nil
	}
	q := gps.Quality(fd.Quality.Int64)
	return &gps.Position{
		Lat:               fd.Lat.Float64,
		Lon:               fd.Lon.Float64,
		Altitude:          fd.Altitude.Float64,
		OrigAltitude:      fd.OrigAltitude.Float64,
		InterpolatedGeoid: fd.Geoid.Float64,
		Quality:           q,
		Fixed:             q != gps.QualityInvalid,
		Satellites:        int(fd.Satellites.Int64),
		HDOP:              fd.HDOP.Float64,
		Time:              time.Duration(fd.FixTime.Int64) * time.Millisecond,
	}
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		if s.db != nil {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
