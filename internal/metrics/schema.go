package metrics

import (
	"database/sql"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS snapshots (
	       id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp_ms       INTEGER NOT NULL,
	       session_id         TEXT NOT NULL,
	       ingest_state       TEXT NOT NULL,
	       ingest_running     INTEGER NOT NULL CHECK (ingest_running IN (0, 1)),
	       epoch              INTEGER NOT NULL,
	       watermark          INTEGER NOT NULL,
	       ingested           INTEGER NOT NULL CHECK (typeof(ingested) = 'integer'),
	       cycles             INTEGER NOT NULL CHECK (typeof(cycles) = 'integer'),
	       empty_cycles       INTEGER NOT NULL CHECK (typeof(empty_cycles) = 'integer'),
	       fetch_errors       INTEGER NOT NULL CHECK (typeof(fetch_errors) = 'integer'),
	       latency_p50_us     INTEGER NOT NULL,
	       latency_p99_us     INTEGER NOT NULL,
	       series_length      INTEGER NOT NULL,
	       bin_received       INTEGER NOT NULL,
	       bin_gated          INTEGER NOT NULL,
	       bin_out_of_range   INTEGER NOT NULL,
	       queue_depth        INTEGER NOT NULL,
	       worker_processed   INTEGER NOT NULL,
	       worker_failures    INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS snapshots_session ON snapshots (session_id, timestamp_ms);`

	insertSnapshotSQL = `
    INSERT INTO snapshots (
        timestamp_ms, session_id,
        ingest_state, ingest_running, epoch, watermark,
        ingested, cycles, empty_cycles, fetch_errors,
        latency_p50_us, latency_p99_us, series_length,
        bin_received, bin_gated, bin_out_of_range, queue_depth,
        worker_processed, worker_failures
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

func snapshotValues(s *MetricsSnapshot) []any {
	return []any{
		s.Timestamp.UnixMilli(),
		s.SessionID,
		s.Ingest.State,
		boolToInt(s.Ingest.Running),
		s.Ingest.Epoch,
		s.Ingest.Watermark,
		int64(s.Ingest.Ingested),
		int64(s.Ingest.Cycles),
		int64(s.Ingest.EmptyCycles),
		int64(s.Ingest.FetchErrors),
		s.Ingest.LatencyP50.Microseconds(),
		s.Ingest.LatencyP99.Microseconds(),
		s.Ingest.SeriesLength,
		s.Binning.Received,
		s.Binning.Gated,
		s.Binning.OutOfRange,
		s.Binning.QueueDepth,
		s.Worker.Processed,
		s.Worker.Failures,
	}
}
