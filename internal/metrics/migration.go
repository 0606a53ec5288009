package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
)

// schemaTables are dropped, in order, before a schema is recreated.
var schemaTables = []string{"snapshots", "schema_versions"}

// schemaFailure is attached as data to schema errors.
type schemaFailure struct {
	Phase  string
	Target string
	Error  string
}

func failure(code errors.ErrorCode, phase, target string, err error) error {
	return errors.New().WithData(code, schemaFailure{Phase: phase, Target: target, Error: err.Error()})
}

// backupDatabase copies the database of the given schema version into
// backupDir and returns the copy's path.
func backupDatabase(db *sql.DB, backupDir string, version int, log logger.Logger) (string, error) {
	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", failure(ErrSchemaInitFailed, "create_backup_dir", backupDir, err)
	}

	name := fmt.Sprintf("shotmon_v%d_%s.db", version, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(backupDir, name)

	// VACUUM INTO must run outside a transaction
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", path)); err != nil {
		return "", failure(ErrSchemaInitFailed, "create_backup", path, err)
	}

	log.Info().Str("path", path).Int("version", version).Msg("Snapshot database backed up")

	return path, nil
}

// ValidateAndUpdateSchema brings db to SchemaVersion. A database holding
// another version is backed up into backupDir, then recreated empty.
func ValidateAndUpdateSchema(db *sql.DB, backupDir string, log logger.Logger) error {
	version, err := GetSchemaVersion(db)
	if err != nil {
		return errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("Schema version is current")
		return nil
	}

	log.Debug().Int("found", version).Int("want", SchemaVersion).Msg("Recreating snapshot schema")

	if version != 0 {
		if _, err := backupDatabase(db, backupDir, version, log); err != nil {
			return errors.New().Wrap(ErrSchemaMigrationFailed, err)
		}
	}

	if err := dropTables(db, log); err != nil {
		return err
	}

	return InitSchema(db, log)
}

func dropTables(db *sql.DB, log logger.Logger) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return errors.New().Wrap(ErrSchemaMigrationFailed, err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			log.Debug().Err(rerr).Msg("Failed to roll back table drop")
		}
	}()

	for _, table := range schemaTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return failure(ErrSchemaMigrationFailed, "drop_table", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return failure(ErrSchemaMigrationFailed, "commit", "", err)
	}

	return nil
}
