package storage

import (
	"context"

	"github.com/juju/errors"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		name             TEXT NOT NULL UNIQUE,
		host             TEXT NOT NULL,
		port             INTEGER NOT NULL,
		admin_user       TEXT NOT NULL,
		admin_credential TEXT NOT NULL DEFAULT '',
		enabled          BOOLEAN NOT NULL DEFAULT 1,
		online           BOOLEAN NOT NULL DEFAULT 1,
		reserved         BOOLEAN NOT NULL DEFAULT 0,
		reserved_by      TEXT NULL,
		reserved_until   DATETIME NULL,
		hold_token       TEXT NULL,
		held_until       DATETIME NULL,
		last_seen_at     DATETIME NULL,
		created_at       DATETIME NOT NULL,
		CHECK ((reserved = 0 AND reserved_by IS NULL AND reserved_until IS NULL)
		    OR (reserved = 1 AND reserved_by IS NOT NULL AND reserved_until IS NOT NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_eligible ON machines (enabled, online, reserved, name)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_hold ON machines (hold_token)`,
	`CREATE TABLE IF NOT EXISTS leases (
		id             TEXT PRIMARY KEY,
		machine_id     INTEGER NOT NULL UNIQUE REFERENCES machines (id),
		principal      TEXT NOT NULL,
		user_ref       TEXT NULL,
		reserved_until DATETIME NOT NULL,
		created_at     DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_leases_principal ON leases (principal)`,
	`CREATE INDEX IF NOT EXISTS idx_leases_reserved_until ON leases (reserved_until)`,
	`CREATE TABLE IF NOT EXISTS scheduler_locks (
		name       TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stale_accounts (
		principal       TEXT NOT NULL,
		machine         TEXT NOT NULL,
		host            TEXT NOT NULL,
		lease_id        TEXT NOT NULL,
		reason          TEXT NOT NULL,
		last_error      TEXT NOT NULL,
		attempts        INTEGER NOT NULL,
		first_failed_at DATETIME NOT NULL,
		last_failed_at  DATETIME NOT NULL,
		PRIMARY KEY (principal, machine)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		id               BIGINT AUTO_INCREMENT PRIMARY KEY,
		name             VARCHAR(255) NOT NULL,
		host             VARCHAR(255) NOT NULL,
		port             INT NOT NULL,
		admin_user       VARCHAR(255) NOT NULL,
		admin_credential TEXT NOT NULL,
		enabled          TINYINT(1) NOT NULL DEFAULT 1,
		online           TINYINT(1) NOT NULL DEFAULT 1,
		reserved         TINYINT(1) NOT NULL DEFAULT 0,
		reserved_by      VARCHAR(255) NULL,
		reserved_until   DATETIME NULL,
		hold_token       VARCHAR(64) NULL,
		held_until       DATETIME NULL,
		last_seen_at     DATETIME NULL,
		created_at       DATETIME NOT NULL,
		UNIQUE KEY uq_machines_name (name),
		KEY idx_machines_eligible (enabled, online, reserved, name),
		KEY idx_machines_hold (hold_token),
		CONSTRAINT chk_machines_lease_state CHECK (
			(reserved = 0 AND reserved_by IS NULL AND reserved_until IS NULL)
			OR (reserved = 1 AND reserved_by IS NOT NULL AND reserved_until IS NOT NULL))
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS leases (
		id             CHAR(36) PRIMARY KEY,
		machine_id     BIGINT NOT NULL,
		principal      VARCHAR(255) NOT NULL,
		user_ref       VARCHAR(255) NULL,
		reserved_until DATETIME NOT NULL,
		created_at     DATETIME NOT NULL,
		UNIQUE KEY uq_leases_machine (machine_id),
		KEY idx_leases_principal (principal),
		KEY idx_leases_reserved_until (reserved_until),
		CONSTRAINT fk_leases_machine FOREIGN KEY (machine_id) REFERENCES machines (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS scheduler_locks (
		name       VARCHAR(255) PRIMARY KEY,
		holder     CHAR(36) NOT NULL,
		expires_at DATETIME NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	`CREATE TABLE IF NOT EXISTS stale_accounts (
		principal       VARCHAR(255) NOT NULL,
		machine         VARCHAR(255) NOT NULL,
		host            VARCHAR(255) NOT NULL,
		lease_id        CHAR(36) NOT NULL,
		reason          VARCHAR(32) NOT NULL,
		last_error      TEXT NOT NULL,
		attempts        INT NOT NULL,
		first_failed_at DATETIME NOT NULL,
		last_failed_at  DATETIME NOT NULL,
		PRIMARY KEY (principal, machine)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
}

// Schema returns the DDL statements for driver.
func Schema(driver string) ([]string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchema, nil
	case DriverMySQL:
		return mysqlSchema, nil
	}
	return nil, errors.NotValidf("database driver %q", driver)
}

// EnsureSchema creates the tables if they do not exist. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts, err := Schema(s.driver)
	if err != nil {
		return errors.Trace(err)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return poolerr.Storef(err, "schema")
		}
	}
	return nil
}
