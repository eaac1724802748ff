// bitcalm - Host Backup Agent
// Copyright 2026 The bitcalm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bitcalm/agent

// Package mysqlutil enumerates databases via database/sql +
// go-sql-driver/mysql, and shells out to mysqldump/mysql for dump and
// restore — spec.md §4.3 and §4.4 explicitly treat the dump tool itself as
// an external collaborator, but database *enumeration* (check_db, spec.md
// §4.5) is ordinary SQL the Go driver can do directly.
package mysqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os/exec"

	_ "github.com/go-sql-driver/mysql"
)

// Credential is a host's MySQL login, looked up by host:port against the
// install Config's database lines and the Status record's dynamically
// pushed credentials (spec.md 4.3 phase 2).
type Credential struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (c Credential) dsn(dbName string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", c.User, c.Password, c.Host, c.Port, dbName)
}

// ListDatabases enumerates user databases on one host (spec.md 4.5,
// check_db), excluding MySQL's own system schemas.
func ListDatabases(ctx context.Context, cred Credential) ([]string, error) {
	db, err := sql.Open("mysql", cred.dsn("information_schema"))
	if err != nil {
		return nil, fmt.Errorf("mysqlutil: opening %s:%d: %w", cred.Host, cred.Port, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT schema_name FROM information_schema.schemata
		WHERE schema_name NOT IN ('information_schema', 'mysql', 'performance_schema', 'sys')`)
	if err != nil {
		return nil, fmt.Errorf("mysqlutil: listing databases on %s:%d: %w", cred.Host, cred.Port, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("mysqlutil: scanning database name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Dump invokes the mysqldump binary, piping its stdout to w (spec.md 4.3
// phase 2, "mysqldump-style spawn, pipe stdout through gzip"). Gzip
// wrapping is the caller's responsibility so this package stays a thin
// process-spawn wrapper, matching spec.md's framing of the dump tool as
// external.
func Dump(ctx context.Context, cred Credential, dbName string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, "mysqldump",
		"--host", cred.Host,
		"--port", fmt.Sprintf("%d", cred.Port),
		"--user", cred.User,
		fmt.Sprintf("--password=%s", cred.Password),
		"--single-transaction",
		dbName,
	)
	cmd.Stdout = w
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysqlutil: mysqldump %s on %s:%d: %w", dbName, cred.Host, cred.Port, err)
	}
	return nil
}

// Restore feeds r (already decompressed) into the mysql client against
// dbName on the given host (spec.md 4.4 step 3).
func Restore(ctx context.Context, cred Credential, dbName string, r io.Reader) error {
	cmd := exec.CommandContext(ctx, "mysql",
		"--host", cred.Host,
		"--port", fmt.Sprintf("%d", cred.Port),
		"--user", cred.User,
		fmt.Sprintf("--password=%s", cred.Password),
		dbName,
	)
	cmd.Stdin = r
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysqlutil: mysql restore %s on %s:%d: %w", dbName, cred.Host, cred.Port, err)
	}
	return nil
}
