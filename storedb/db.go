// Package storedb is the query plane over the Nix store's SQLite database:
// path info, hash-part resolution and derivation outputs, plus the
// transactional registration writes used by the shipped daemon.
package storedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nix-community/harmonia-sub001/protocol"
)

// Schema version 10, matching Nix's schema.sql plus the content-addressed
// derivation tables from ca-specific-schema.sql.
const schema = `
create table if not exists ValidPaths (
    id               integer primary key autoincrement not null,
    path             text unique not null,
    hash             text not null,
    registrationTime integer not null,
    deriver          text,
    narSize          integer,
    ultimate         integer,
    sigs             text,
    ca               text
);

create table if not exists Refs (
    referrer  integer not null,
    reference integer not null,
    primary key (referrer, reference),
    foreign key (referrer) references ValidPaths(id) on delete cascade,
    foreign key (reference) references ValidPaths(id) on delete restrict
);

create index if not exists IndexReferrer on Refs(referrer);
create index if not exists IndexReference on Refs(reference);

create trigger if not exists DeleteSelfRefs before delete on ValidPaths
  begin
    delete from Refs where referrer = old.id and reference = old.id;
  end;

create table if not exists DerivationOutputs (
    drv  integer not null,
    id   text not null,
    path text not null,
    primary key (drv, id),
    foreign key (drv) references ValidPaths(id) on delete cascade
);

create index if not exists IndexDerivationOutputs on DerivationOutputs(path);

create table if not exists Realisations (
    id integer primary key autoincrement not null,
    drvPath text not null,
    outputName text not null,
    outputPath integer not null,
    signatures text,
    foreign key (outputPath) references ValidPaths(id) on delete cascade
);

create index if not exists IndexRealisations on Realisations(drvPath, outputName);
`

type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the store database at path and applies
// the schema and pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// IsValidPath reports whether a path is registered, by exact match.
func (d *DB) IsValidPath(ctx context.Context, storePath string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM ValidPaths WHERE path = ? LIMIT 1`, storePath).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check validity of %q: %w", storePath, err)
	}
	return true, nil
}

// QueryPathInfo looks up a path's metadata by exact path. The hash column is
// stored as "sha256:<hex>"; the returned NarHash carries the raw hex only.
func (d *DB) QueryPathInfo(ctx context.Context, storePath string) (*protocol.PathInfo, error) {
	var (
		id               int64
		hash             string
		registrationTime int64
		deriver          sql.NullString
		narSize          sql.NullInt64
		ultimate         sql.NullInt64
		sigs             sql.NullString
		ca               sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca
		FROM ValidPaths WHERE path = ?`, storePath).
		Scan(&id, &hash, &registrationTime, &deriver, &narSize, &ultimate, &sigs, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query path info for %q: %w", storePath, err)
	}

	references, err := d.queryReferences(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query references for %q: %w", storePath, err)
	}

	info := &protocol.PathInfo{
		Deriver:          deriver.String,
		NarHash:          strings.TrimPrefix(hash, "sha256:"),
		References:       references,
		RegistrationTime: uint64(registrationTime),
		NarSize:          uint64(narSize.Int64),
		Ultimate:         ultimate.Int64 != 0,
		Signatures:       []string{},
	}
	if sigs.Valid && sigs.String != "" {
		info.Signatures = strings.Fields(sigs.String)
	}
	if ca.Valid {
		info.CA = ca.String
	}
	return info, nil
}

func (d *DB) queryReferences(ctx context.Context, id int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT path FROM ValidPaths
		JOIN Refs ON ValidPaths.id = Refs.reference
		WHERE Refs.referrer = ?
		ORDER BY path`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	references := []string{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		references = append(references, path)
	}
	return references, rows.Err()
}

// QueryPathFromHashPart resolves a 32-character hash part to a full store
// path: a range scan from "<storeDir>/<hashPart>" with a prefix check on the
// first row.
func (d *DB) QueryPathFromHashPart(ctx context.Context, storeDir, hashPart string) (string, error) {
	prefix := storeDir + "/" + hashPart
	var path string
	err := d.db.QueryRowContext(ctx, `SELECT path FROM ValidPaths WHERE path >= ? ORDER BY path LIMIT 1`, prefix).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query path for hash part %q: %w", hashPart, err)
	}
	if !strings.HasPrefix(path, prefix) {
		return "", nil
	}
	return path, nil
}

// QueryDerivationOutputs returns the output paths registered for a
// derivation path.
func (d *DB) QueryDerivationOutputs(ctx context.Context, drvPath string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DerivationOutputs.path FROM DerivationOutputs
		JOIN ValidPaths ON ValidPaths.id = DerivationOutputs.drv
		WHERE ValidPaths.path = ?
		ORDER BY DerivationOutputs.path`, drvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to query derivation outputs for %q: %w", drvPath, err)
	}
	defer rows.Close()

	outputs := []string{}
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		outputs = append(outputs, path)
	}
	return outputs, rows.Err()
}

// RegisterPath inserts a path and its references in one transaction. All
// referenced paths must already be valid, except for a self-reference, which
// is registered against the new row itself.
func (d *DB) RegisterPath(ctx context.Context, storePath string, info *protocol.PathInfo) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ultimate any
	if info.Ultimate {
		ultimate = 1
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ValidPaths (path, hash, registrationTime, deriver, narSize, ultimate, sigs, ca)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		storePath,
		"sha256:"+info.NarHash,
		int64(info.RegistrationTime),
		nullIfEmpty(info.Deriver),
		int64(info.NarSize),
		ultimate,
		nullIfEmpty(strings.Join(info.Signatures, " ")),
		nullIfEmpty(info.CA),
	)
	if err != nil {
		return fmt.Errorf("failed to register %q: %w", storePath, err)
	}
	referrer, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, ref := range info.References {
		var reference int64
		if ref == storePath {
			reference = referrer
		} else {
			if err := tx.QueryRowContext(ctx, `SELECT id FROM ValidPaths WHERE path = ?`, ref).Scan(&reference); err != nil {
				return fmt.Errorf("reference %q is not a valid path: %w", ref, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO Refs (referrer, reference) VALUES (?, ?)`, referrer, reference); err != nil {
			return fmt.Errorf("failed to register reference %q: %w", ref, err)
		}
	}

	return tx.Commit()
}

// RegisterDerivationOutput records a derivation output path for a registered
// derivation.
func (d *DB) RegisterDerivationOutput(ctx context.Context, drvPath, outputName, outputPath string) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO DerivationOutputs (drv, id, path)
		SELECT id, ?, ? FROM ValidPaths WHERE path = ?`, outputName, outputPath, drvPath)
	if err != nil {
		return fmt.Errorf("failed to register output %q of %q: %w", outputName, drvPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("derivation %q is not a valid path", drvPath)
	}
	return nil
}

// InvalidatePath removes a path. Its outgoing references cascade; removal is
// refused while another valid path still references it.
func (d *DB) InvalidatePath(ctx context.Context, storePath string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM ValidPaths WHERE path = ?`, storePath)
	if err != nil {
		return fmt.Errorf("failed to invalidate %q: %w", storePath, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
