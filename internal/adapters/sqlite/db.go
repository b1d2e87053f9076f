package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedded embed.FS

// DB porte le cache local de l'agent: settings, kv durable, table des vidéos.
type DB struct {
	SQL *sql.DB
}

// Open ouvre la base (":memory:" pour une base jetable) puis la met au schéma courant.
func Open(ctx context.Context, file string) (*DB, error) {
	dsn := ":memory:"
	if file != ":memory:" {
		dsn = "file:" + file + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite n'a qu'un écrivain; une connexion unique garde aussi :memory: cohérente.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = conn.PingContext(pingCtx)
	cancel()
	if err == nil {
		db := &DB{SQL: conn}
		if err = db.Migrate(ctx); err == nil {
			return db, nil
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("sqlite %s: %w", file, err)
}

func (d *DB) Close() error { return d.SQL.Close() }

// Migrate applique les migrations embarquées pas encore passées.
func (d *DB) Migrate(ctx context.Context) error {
	set, err := loadMigrations(embedded, "migrations")
	if err != nil {
		return err
	}
	return d.upgrade(ctx, set)
}

// Rollback déroule les sections Down jusqu'à revenir à la version target (0 = base vide).
func (d *DB) Rollback(ctx context.Context, target int) error {
	set, err := loadMigrations(embedded, "migrations")
	if err != nil {
		return err
	}
	return d.downgrade(ctx, set, target)
}

// SchemaVersion renvoie la plus haute version appliquée.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	if err := d.ensureLedger(ctx); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := d.SQL.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// migration est un fichier NNNN_nom.sql découpé en sections Up/Down.
type migration struct {
	version int
	name    string
	up      string
	down    string
}

func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	names, err := fs.Glob(fsys, path.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	out := make([]migration, 0, len(names))
	seen := map[int]string{}
	for _, p := range names {
		base := path.Base(p)
		num, _, _ := strings.Cut(base, "_")
		v, err := strconv.Atoi(num)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version prefix", base)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", base, v, prev)
		}
		seen[v] = base

		raw, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		up, down := splitSections(string(raw))
		out = append(out, migration{version: v, name: base, up: up, down: down})
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// splitSections sépare le texte sous "-- +migrate Up" de celui sous "-- +migrate Down".
// Ce qui précède le premier marqueur est ignoré.
func splitSections(text string) (up, down string) {
	var cur *strings.Builder
	var ub, db strings.Builder
	for _, line := range strings.Split(text, "\n") {
		switch marker := strings.TrimSpace(line); {
		case strings.HasPrefix(marker, "-- +migrate Up"):
			cur = &ub
			continue
		case strings.HasPrefix(marker, "-- +migrate Down"):
			cur = &db
			continue
		}
		if cur != nil {
			cur.WriteString(line)
			cur.WriteByte('\n')
		}
	}
	return strings.TrimSpace(ub.String()), strings.TrimSpace(db.String())
}

func (d *DB) ensureLedger(ctx context.Context) error {
	_, err := d.SQL.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`)
	return err
}

func (d *DB) applied(ctx context.Context) (map[int]bool, error) {
	if err := d.ensureLedger(ctx); err != nil {
		return nil, err
	}
	rows, err := d.SQL.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (d *DB) upgrade(ctx context.Context, set []migration) error {
	done, err := d.applied(ctx)
	if err != nil {
		return err
	}
	for _, m := range set {
		if done[m.version] {
			continue
		}
		err := d.inTx(ctx, func(tx *sql.Tx) error {
			if m.up != "" {
				if _, err := tx.ExecContext(ctx, m.up); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s up: %w", m.name, err)
		}
	}
	return nil
}

func (d *DB) downgrade(ctx context.Context, set []migration, target int) error {
	done, err := d.applied(ctx)
	if err != nil {
		return err
	}
	for i := len(set) - 1; i >= 0; i-- {
		m := set[i]
		if m.version <= target || !done[m.version] {
			continue
		}
		err := d.inTx(ctx, func(tx *sql.Tx) error {
			if m.down != "" {
				if _, err := tx.ExecContext(ctx, m.down); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s down: %w", m.name, err)
		}
	}
	return nil
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
