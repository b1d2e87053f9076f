package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
)

// SettingsRepository range un champ de Settings par ligne (clé = nom JSON du champ),
// à la même granularité que la diffusion entre répliques.
type SettingsRepository struct {
	db *sql.DB
}

func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get superpose les lignes stockées aux valeurs par défaut.
// Une ligne illisible est ignorée, les autres champs restent valides.
func (r *SettingsRepository) Get(ctx context.Context) (domain.Settings, error) {
	stored, err := r.fields(ctx)
	if err != nil {
		return domain.Settings{}, err
	}
	merged, err := settingsFields(domain.DefaultSettings())
	if err != nil {
		return domain.Settings{}, err
	}
	for name, raw := range stored {
		if decodesAlone(name, raw) {
			merged[name] = raw
		}
	}
	doc, err := json.Marshal(merged)
	if err != nil {
		return domain.Settings{}, err
	}
	var out domain.Settings
	if err := json.Unmarshal(doc, &out); err != nil {
		return domain.Settings{}, err
	}
	return out, nil
}

// Put n'écrit que les champs dont la valeur a changé et retire les lignes orphelines.
func (r *SettingsRepository) Put(ctx context.Context, settings domain.Settings) (domain.Settings, error) {
	want, err := settingsFields(settings)
	if err != nil {
		return domain.Settings{}, err
	}
	have, err := r.fields(ctx)
	if err != nil {
		return domain.Settings{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Settings{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for name, raw := range want {
		if cur, ok := have[name]; ok && bytes.Equal(cur, raw) {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settings(key, value_json, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at
		`, name, []byte(raw), now); err != nil {
			_ = tx.Rollback()
			return domain.Settings{}, err
		}
	}
	for name := range have {
		if _, keep := want[name]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, name); err != nil {
			_ = tx.Rollback()
			return domain.Settings{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Settings{}, err
	}
	return r.Get(ctx)
}

// settingsFields découpe s par champ JSON de premier niveau.
func settingsFields(s domain.Settings) (map[string]json.RawMessage, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodesAlone(name string, raw json.RawMessage) bool {
	doc, err := json.Marshal(map[string]json.RawMessage{name: raw})
	if err != nil {
		return false
	}
	var probe domain.Settings
	return json.Unmarshal(doc, &probe) == nil
}

func (r *SettingsRepository) fields(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value_json FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]json.RawMessage{}
	for rows.Next() {
		var (
			name string
			raw  []byte
		)
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		out[name] = raw
	}
	return out, rows.Err()
}
