package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"
)

const rulesSchema = `
CREATE TABLE IF NOT EXISTS rules (
	rule_id    TEXT PRIMARY KEY,
	rule_type  TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	priority   INTEGER NOT NULL,
	spec       BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Repository persists rules in the durable store's database. Mutations bump
// a generation counter which the engine uses to invalidate its cache.
type Repository struct {
	db         *sqlx.DB
	generation atomic.Int64
}

// NewRepository bootstraps the rules table over |db|.
func NewRepository(db *sqlx.DB) (*Repository, error) {
	if _, err := db.Exec(rulesSchema); err != nil {
		return nil, fmt.Errorf("bootstrapping rules schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Generation increments on every mutation.
func (r *Repository) Generation() int64 { return r.generation.Load() }

// List returns all enabled rules.
func (r *Repository) List(ctx context.Context) ([]Rule, error) {
	var rows []struct {
		Spec []byte `db:"spec"`
	}
	var err = r.db.SelectContext(ctx, &rows,
		`SELECT spec FROM rules WHERE enabled = 1 ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	var out = make([]Rule, 0, len(rows))
	for _, row := range rows {
		var rule Rule
		if err = json.Unmarshal(row.Spec, &rule); err != nil {
			return nil, fmt.Errorf("decoding rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Put inserts or replaces a rule.
func (r *Repository) Put(ctx context.Context, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	var spec, err = json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encoding rule %q: %w", rule.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rules (rule_id, rule_type, enabled, priority, spec, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id) DO UPDATE SET
			rule_type = excluded.rule_type,
			enabled = excluded.enabled,
			priority = excluded.priority,
			spec = excluded.spec,
			updated_at = excluded.updated_at`,
		rule.ID, rule.Type, rule.Enabled, rule.Priority, spec, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("storing rule %q: %w", rule.ID, err)
	}
	r.generation.Add(1)
	return nil
}

// Delete removes a rule.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM rules WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("deleting rule %q: %w", id, err)
	}
	r.generation.Add(1)
	return nil
}

// seedDoc is the YAML shape of a rule seed document.
type seedDoc struct {
	Rules []Rule `yaml:"rules"`
}

// Seed loads rules from a YAML document, replacing existing rules with the
// same ids.
func (r *Repository) Seed(ctx context.Context, doc []byte) (int, error) {
	var seed seedDoc
	if err := yaml.Unmarshal(doc, &seed); err != nil {
		return 0, fmt.Errorf("parsing rule seed: %w", err)
	}
	for _, rule := range seed.Rules {
		if err := r.Put(ctx, rule); err != nil {
			return 0, err
		}
	}
	return len(seed.Rules), nil
}
