package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/config"
	"github.com/rentguntur/project-school/internal/sqldb"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id VARCHAR(255) PRIMARY KEY,
    definition TEXT NOT NULL
)
`

// SQLRegistry stores definitions as JSON documents keyed by id.
type SQLRegistry struct {
	db *sqldb.DB
}

func NewSQLRegistry(ctx context.Context, db *sqldb.DB) (*SQLRegistry, error) {
	if err := db.ExecScript(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return &SQLRegistry{db: db}, nil
}

func (r *SQLRegistry) Lookup(ctx context.Context, id string) (AgentDefinition, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT definition FROM agents WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentDefinition{}, apperr.NotFound("registry.Lookup", "agent %s not found", id)
	}
	if err != nil {
		return AgentDefinition{}, fmt.Errorf("failed to load agent: %w", err)
	}
	var d AgentDefinition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return AgentDefinition{}, fmt.Errorf("failed to decode agent %s: %w", id, err)
	}
	return d, nil
}

// Upsert writes d, replacing any definition with the same id.
func (r *SQLRegistry) Upsert(ctx context.Context, d AgentDefinition) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode agent %s: %w", d.ID, err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO agents (id, definition) VALUES (?, ?)
ON CONFLICT (id) DO UPDATE SET definition = excluded.definition`), d.ID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", d.ID, err)
	}
	return nil
}

// Seed upserts the agents declared in configuration and returns their ids.
func (r *SQLRegistry) Seed(ctx context.Context, agents []config.AgentConfig) ([]string, error) {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if err := r.Upsert(ctx, FromConfig(a)); err != nil {
			return ids, err
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// FromConfig converts a configured agent into a definition.
func FromConfig(a config.AgentConfig) AgentDefinition {
	return AgentDefinition{
		ID:           a.ID,
		Name:         a.Name,
		SystemPrompt: a.SystemPrompt,
		Tools:        append([]string(nil), a.Tools...),
		MaxSteps:     a.MaxSteps,
		Termination:  Termination(a.Termination),
		Marker:       a.Marker,
		Modes:        modesFromConfig(a.Modes),
	}
}

func modesFromConfig(in []config.ModeConfig) []Mode {
	if len(in) == 0 {
		return nil
	}
	out := make([]Mode, len(in))
	for i, m := range in {
		out[i] = Mode{
			Name:         m.Name,
			Triggers:     append([]string(nil), m.Triggers...),
			SystemPrompt: m.SystemPrompt,
			Tools:        append([]string(nil), m.Tools...),
		}
	}
	return out
}
