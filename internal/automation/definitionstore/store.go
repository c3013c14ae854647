// Package definitionstore implements the read-only Definition Store
// reader (spec.md §6: "Definition store: read-only from the engine's
// perspective during scheduling; the engine does NOT lock it"). Built
// on sqlx + lib/pq, grounded on internal/reports.PostgresRepository's
// sqlx.DB-backed repository shape.
package definitionstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/mbiyimoh/push-notification-system-sub000/internal/automation"
)

// row mirrors the automation_definitions table: everything the engine
// doesn't interpret (pushSequence, audienceCriteria, settings, schedule)
// is stored as a single jsonb payload column and decoded through
// automation.DecodeAutomation, keeping one strict decode path shared
// with the Control API.
type row struct {
	ID       string `db:"id"`
	Payload  []byte `db:"payload"`
}

// Store is a read-only reader over the externally-owned definition
// store. Nothing here writes; authoring/CRUD of automations is an
// explicit non-goal (spec.md §1).
type Store struct {
	db *sqlx.DB
}

// New wraps an established *sqlx.DB connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Load fetches a single automation definition by id.
func (s *Store) Load(ctx context.Context, id string) (*automation.Automation, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT id, payload FROM automation_definitions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load automation %s: %w", id, err)
	}
	a, err := automation.DecodeAutomation(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("automation %s has a malformed definition: %w", id, err)
	}
	return a, nil
}

// List fetches every automation definition, used by the Startup
// Restorer to find everything that should currently be scheduled
// (spec.md §4.7 step 2). Definitions with a payload that fails to
// decode are skipped rather than failing the whole list, mirroring
// the restorer's own per-entry validation-warning behavior.
func (s *Store) List(ctx context.Context) ([]*automation.Automation, []string) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, payload FROM automation_definitions`); err != nil {
		return nil, []string{fmt.Sprintf("failed to list automation definitions: %v", err)}
	}

	var automations []*automation.Automation
	var warnings []string
	for _, r := range rows {
		a, err := automation.DecodeAutomation(r.Payload)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("automation %s: %v", r.ID, err))
			continue
		}
		automations = append(automations, a)
	}
	return automations, warnings
}
