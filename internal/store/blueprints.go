package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fable/internal/logging"
	"fable/internal/types"
)

// GetBlueprint returns the blueprint for a domain, or nil when none exists.
// Absence is a valid state meaning "needs inference".
func (s *Store) GetBlueprint(domain string) (*types.Blueprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT domain, list_strategy, chapter_selector, content_selector,
		       next_page_selector, trigger_selector, wait_strategy,
		       last_validated, version
		FROM blueprints WHERE domain = ?`, domain)

	var bp types.Blueprint
	var lastValidated sql.NullTime
	err := row.Scan(&bp.Domain, &bp.ListStrategy, &bp.ChapterSelector,
		&bp.ContentSelector, &bp.NextPageSelector, &bp.TriggerSelector,
		&bp.WaitStrategy, &lastValidated, &bp.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint %s: %w", domain, err)
	}
	if lastValidated.Valid {
		bp.LastValidated = lastValidated.Time
	}
	return &bp, nil
}

// UpsertBlueprint inserts or replaces the blueprint for its domain,
// incrementing the version on replacement.
func (s *Store) UpsertBlueprint(bp types.Blueprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bp.LastValidated.IsZero() {
		bp.LastValidated = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO blueprints (domain, list_strategy, chapter_selector,
			content_selector, next_page_selector, trigger_selector,
			wait_strategy, last_validated, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(domain) DO UPDATE SET
			list_strategy = excluded.list_strategy,
			chapter_selector = excluded.chapter_selector,
			content_selector = excluded.content_selector,
			next_page_selector = excluded.next_page_selector,
			trigger_selector = excluded.trigger_selector,
			wait_strategy = excluded.wait_strategy,
			last_validated = excluded.last_validated,
			version = blueprints.version + 1`,
		bp.Domain, string(bp.ListStrategy), bp.ChapterSelector,
		bp.ContentSelector, bp.NextPageSelector, bp.TriggerSelector,
		string(bp.WaitStrategy), bp.LastValidated)
	if err != nil {
		return fmt.Errorf("upsert blueprint %s: %w", bp.Domain, err)
	}

	logging.Store("Blueprint upserted for %s (strategy=%s)", bp.Domain, bp.ListStrategy)
	return nil
}

// SetContentSelector fills in the lazily inferred content selector without
// touching the rest of the blueprint.
func (s *Store) SetContentSelector(domain, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE blueprints SET content_selector = ?, last_validated = ? WHERE domain = ?`,
		selector, time.Now().UTC(), domain)
	if err != nil {
		return fmt.Errorf("set content selector %s: %w", domain, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no blueprint for domain %s", domain)
	}
	return nil
}

// InvalidateBlueprint deletes a domain's blueprint, forcing re-inference on
// the next fetch for that domain.
func (s *Store) InvalidateBlueprint(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM blueprints WHERE domain = ?`, domain); err != nil {
		return fmt.Errorf("invalidate blueprint %s: %w", domain, err)
	}
	logging.Store("Blueprint invalidated for %s", domain)
	return nil
}
