package store

import (
	"database/sql"
	"errors"
	"fmt"

	"fable/internal/logging"
	"fable/internal/types"
)

const chapterColumns = `id, book_url, idx, title, source_url, status, raw_text,
	source_lang, refined_text, refined_lang, last_error, min_length`

func scanChapter(row interface{ Scan(...interface{}) error }) (types.Chapter, error) {
	var c types.Chapter
	err := row.Scan(&c.ID, &c.BookURL, &c.Idx, &c.Title, &c.SourceURL, &c.Status,
		&c.RawText, &c.SourceLang, &c.RefinedText, &c.RefinedLang, &c.LastError, &c.MinLength)
	return c, err
}

// BulkUpsertChapters persists a freshly scraped chapter list. A conflict on
// (book_url, idx) updates the scrape-derived fields and leaves pipeline state
// (status, texts, errors) untouched, so a re-scrape never duplicates an
// ordinal and never discards already-fetched content.
func (s *Store) BulkUpsertChapters(chapters []types.Chapter) error {
	if len(chapters) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO chapters (book_url, idx, title, source_url, status, source_lang, min_length)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_url, idx) DO UPDATE SET
			title = excluded.title,
			source_url = excluded.source_url,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chapters {
		status := c.Status
		if status == "" {
			status = types.StatusPending
		}
		if _, err := stmt.Exec(c.BookURL, c.Idx, c.Title, c.SourceURL, string(status), c.SourceLang, c.MinLength); err != nil {
			return fmt.Errorf("upsert chapter %d of %s: %w", c.Idx, c.BookURL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk upsert: %w", err)
	}

	logging.Store("Bulk upserted %d chapters for %s", len(chapters), chapters[0].BookURL)
	return nil
}

// GetChapter returns a chapter by id, or nil when unknown.
func (s *Store) GetChapter(id int64) (*types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id)
	c, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter %d: %w", id, err)
	}
	return &c, nil
}

// GetChaptersInRange returns a book's chapters with ordinal in [from, to],
// ascending.
func (s *Store) GetChaptersInRange(bookURL string, from, to int) ([]types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+chapterColumns+` FROM chapters
		WHERE book_url = ? AND idx >= ? AND idx <= ?
		ORDER BY idx`, bookURL, from, to)
	if err != nil {
		return nil, fmt.Errorf("range query %s [%d,%d]: %w", bookURL, from, to, err)
	}
	defer rows.Close()
	return collectChapters(rows)
}

// ListChapters returns every chapter of a book in ordinal order.
func (s *Store) ListChapters(bookURL string) ([]types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+chapterColumns+` FROM chapters WHERE book_url = ? ORDER BY idx`, bookURL)
	if err != nil {
		return nil, fmt.Errorf("list chapters %s: %w", bookURL, err)
	}
	defer rows.Close()
	return collectChapters(rows)
}

// CandidatesInWindow returns up to limit chapters inside [from, to] whose
// status makes them eligible for the prefetch pipeline, ascending by ordinal.
func (s *Store) CandidatesInWindow(bookURL string, from, to, limit int) ([]types.Chapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT `+chapterColumns+` FROM chapters
		WHERE book_url = ? AND idx >= ? AND idx <= ?
		  AND status IN (?, ?)
		ORDER BY idx LIMIT ?`,
		bookURL, from, to, string(types.StatusPending), string(types.StatusUserFlagged), limit)
	if err != nil {
		return nil, fmt.Errorf("window candidates %s [%d,%d]: %w", bookURL, from, to, err)
	}
	defer rows.Close()
	return collectChapters(rows)
}

func collectChapters(rows *sql.Rows) ([]types.Chapter, error) {
	var chapters []types.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// UpdateChapterStatus sets the status and clears any stale error message on
// non-failure transitions.
func (s *Store) UpdateChapterStatus(id int64, status types.ChapterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET status = ?,
			last_error = CASE WHEN ? = 'FETCH_FAILED' THEN last_error ELSE '' END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(status), string(status), id)
	if err != nil {
		return fmt.Errorf("update status %d: %w", id, err)
	}
	return nil
}

// MarkChapterFailed records a failure and its human-readable message.
func (s *Store) MarkChapterFailed(id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(types.StatusFetchFailed), message, id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// SetChapterRaw stores the extracted body text and the language it was
// detected or assumed to be in.
func (s *Store) SetChapterRaw(id int64, raw, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET raw_text = ?, source_lang = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, raw, lang, id)
	if err != nil {
		return fmt.Errorf("set raw %d: %w", id, err)
	}
	return nil
}

// SetChapterRefined stores the refined text and marks the chapter READY.
func (s *Store) SetChapterRefined(id int64, refined, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET refined_text = ?, refined_lang = ?, status = ?,
			last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, refined, lang, string(types.StatusReady), id)
	if err != nil {
		return fmt.Errorf("set refined %d: %w", id, err)
	}
	return nil
}

// ResetForRetry puts a failed, flagged, or stale-fetching chapter back into
// the pipeline.
func (s *Store) ResetForRetry(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET status = ?, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(types.StatusPending), id,
		string(types.StatusFetchFailed), string(types.StatusUserFlagged), string(types.StatusFetching))
	if err != nil {
		return fmt.Errorf("reset for retry %d: %w", id, err)
	}
	return nil
}

// ResetForRetranslate discards refined text and requeues the chapter. The raw
// text is kept, so the pipeline will skip extraction and go straight to
// refinement.
func (s *Store) ResetForRetranslate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE chapters SET refined_text = '', refined_lang = '', status = ?,
			last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, string(types.StatusPending), id)
	if err != nil {
		return fmt.Errorf("reset for retranslate %d: %w", id, err)
	}
	return nil
}

// ResetTranslating moves every TRANSLATING chapter of a book back to PENDING.
// A TRANSLATING row found at scheduler start is a crash artifact: no worker
// can still be running it, and an interrupted translation has no partial
// result worth keeping.
func (s *Store) ResetTranslating(bookURL string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE chapters SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE book_url = ? AND status = ?`,
		string(types.StatusPending), bookURL, string(types.StatusTranslating))
	if err != nil {
		return 0, fmt.Errorf("reset translating %s: %w", bookURL, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Repaired %d chapters stuck in TRANSLATING for %s", n, bookURL)
	}
	return n, nil
}

// CountFlaggedByDomain counts USER_FLAGGED chapters across all books of a
// domain. The caller uses this to decide when a blueprint has drifted out of
// sync with the site and must be invalidated.
func (s *Store) CountFlaggedByDomain(domain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM chapters c
		JOIN books b ON b.url = c.book_url
		WHERE b.domain = ? AND c.status = ?`,
		domain, string(types.StatusUserFlagged)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count flagged for %s: %w", domain, err)
	}
	return count, nil
}
