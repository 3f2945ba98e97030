package store

import (
	"database/sql"
	"errors"
	"fmt"

	"fable/internal/logging"
	"fable/internal/types"
)

// UpsertBook inserts or updates a book keyed by its canonical source URL.
func (s *Store) UpsertBook(b types.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO books (url, domain, title, author, source_lang, target_lang, current_index, look_ahead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			domain = excluded.domain,
			title = excluded.title,
			author = excluded.author,
			source_lang = excluded.source_lang,
			target_lang = excluded.target_lang,
			look_ahead = excluded.look_ahead`,
		b.URL, b.Domain, b.Title, b.Author, b.SourceLang, b.TargetLang, b.CurrentIndex, b.LookAhead)
	if err != nil {
		return fmt.Errorf("upsert book %s: %w", b.URL, err)
	}

	logging.Store("Book upserted: %s (%s)", b.Title, b.URL)
	return nil
}

// GetBook returns the book for a URL, or nil when unknown.
func (s *Store) GetBook(url string) (*types.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT url, domain, title, author, source_lang, target_lang, current_index, look_ahead
		FROM books WHERE url = ?`, url)

	var b types.Book
	err := row.Scan(&b.URL, &b.Domain, &b.Title, &b.Author, &b.SourceLang,
		&b.TargetLang, &b.CurrentIndex, &b.LookAhead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book %s: %w", url, err)
	}
	return &b, nil
}

// ListBooks returns all books ordered by title.
func (s *Store) ListBooks() ([]types.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT url, domain, title, author, source_lang, target_lang, current_index, look_ahead
		FROM books ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []types.Book
	for rows.Next() {
		var b types.Book
		if err := rows.Scan(&b.URL, &b.Domain, &b.Title, &b.Author, &b.SourceLang,
			&b.TargetLang, &b.CurrentIndex, &b.LookAhead); err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// UpdateReadingPosition moves the reader's current chapter index, shifting
// the scheduler's look-ahead window on its next pass.
func (s *Store) UpdateReadingPosition(url string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE books SET current_index = ? WHERE url = ?`, index, url)
	if err != nil {
		return fmt.Errorf("update reading position %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no book for url %s", url)
	}
	return nil
}

// UpdateBookSettings changes the language pair and look-ahead limit.
func (s *Store) UpdateBookSettings(url, sourceLang, targetLang string, lookAhead int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE books SET source_lang = ?, target_lang = ?, look_ahead = ? WHERE url = ?`,
		sourceLang, targetLang, lookAhead, url)
	if err != nil {
		return fmt.Errorf("update book settings %s: %w", url, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no book for url %s", url)
	}
	return nil
}

// DeleteBook removes a book; its chapters go with it via the foreign key
// cascade.
func (s *Store) DeleteBook(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM books WHERE url = ?`, url); err != nil {
		return fmt.Errorf("delete book %s: %w", url, err)
	}
	logging.Store("Book deleted: %s", url)
	return nil
}
