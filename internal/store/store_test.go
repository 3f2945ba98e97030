package store

import (
	"path/filepath"
	"testing"

	"fable/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "fable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBook(t *testing.T, s *Store, url string) types.Book {
	t.Helper()
	b := types.Book{
		URL:        url,
		Domain:     types.DomainOf(url),
		Title:      "Test Novel",
		SourceLang: "zh",
		TargetLang: "en",
		LookAhead:  5,
	}
	require.NoError(t, s.UpsertBook(b))
	return b
}

func TestOpenCreatesSchema(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats()
	require.NoError(t, err)
	for _, table := range []string{"blueprints", "books", "chapters"} {
		if _, ok := stats[table]; !ok {
			t.Errorf("missing table %s", table)
		}
	}
}

func TestBlueprintRoundTrip(t *testing.T) {
	s := newTestStore(t)

	bp, err := s.GetBlueprint("novel.example.com")
	require.NoError(t, err)
	assert.Nil(t, bp, "absence is a valid state")

	require.NoError(t, s.UpsertBlueprint(types.Blueprint{
		Domain:           "novel.example.com",
		ListStrategy:     types.ListPaginated,
		ChapterSelector:  ".chapter-list a",
		NextPageSelector: ".next",
		WaitStrategy:     types.WaitNetworkIdle,
	}))

	bp, err = s.GetBlueprint("novel.example.com")
	require.NoError(t, err)
	require.NotNil(t, bp)
	assert.Equal(t, types.ListPaginated, bp.ListStrategy)
	assert.Equal(t, 1, bp.Version)
	assert.False(t, bp.LastValidated.IsZero())
}

func TestBlueprintVersionIncrementsOnRegeneration(t *testing.T) {
	s := newTestStore(t)

	bp := types.Blueprint{
		Domain:          "novel.example.com",
		ListStrategy:    types.ListSimple,
		ChapterSelector: "a.chapter",
		WaitStrategy:    types.WaitFixedTimeout,
	}
	require.NoError(t, s.UpsertBlueprint(bp))

	bp.ChapterSelector = "ul.toc a"
	require.NoError(t, s.UpsertBlueprint(bp))

	got, err := s.GetBlueprint("novel.example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "ul.toc a", got.ChapterSelector)
}

func TestBlueprintInvalidate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertBlueprint(types.Blueprint{
		Domain:          "novel.example.com",
		ListStrategy:    types.ListSimple,
		ChapterSelector: "a",
		WaitStrategy:    types.WaitNetworkIdle,
	}))
	require.NoError(t, s.InvalidateBlueprint("novel.example.com"))

	bp, err := s.GetBlueprint("novel.example.com")
	require.NoError(t, err)
	assert.Nil(t, bp)
}

func TestSetContentSelector(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertBlueprint(types.Blueprint{
		Domain:          "novel.example.com",
		ListStrategy:    types.ListSimple,
		ChapterSelector: "a",
		WaitStrategy:    types.WaitNetworkIdle,
	}))
	require.NoError(t, s.SetContentSelector("novel.example.com", "#content"))

	bp, err := s.GetBlueprint("novel.example.com")
	require.NoError(t, err)
	assert.Equal(t, "#content", bp.ContentSelector)

	assert.Error(t, s.SetContentSelector("unknown.example.com", "#content"))
}

func TestBulkUpsertNeverDuplicatesOrdinals(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	first := []types.Chapter{
		{BookURL: b.URL, Idx: 0, Title: "Prologue", SourceURL: "https://novel.example.com/c/0"},
		{BookURL: b.URL, Idx: 1, Title: "Chapter 1", SourceURL: "https://novel.example.com/c/1"},
	}
	require.NoError(t, s.BulkUpsertChapters(first))

	// Re-scrape: same ordinals, one retitled.
	second := []types.Chapter{
		{BookURL: b.URL, Idx: 0, Title: "Prologue (revised)", SourceURL: "https://novel.example.com/c/0"},
		{BookURL: b.URL, Idx: 1, Title: "Chapter 1", SourceURL: "https://novel.example.com/c/1"},
		{BookURL: b.URL, Idx: 2, Title: "Chapter 2", SourceURL: "https://novel.example.com/c/2"},
	}
	require.NoError(t, s.BulkUpsertChapters(second))

	chapters, err := s.ListChapters(b.URL)
	require.NoError(t, err)
	require.Len(t, chapters, 3)
	assert.Equal(t, "Prologue (revised)", chapters[0].Title)
	assert.Equal(t, types.StatusPending, chapters[0].Status)
}

func TestBulkUpsertPreservesPipelineState(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b.URL, Idx: 0, Title: "Ch", SourceURL: "u"},
	}))
	chapters, _ := s.ListChapters(b.URL)
	id := chapters[0].ID

	require.NoError(t, s.SetChapterRaw(id, "raw body text", "zh"))
	require.NoError(t, s.SetChapterRefined(id, "refined body text", "en"))

	// A later re-scrape must not clobber fetched content or status.
	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b.URL, Idx: 0, Title: "Ch retitled", SourceURL: "u"},
	}))

	got, err := s.GetChapter(id)
	require.NoError(t, err)
	assert.Equal(t, "Ch retitled", got.Title)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, "raw body text", got.RawText)
	assert.Equal(t, "refined body text", got.RefinedText)
}

func TestRangeAndWindowQueries(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	var chapters []types.Chapter
	for i := 0; i < 20; i++ {
		chapters = append(chapters, types.Chapter{
			BookURL: b.URL, Idx: i, Title: "Ch", SourceURL: "u",
		})
	}
	require.NoError(t, s.BulkUpsertChapters(chapters))

	inRange, err := s.GetChaptersInRange(b.URL, 10, 15)
	require.NoError(t, err)
	require.Len(t, inRange, 6)
	assert.Equal(t, 10, inRange[0].Idx)
	assert.Equal(t, 15, inRange[5].Idx)

	// Mark a few chapters so only some remain eligible.
	require.NoError(t, s.UpdateChapterStatus(inRange[0].ID, types.StatusReady))
	require.NoError(t, s.UpdateChapterStatus(inRange[1].ID, types.StatusUserFlagged))

	candidates, err := s.CandidatesInWindow(b.URL, 10, 15, 3)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, 11, candidates[0].Idx, "flagged chapters stay eligible")
	assert.Equal(t, types.StatusUserFlagged, candidates[0].Status)
	assert.Equal(t, 12, candidates[1].Idx)
}

func TestResetTranslatingRepairsCrashArtifacts(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b.URL, Idx: 0, SourceURL: "u"},
		{BookURL: b.URL, Idx: 1, SourceURL: "u"},
		{BookURL: b.URL, Idx: 2, SourceURL: "u"},
	}))
	chapters, _ := s.ListChapters(b.URL)
	require.NoError(t, s.UpdateChapterStatus(chapters[0].ID, types.StatusTranslating))
	require.NoError(t, s.UpdateChapterStatus(chapters[1].ID, types.StatusReady))

	n, err := s.ResetTranslating(b.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusPending, got.Status)
	got, _ = s.GetChapter(chapters[1].ID)
	assert.Equal(t, types.StatusReady, got.Status, "READY chapters untouched")
}

func TestResetForRetryOnlyTouchesRetryableStates(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b.URL, Idx: 0, SourceURL: "u"},
		{BookURL: b.URL, Idx: 1, SourceURL: "u"},
		{BookURL: b.URL, Idx: 2, SourceURL: "u"},
	}))
	chapters, _ := s.ListChapters(b.URL)

	require.NoError(t, s.MarkChapterFailed(chapters[0].ID, "content too short"))
	require.NoError(t, s.UpdateChapterStatus(chapters[1].ID, types.StatusReady))
	require.NoError(t, s.UpdateChapterStatus(chapters[2].ID, types.StatusFetching))

	require.NoError(t, s.ResetForRetry(chapters[0].ID))
	require.NoError(t, s.ResetForRetry(chapters[1].ID))
	require.NoError(t, s.ResetForRetry(chapters[2].ID))

	got, _ := s.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Empty(t, got.LastError)

	got, _ = s.GetChapter(chapters[1].ID)
	assert.Equal(t, types.StatusReady, got.Status, "READY is not retryable")

	got, _ = s.GetChapter(chapters[2].ID)
	assert.Equal(t, types.StatusPending, got.Status, "stale FETCHING is retryable")
}

func TestResetForRetranslateKeepsRawText(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{{BookURL: b.URL, Idx: 0, SourceURL: "u"}}))
	chapters, _ := s.ListChapters(b.URL)
	id := chapters[0].ID

	require.NoError(t, s.SetChapterRaw(id, "raw", "zh"))
	require.NoError(t, s.SetChapterRefined(id, "refined", "en"))
	require.NoError(t, s.ResetForRetranslate(id))

	got, _ := s.GetChapter(id)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, "raw", got.RawText)
	assert.Empty(t, got.RefinedText)
}

func TestDeleteBookCascadesToChapters(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b.URL, Idx: 0, SourceURL: "u"},
		{BookURL: b.URL, Idx: 1, SourceURL: "u"},
	}))
	require.NoError(t, s.DeleteBook(b.URL))

	chapters, err := s.ListChapters(b.URL)
	require.NoError(t, err)
	assert.Empty(t, chapters)
}

func TestCountFlaggedByDomain(t *testing.T) {
	s := newTestStore(t)
	b1 := seedBook(t, s, "https://novel.example.com/book/1")
	b2 := seedBook(t, s, "https://novel.example.com/book/2")
	other := seedBook(t, s, "https://other.example.org/book/1")

	require.NoError(t, s.BulkUpsertChapters([]types.Chapter{
		{BookURL: b1.URL, Idx: 0, SourceURL: "u"},
		{BookURL: b1.URL, Idx: 1, SourceURL: "u"},
		{BookURL: b2.URL, Idx: 0, SourceURL: "u"},
		{BookURL: other.URL, Idx: 0, SourceURL: "u"},
	}))

	for _, url := range []string{b1.URL, b2.URL, other.URL} {
		chapters, _ := s.ListChapters(url)
		for _, c := range chapters {
			require.NoError(t, s.UpdateChapterStatus(c.ID, types.StatusUserFlagged))
		}
	}

	count, err := s.CountFlaggedByDomain("novel.example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "flags aggregate across books of the same domain")

	count, err = s.CountFlaggedByDomain("other.example.org")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBookSettingsAndPosition(t *testing.T) {
	s := newTestStore(t)
	b := seedBook(t, s, "https://novel.example.com/book/1")

	require.NoError(t, s.UpdateReadingPosition(b.URL, 12))
	require.NoError(t, s.UpdateBookSettings(b.URL, "ja", "en", 8))

	got, err := s.GetBook(b.URL)
	require.NoError(t, err)
	assert.Equal(t, 12, got.CurrentIndex)
	assert.Equal(t, "ja", got.SourceLang)
	assert.Equal(t, 8, got.LookAhead)

	assert.Error(t, s.UpdateReadingPosition("https://nope.example.com", 1))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, RunMigrations(s.DB()))
	require.NoError(t, RunMigrations(s.DB()))

	exists, err := columnExists(s.DB(), "chapters", "min_length")
	require.NoError(t, err)
	assert.True(t, exists)
}
