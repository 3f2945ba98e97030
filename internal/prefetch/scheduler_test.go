package prefetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fable/internal/config"
	"fable/internal/store"
	"fable/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls []string
}

func (f *fakeFetcher) FetchChapterBody(_ context.Context, url string, _ types.Blueprint, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	return f.body, f.err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRefiner struct {
	mu       sync.Mutex
	output   string
	err      error
	calls    int
	sawLive  bool // whether the context was still alive when called
	lastMode types.ProcessingMode
}

func (f *fakeRefiner) Refine(ctx context.Context, raw string, mode types.ProcessingMode, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sawLive = ctx.Err() == nil
	f.lastMode = mode
	if f.output == "" && f.err == nil {
		return "refined: " + raw, nil
	}
	return f.output, f.err
}

func (f *fakeRefiner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRepairer struct {
	mu    sync.Mutex
	bp    *types.Blueprint
	err   error
	calls int
}

func (f *fakeRepairer) RepairBlueprint(_ context.Context, _ types.Book) (*types.Blueprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.bp, f.err
}

const bookURL = "https://novel.example.com/book/1"

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Prefetch.PollInterval = "10ms"
	cfg.Prefetch.RequestsPerMin = 60_000 // keep the limiter out of test runtime
	return cfg
}

func seed(t *testing.T, chapterCount int) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "fable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertBlueprint(types.Blueprint{
		Domain:          "novel.example.com",
		ListStrategy:    types.ListSimple,
		ChapterSelector: "a",
		ContentSelector: "#content",
		WaitStrategy:    types.WaitNetworkIdle,
	}))
	require.NoError(t, st.UpsertBook(types.Book{
		URL:        bookURL,
		Domain:     "novel.example.com",
		Title:      "Test Novel",
		SourceLang: "zh",
		TargetLang: "en",
		LookAhead:  5,
	}))

	var chapters []types.Chapter
	for i := 0; i < chapterCount; i++ {
		chapters = append(chapters, types.Chapter{
			BookURL:   bookURL,
			Idx:       i,
			Title:     fmt.Sprintf("Chapter %d", i),
			SourceURL: fmt.Sprintf("https://novel.example.com/c/%d", i),
		})
	}
	require.NoError(t, st.BulkUpsertChapters(chapters))
	return st
}

func TestPassProcessesWindowInOrder(t *testing.T) {
	st := seed(t, 10)
	fetcher := &fakeFetcher{body: "raw body"}
	refiner := &fakeRefiner{}
	s := New(st, fetcher, refiner, nil, fastConfig())

	n := s.pass(context.Background(), bookURL)
	assert.Equal(t, 3, n, "one pass handles at most a batch")

	chapters, _ := st.ListChapters(bookURL)
	for i := 0; i < 3; i++ {
		assert.Equal(t, types.StatusReady, chapters[i].Status, "chapter %d", i)
		assert.Equal(t, "raw body", chapters[i].RawText)
		assert.Equal(t, "refined: raw body", chapters[i].RefinedText)
	}
	assert.Equal(t, types.StatusPending, chapters[3].Status)
	assert.Equal(t, []string{
		"https://novel.example.com/c/0",
		"https://novel.example.com/c/1",
		"https://novel.example.com/c/2",
	}, fetcher.calls, "processing follows reading order")
	assert.Equal(t, types.ModeTranslation, refiner.lastMode)
}

func TestPassFollowsReadingPosition(t *testing.T) {
	st := seed(t, 20)
	require.NoError(t, st.UpdateReadingPosition(bookURL, 10))
	fetcher := &fakeFetcher{body: "raw body"}
	s := New(st, fetcher, &fakeRefiner{}, nil, fastConfig())

	s.pass(context.Background(), bookURL)

	chapters, _ := st.ListChapters(bookURL)
	for i := 0; i < 10; i++ {
		assert.Equal(t, types.StatusPending, chapters[i].Status, "chapters behind the reader stay untouched")
	}
	assert.Equal(t, types.StatusReady, chapters[10].Status)
}

func TestPassIdlesWithoutContentSelector(t *testing.T) {
	st := seed(t, 5)
	require.NoError(t, st.InvalidateBlueprint("novel.example.com"))
	fetcher := &fakeFetcher{body: "raw body"}
	s := New(st, fetcher, &fakeRefiner{}, nil, fastConfig())

	n := s.pass(context.Background(), bookURL)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, fetcher.callCount())
}

func TestPassReinfersDroppedBlueprint(t *testing.T) {
	st := seed(t, 1)
	chapters, _ := st.ListChapters(bookURL)
	require.NoError(t, st.SetChapterRaw(chapters[0].ID, "cached raw", "zh"))
	require.NoError(t, st.UpdateChapterStatus(chapters[0].ID, types.StatusUserFlagged))
	require.NoError(t, st.InvalidateBlueprint("novel.example.com"))

	repairer := &fakeRepairer{bp: &types.Blueprint{
		Domain:          "novel.example.com",
		ListStrategy:    types.ListSimple,
		ChapterSelector: "a",
		ContentSelector: "#content",
		WaitStrategy:    types.WaitNetworkIdle,
	}}
	refiner := &fakeRefiner{output: "better output"}
	s := New(st, &fakeFetcher{}, refiner, repairer, fastConfig())

	n := s.pass(context.Background(), bookURL)
	assert.Equal(t, 1, n, "flagged chapter stays eligible after the blueprint is dropped")
	assert.Equal(t, 1, repairer.calls)
	assert.Equal(t, 1, refiner.callCount())

	got, _ := st.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, "better output", got.RefinedText)
}

func TestPassIdlesWhenReinferenceFails(t *testing.T) {
	st := seed(t, 1)
	require.NoError(t, st.InvalidateBlueprint("novel.example.com"))

	repairer := &fakeRepairer{err: errors.New("inference failed: malformed model output")}
	fetcher := &fakeFetcher{body: "raw body"}
	s := New(st, fetcher, &fakeRefiner{}, repairer, fastConfig())

	n := s.pass(context.Background(), bookURL)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, repairer.calls)
	assert.Equal(t, 0, fetcher.callCount(), "no fetching without a usable blueprint")
}

func TestFetchFailureSkipsRefinement(t *testing.T) {
	st := seed(t, 3)
	fetcher := &fakeFetcher{err: errors.New("content below expected minimum length: got 12, want at least 500")}
	refiner := &fakeRefiner{}
	s := New(st, fetcher, refiner, nil, fastConfig())

	s.pass(context.Background(), bookURL)

	chapters, _ := st.ListChapters(bookURL)
	assert.Equal(t, types.StatusFetchFailed, chapters[0].Status)
	assert.Contains(t, chapters[0].LastError, "minimum length")
	assert.Equal(t, 0, refiner.callCount(), "nothing to refine after a failed fetch")
}

func TestRefineFailureMarksChapterFailed(t *testing.T) {
	st := seed(t, 3)
	fetcher := &fakeFetcher{body: "raw body"}
	refiner := &fakeRefiner{err: errors.New("translation: 503 overloaded")}
	s := New(st, fetcher, refiner, nil, fastConfig())

	s.pass(context.Background(), bookURL)

	chapters, _ := st.ListChapters(bookURL)
	assert.Equal(t, types.StatusFetchFailed, chapters[0].Status)
	assert.Contains(t, chapters[0].LastError, "503")
	assert.Equal(t, "raw body", chapters[0].RawText, "fetched text survives a refine failure")
}

func TestCachedRawTextSkipsFetch(t *testing.T) {
	st := seed(t, 1)
	chapters, _ := st.ListChapters(bookURL)
	require.NoError(t, st.SetChapterRaw(chapters[0].ID, "cached raw", "zh"))

	fetcher := &fakeFetcher{body: "should not be fetched"}
	refiner := &fakeRefiner{}
	s := New(st, fetcher, refiner, nil, fastConfig())

	s.pass(context.Background(), bookURL)

	assert.Equal(t, 0, fetcher.callCount(), "cached chapters go straight to refinement")
	got, _ := st.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, "refined: cached raw", got.RefinedText)
}

func TestFlaggedChaptersAreReworked(t *testing.T) {
	st := seed(t, 1)
	chapters, _ := st.ListChapters(bookURL)
	require.NoError(t, st.SetChapterRaw(chapters[0].ID, "cached raw", "zh"))
	require.NoError(t, st.SetChapterRefined(chapters[0].ID, "bad output", "en"))
	require.NoError(t, st.UpdateChapterStatus(chapters[0].ID, types.StatusUserFlagged))

	fetcher := &fakeFetcher{}
	refiner := &fakeRefiner{output: "better output"}
	s := New(st, fetcher, refiner, nil, fastConfig())

	s.pass(context.Background(), bookURL)

	got, _ := st.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusReady, got.Status)
	assert.Equal(t, "better output", got.RefinedText)
	assert.Equal(t, 0, fetcher.callCount(), "a flagged chapter reuses its cached raw text")
}

func TestRefinementShieldedFromCancellation(t *testing.T) {
	st := seed(t, 1)
	chapters, _ := st.ListChapters(bookURL)
	require.NoError(t, st.SetChapterRaw(chapters[0].ID, "cached raw", "zh"))

	refiner := &fakeRefiner{}
	s := New(st, &fakeFetcher{}, refiner, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	book, _ := st.GetBook(bookURL)
	bp, _ := st.GetBlueprint("novel.example.com")
	err := s.process(ctx, *book, *bp, func() types.Chapter {
		ch, _ := st.GetChapter(chapters[0].ID)
		return *ch
	}())
	require.NoError(t, err)

	assert.True(t, refiner.sawLive, "refinement runs on a context detached from the loop")
	got, _ := st.GetChapter(chapters[0].ID)
	assert.Equal(t, types.StatusReady, got.Status, "in-flight work is persisted despite shutdown")
}

func TestStartRepairsStrandedChapters(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := seed(t, 3)
	defer st.Close() // before leak verification: sql keeps a pool goroutine alive
	require.NoError(t, st.InvalidateBlueprint("novel.example.com")) // keep the loop idle
	chapters, _ := st.ListChapters(bookURL)
	require.NoError(t, st.UpdateChapterStatus(chapters[1].ID, types.StatusTranslating))

	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())
	require.NoError(t, s.Start(context.Background(), bookURL))
	defer s.Stop()

	got, _ := st.GetChapter(chapters[1].ID)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestStartReplacesRunningLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := seed(t, 3)
	defer st.Close()
	require.NoError(t, st.InvalidateBlueprint("novel.example.com"))
	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())

	require.NoError(t, s.Start(context.Background(), bookURL))
	s.mu.Lock()
	first := s.done
	s.mu.Unlock()
	require.NoError(t, s.Start(context.Background(), bookURL))

	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first loop still running after restart")
	}
	s.Stop()
}

func TestConcurrentStartsKeepOneLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := seed(t, 1)
	defer st.Close()
	require.NoError(t, st.InvalidateBlueprint("novel.example.com"))
	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start(context.Background(), bookURL))
		}()
	}
	wg.Wait()
	s.Stop()
}

func TestStartUnknownBook(t *testing.T) {
	st := seed(t, 1)
	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())
	require.Error(t, s.Start(context.Background(), "https://nope.example.com/book"))
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	st := seed(t, 1)
	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())
	s.Stop()
	s.Stop()
}

func TestLoopDrainsQueueOverTime(t *testing.T) {
	defer goleak.VerifyNone(t)

	st := seed(t, 4)
	defer st.Close()
	fetcher := &fakeFetcher{body: "raw body"}
	s := New(st, fetcher, &fakeRefiner{}, nil, fastConfig())

	require.NoError(t, s.Start(context.Background(), bookURL))

	deadline := time.After(5 * time.Second)
	for {
		chapters, err := st.ListChapters(bookURL)
		require.NoError(t, err)
		ready := 0
		for _, ch := range chapters {
			if ch.Status == types.StatusReady {
				ready++
			}
		}
		if ready == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 4 chapters ready", ready)
		case <-time.After(20 * time.Millisecond):
		}
	}
	s.Stop()
}

func TestProcessNow(t *testing.T) {
	st := seed(t, 30)
	require.NoError(t, st.UpdateReadingPosition(bookURL, 0))
	chapters, _ := st.ListChapters(bookURL)
	target := chapters[25] // far outside any look-ahead window

	fetcher := &fakeFetcher{body: "raw body"}
	refiner := &fakeRefiner{}
	s := New(st, fetcher, refiner, nil, fastConfig())

	require.NoError(t, s.ProcessNow(context.Background(), target.ID))

	got, _ := st.GetChapter(target.ID)
	assert.Equal(t, types.StatusReady, got.Status)

	// A second call on a READY chapter is a no-op.
	require.NoError(t, s.ProcessNow(context.Background(), target.ID))
	assert.Equal(t, 1, fetcher.callCount())
}

func TestProcessNowUnknownChapter(t *testing.T) {
	st := seed(t, 1)
	s := New(st, &fakeFetcher{}, &fakeRefiner{}, nil, fastConfig())
	require.Error(t, s.ProcessNow(context.Background(), 99999))
}
