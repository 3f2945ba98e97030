package editor

import (
	"context"
	"errors"
	"testing"

	"fable/internal/llm"
	"fable/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	response string
	err      error
	system   string
	user     string
	calls    int
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithOptions(ctx, "", prompt, llm.DefaultOptions())
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return f.CompleteWithOptions(ctx, system, user, llm.DefaultOptions())
}

func (f *fakeClient) CompleteWithOptions(_ context.Context, system, user string, _ llm.Options) (string, error) {
	f.calls++
	f.system = system
	f.user = user
	return f.response, f.err
}

// fakeStreamer adds streaming on top of fakeClient.
type fakeStreamer struct {
	fakeClient
	chunks []string
}

func (f *fakeStreamer) CompleteStream(_ context.Context, system, user string, _ llm.Options, onChunk func(string)) (string, error) {
	f.calls++
	f.system = system
	f.user = user
	if f.err != nil {
		return "", f.err
	}
	full := ""
	for _, c := range f.chunks {
		full += c
		if onChunk != nil {
			onChunk(c)
		}
	}
	return full, nil
}

func TestRefineCleanup(t *testing.T) {
	client := &fakeClient{response: "Cleaned chapter text."}
	e := New(client)

	out, err := e.Refine(context.Background(), "raw scraped txt", types.ModeCleanup, "en", "en")
	require.NoError(t, err)
	assert.Equal(t, "Cleaned chapter text.", out)
	assert.Contains(t, client.system, "copy editor")
	assert.NotContains(t, client.system, "Translate")
	assert.Equal(t, "raw scraped txt", client.user)
}

func TestRefineTranslationNamesBothLanguages(t *testing.T) {
	client := &fakeClient{response: "Translated."}
	e := New(client)

	_, err := e.Refine(context.Background(), "原文", types.ModeTranslation, "zh", "en")
	require.NoError(t, err)
	assert.Contains(t, client.system, "Chinese")
	assert.Contains(t, client.system, "English")
	assert.Contains(t, client.system, "nothing else", "output language is pinned to the target")
}

func TestRefineEmptyInput(t *testing.T) {
	e := New(&fakeClient{response: "x"})
	_, err := e.Refine(context.Background(), "   \n  ", types.ModeCleanup, "en", "en")
	assert.True(t, errors.Is(err, ErrEmptyInput))
}

func TestRefineServiceErrorTaggedWithMode(t *testing.T) {
	client := &fakeClient{err: errors.New("503 overloaded")}
	e := New(client)

	_, err := e.Refine(context.Background(), "text", types.ModeTranslation, "zh", "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "translation")
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 1, client.calls, "one attempt only")
}

func TestRefineEmptyServiceOutput(t *testing.T) {
	e := New(&fakeClient{response: "  \n "})
	_, err := e.Refine(context.Background(), "text", types.ModeCleanup, "en", "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty text")
}

func TestRefineStripsCodeFences(t *testing.T) {
	e := New(&fakeClient{response: "```\nThe chapter.\n```"})
	out, err := e.Refine(context.Background(), "text", types.ModeCleanup, "en", "en")
	require.NoError(t, err)
	assert.Equal(t, "The chapter.", out)
}

func TestRefineUnknownMode(t *testing.T) {
	e := New(&fakeClient{})
	_, err := e.Refine(context.Background(), "text", "SUMMARIZE", "en", "en")
	require.Error(t, err)
}

func TestRefineStreamDeliversChunks(t *testing.T) {
	client := &fakeStreamer{chunks: []string{"The ", "translated ", "chapter."}}
	e := New(client)

	var got []string
	out, err := e.RefineStream(context.Background(), "原文", types.ModeTranslation, "zh", "en", func(c string) {
		got = append(got, c)
	})
	require.NoError(t, err)
	assert.Equal(t, "The translated chapter.", out)
	assert.Equal(t, []string{"The ", "translated ", "chapter."}, got)
}

func TestRefineStreamFallsBackWithoutStreamer(t *testing.T) {
	client := &fakeClient{response: "Whole thing at once."}
	e := New(client)

	var got []string
	out, err := e.RefineStream(context.Background(), "text", types.ModeCleanup, "en", "en", func(c string) {
		got = append(got, c)
	})
	require.NoError(t, err)
	assert.Equal(t, "Whole thing at once.", out)
	assert.Equal(t, []string{"Whole thing at once."}, got, "non-streaming clients produce a single chunk")
}
