// Service wiring shared by the commands.
package main

import (
	"context"
	"fmt"
	"path/filepath"

	"fable/internal/config"
	"fable/internal/editor"
	"fable/internal/extractor"
	"fable/internal/library"
	"fable/internal/llm"
	"fable/internal/navigator"
	"fable/internal/prefetch"
	"fable/internal/render"
	"fable/internal/scout"
	"fable/internal/store"
)

func openStore() (*store.Store, error) {
	path := cfg.Storage.DatabasePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return store.Open(path)
}

// services bundles everything a pipeline command needs. Browser-free
// commands use the store directly instead.
type services struct {
	store     *store.Store
	renderer  *render.Renderer
	library   *library.Library
	scheduler *prefetch.Scheduler
}

// buildServices opens the store, launches the browser, and wires the
// pipeline. The caller owns the returned bundle and must Close it.
func buildServices(ctx context.Context) (*services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := openStore()
	if err != nil {
		return nil, err
	}

	client, err := llm.NewClientFromConfig(cfg.LLM, cfg.GetLLMTimeout())
	if err != nil {
		st.Close()
		return nil, err
	}

	renderer := render.NewRenderer(cfg.Browser)
	if err := renderer.Start(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	sc := scout.New(client)
	nav := navigator.New(renderer, cfg.Browser)
	ex := extractor.New(renderer, cfg.Browser)
	ed := editor.New(client)

	lib := library.New(st, renderer, sc, nav)

	return &services{
		store:     st,
		renderer:  renderer,
		library:   lib,
		scheduler: prefetch.New(st, ex, ed, lib, cfg),
	}, nil
}

func (s *services) Close() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.renderer != nil {
		_ = s.renderer.Shutdown()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// resolveLangs fills empty language flags from the reader defaults.
func resolveLangs(src, dst string) (string, string) {
	if src == "" {
		src = cfg.Reader.SourceLang
	}
	if dst == "" {
		dst = cfg.Reader.TargetLang
	}
	return src, dst
}

// defaultLookAhead applies the configured default when the flag is unset.
func defaultLookAhead(n int) int {
	if n <= 0 {
		n = cfg.Prefetch.DefaultLookAhead
	}
	return config.ClampLookAhead(n)
}
