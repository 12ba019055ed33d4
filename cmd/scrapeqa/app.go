package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"scrapeqa/internal/archive"
	"scrapeqa/internal/browser"
	"scrapeqa/internal/config"
	"scrapeqa/internal/logging"
	"scrapeqa/internal/perception"
	"scrapeqa/internal/pipeline"
	"scrapeqa/internal/prompt"
	"scrapeqa/internal/research"
	"scrapeqa/internal/store"
	"scrapeqa/internal/tactile"
	"scrapeqa/internal/workspace"
)

// app holds everything a pipeline command needs, plus what must be released
// when it finishes.
type app struct {
	pipeline *pipeline.Pipeline
	store    *store.RunStore
	tracer   *perception.TracingClient
	renderer *browser.Renderer // nil unless browser.enabled
	closers  []func() error
}

// newApp wires the pipeline from cfg. The LLM client is only built when
// withModel is set, so read-only commands run without credentials.
func newApp(ctx context.Context, cfg *config.Config, withModel bool) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Store.Enabled {
		s, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	if !withModel {
		ok = true
		return a, nil
	}

	if err := cfg.ValidateCredentials(); err != nil {
		return nil, err
	}
	client, err := perception.NewClientFromConfig(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.tracer = perception.NewTracingClient(client)
	gen := perception.NewCodeGenerator(a.tracer)

	execTimeout := cfg.GetExecutionTimeout()
	executor := tactile.NewDirectExecutorWithConfig(tactile.ConfigFromSettings(cfg.Execution, execTimeout))
	runner := tactile.NewScriptRunner(executor, cfg.Execution.Interpreter, cfg.Execution.Extension, execTimeout)

	prompts, err := prompt.NewLibrary(cfg.Prompts.OverrideDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}
	if cfg.Prompts.Watch && cfg.Prompts.OverrideDir != "" {
		w, err := prompt.NewWatcher(prompts, 0)
		if err != nil {
			return nil, err
		}
		w.OnReload = func(err error) {
			if err != nil {
				logging.PromptWarn("Template reload failed, keeping previous set: %v", err)
			}
		}
		if err := w.Start(ctx); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch prompt overrides: %w", err)
		}
		a.closers = append(a.closers, w.Close)
	}

	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.Keep)
	if err != nil {
		return nil, err
	}

	p := pipeline.New(gen, runner, prompts, workspaces, pipeline.OptionsFromConfig(cfg))
	if a.store != nil {
		p.Store = a.store
	}

	archiver, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("failed to set up archive: %w", err)
	}
	p.Archiver = archiver

	if cfg.Pipeline.FetchPageContext {
		fetcher := research.NewFetcher(cfg.GetFetchTimeout(), cfg.Pipeline.PageContextChars)
		if cfg.Browser.Enabled {
			r := browser.NewRenderer(browser.ConfigFromSettings(cfg.Browser, cfg.GetPageTimeout()))
			fetcher.Renderer = r
			a.renderer = r
			a.closers = append(a.closers, r.Shutdown)
		}
		p.Fetcher = fetcher
	}

	a.pipeline = p
	ok = true
	logging.Boot("Pipeline ready: model=%s interpreter=%s attempts=%d/%d",
		cfg.LLM.Model, cfg.Execution.Interpreter, p.Options.ScrapeAttempts, p.Options.AnalysisAttempts)
	return a, nil
}

func openStore(cfg *config.Config) (*store.RunStore, error) {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return s, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.tracer != nil {
		stats := a.tracer.Stats()
		logging.APIDebug("LLM usage: %+v", stats)
	}
	return errors.Join(errs...)
}

// readQuestion loads a question file; "-" reads stdin.
func readQuestion(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filepath.Clean(path))
	}
	if err != nil {
		return "", fmt.Errorf("failed to read question: %w", err)
	}
	return string(data), nil
}
