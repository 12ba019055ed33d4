// Package pipeline wires the scrape and analysis loops into the full
// question-to-answer flow. Each run gets its own workspace arena, run ID, and
// history record.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"scrapeqa/internal/archive"
	"scrapeqa/internal/config"
	"scrapeqa/internal/feedback"
	"scrapeqa/internal/logging"
	"scrapeqa/internal/prompt"
	"scrapeqa/internal/research"
	"scrapeqa/internal/store"
	"scrapeqa/internal/table"
	"scrapeqa/internal/validation"
	"scrapeqa/internal/workspace"
)

// Phase names a loop of the pipeline.
type Phase string

const (
	PhaseScrape   Phase = "scrape"
	PhaseAnalysis Phase = "analysis"
)

// FailureMessage is reported when a loop exhausts its attempts.
const FailureMessage = "All attempts failed"

// ErrNoDataset is returned when analysis is requested without data.
var ErrNoDataset = errors.New("pipeline: no dataset to analyse")

// Options bound the loops and shape the prompts.
type Options struct {
	ScrapeAttempts   int
	AnalysisAttempts int
	MinRows          int
	YearMin          int
	YearMax          int
	FetchPageContext bool
	ScriptExtension  string // extension the runner appends to scripts, for archiving
	DataSampleRows   int    // records shown inline in the analysis prompt
}

// DefaultOptions mirrors the config defaults.
func DefaultOptions() Options {
	return Options{
		ScrapeAttempts:   5,
		AnalysisAttempts: 3,
		MinRows:          validation.DefaultMinRows,
		YearMin:          1800,
		YearMax:          2100,
		FetchPageContext: true,
		ScriptExtension:  ".py",
		DataSampleRows:   20,
	}
}

// OptionsFromConfig maps the pipeline and execution sections of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	o := DefaultOptions()
	if cfg == nil {
		return o
	}
	o.ScrapeAttempts = cfg.Pipeline.ScrapeAttempts
	o.AnalysisAttempts = cfg.Pipeline.AnalysisAttempts
	o.MinRows = cfg.Pipeline.MinRows
	o.YearMin = cfg.Pipeline.YearMin
	o.YearMax = cfg.Pipeline.YearMax
	o.FetchPageContext = cfg.Pipeline.FetchPageContext
	o.ScriptExtension = cfg.Execution.Extension
	return o
}

// PageFetcher collects readable text for URLs. *research.Fetcher satisfies it.
type PageFetcher interface {
	FetchAll(ctx context.Context, urls []string) []research.Page
}

// Pipeline runs questions end to end.
type Pipeline struct {
	Generator  feedback.Generator
	Runner     feedback.Runner
	Prompts    *prompt.Library
	Workspaces *workspace.Manager
	Options    Options

	TableValidator  validation.Validator
	AnswerValidator validation.Validator

	Store    *store.RunStore  // optional
	Archiver archive.Archiver // optional
	Fetcher  PageFetcher      // optional
}

// New builds a pipeline with validators derived from opts.
func New(gen feedback.Generator, runner feedback.Runner, prompts *prompt.Library, ws *workspace.Manager, opts Options) *Pipeline {
	return &Pipeline{
		Generator:       gen,
		Runner:          runner,
		Prompts:         prompts,
		Workspaces:      ws,
		Options:         opts,
		TableValidator:  validation.NewTableValidator(opts.MinRows, opts.YearMin, opts.YearMax),
		AnswerValidator: &validation.JSONValidator{},
	}
}

func (p *Pipeline) controller(runID string, phase Phase, script, artifact string, validator validation.Validator, fb feedback.FeedbackFunc) *feedback.Controller {
	c := &feedback.Controller{
		Generator: p.Generator,
		Runner:    p.Runner,
		Validator: validator,
		Feedback:  fb,
		Script:    script,
		Artifact:  artifact,
		Phase:     string(phase),
	}
	if p.Store != nil {
		c.Recorder = p.Store.Recorder(runID)
	}
	return c
}

// ScrapeOutcome is the result of the scrape loop.
type ScrapeOutcome struct {
	Loop  *feedback.Result
	Table *table.Table // set on success
}

// Scrape runs the scrape loop in arena. On success the table is also
// projected to records JSON next to the CSV.
func (p *Pipeline) Scrape(ctx context.Context, arena *workspace.Arena, question string) (*ScrapeOutcome, error) {
	log := logging.FromContext(ctx, logging.CategoryPipeline)

	initial, err := p.Prompts.ScrapeTask(prompt.ScrapeTaskInput{
		Question:    question,
		PageContext: p.pageContext(ctx, question),
		MinRows:     p.Options.MinRows,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build scrape prompt: %w", err)
	}

	csvPath := arena.Path(workspace.ScrapedCSV)
	fb := func(a feedback.Attempt) (string, error) {
		return p.Prompts.ScrapeFeedback(prompt.ScrapeFeedbackInput{
			Question:       question,
			PreviousCode:   a.Code,
			Output:         a.Output,
			ArtifactStatus: prompt.ArtifactStatus(a.ArtifactExists),
			Preview:        prompt.CSVPreview(csvPath, prompt.DefaultPreviewRows),
			Diagnostics:    a.Validation.Diagnostics,
			MinRows:        p.Options.MinRows,
		})
	}

	c := p.controller(arena.ID(), PhaseScrape, workspace.ScraperScript, workspace.ScrapedCSV, p.TableValidator, fb)
	loop, err := c.Run(ctx, arena, initial, p.Options.ScrapeAttempts)
	if err != nil {
		return nil, err
	}
	out := &ScrapeOutcome{Loop: loop}
	if !loop.Succeeded() {
		return out, nil
	}

	t, err := table.ReadCSV(csvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read validated CSV: %w", err)
	}
	if err := writeRecords(arena, t); err != nil {
		return nil, err
	}
	out.Table = t
	log.Info("Scraped %d rows x %d columns in %d attempt(s)", t.NumRows(), t.NumCols(), len(loop.Attempts))
	return out, nil
}

func writeRecords(arena *workspace.Arena, t *table.Table) error {
	var buf bytes.Buffer
	if err := t.MarshalRecords(&buf); err != nil {
		return err
	}
	if err := arena.WriteFile(workspace.ScrapedJSON, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", workspace.ScrapedJSON, err)
	}
	return nil
}

func (p *Pipeline) pageContext(ctx context.Context, question string) []prompt.PageContext {
	if !p.Options.FetchPageContext || p.Fetcher == nil {
		return nil
	}
	urls := research.ExtractURLs(question)
	if len(urls) == 0 {
		return nil
	}
	pages := p.Fetcher.FetchAll(ctx, urls)
	out := make([]prompt.PageContext, 0, len(pages))
	for _, pg := range pages {
		out = append(out, prompt.PageContext{URL: pg.URL, Text: pg.Text})
	}
	logging.PipelineDebug("Collected page context for %d/%d URL(s)", len(out), len(urls))
	return out
}

// AnalysisOutcome is the result of the analysis loop.
type AnalysisOutcome struct {
	Loop   *feedback.Result
	Answer json.RawMessage // set on success
}

// Analyze runs the analysis loop over data in arena. data is written as the
// records file the generated program reads.
func (p *Pipeline) Analyze(ctx context.Context, arena *workspace.Arena, question string, data *table.Table) (*AnalysisOutcome, error) {
	if data == nil {
		return nil, ErrNoDataset
	}
	if !arena.Exists(workspace.ScrapedJSON) {
		if err := writeRecords(arena, data); err != nil {
			return nil, err
		}
	}

	columns := data.FieldNames()
	initial, err := p.Prompts.AnalysisTask(prompt.AnalysisTaskInput{
		Question: question,
		Data:     sampleRecords(data, p.Options.DataSampleRows),
		Columns:  columns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis prompt: %w", err)
	}

	fb := func(a feedback.Attempt) (string, error) {
		return p.Prompts.AnalysisFeedback(prompt.AnalysisFeedbackInput{
			Question:       question,
			PreviousCode:   a.Code,
			Output:         a.Output,
			ArtifactStatus: prompt.ArtifactStatus(a.ArtifactExists),
			Diagnostics:    a.Validation.Diagnostics,
			Columns:        columns,
		})
	}

	c := p.controller(arena.ID(), PhaseAnalysis, workspace.AnalysisScript, workspace.AnswerJSON, p.AnswerValidator, fb)
	loop, err := c.Run(ctx, arena, initial, p.Options.AnalysisAttempts)
	if err != nil {
		return nil, err
	}
	out := &AnalysisOutcome{Loop: loop}
	if !loop.Succeeded() {
		return out, nil
	}

	raw, err := arena.ReadFile(workspace.AnswerJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to read answer: %w", err)
	}
	out.Answer = json.RawMessage(bytes.TrimSpace(raw))
	return out, nil
}

// sampleRecords renders the first n records as indented JSON.
func sampleRecords(t *table.Table, n int) string {
	sample := t
	if n > 0 && t.NumRows() > n {
		sample = &table.Table{Header: t.Header, Rows: t.Rows[:n]}
	}
	var buf bytes.Buffer
	if err := sample.MarshalRecords(&buf); err != nil {
		return ""
	}
	s := buf.String()
	if sample != t {
		s += fmt.Sprintf("(first %d of %d records)\n", n, t.NumRows())
	}
	return s
}

// FailureAnswer is the answer body reported when a loop gives up.
func FailureAnswer(lastCode string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Error    string `json:"error"`
		LastCode string `json:"last_code"`
	}{FailureMessage, lastCode})
	return data
}
