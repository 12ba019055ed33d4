package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"scrapeqa/internal/archive"
	"scrapeqa/internal/feedback"
	"scrapeqa/internal/logging"
	"scrapeqa/internal/store"
	"scrapeqa/internal/table"
	"scrapeqa/internal/workspace"
)

// ErrEmptyQuestion is returned for a request without a question.
var ErrEmptyQuestion = errors.New("pipeline: question is empty")

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Attachment is a file submitted with a question.
type Attachment struct {
	Name   string
	Reader io.Reader
}

// Request is one question with optional attachments. A CSV or JSON records
// attachment is treated as the dataset and skips the scrape phase.
type Request struct {
	Question    string
	Attachments []Attachment
}

// Response is the user-visible outcome of a run.
type Response struct {
	RunID    string          `json:"run_id"`
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Answer   json.RawMessage `json:"answer,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Rows     int             `json:"rows,omitempty"`
	Phase    string          `json:"phase,omitempty"`
	Attempts int             `json:"attempts"`
	LastCode string          `json:"last_code,omitempty"`
}

// Succeeded reports whether the run produced its result.
func (r *Response) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

type mode int

const (
	modeFull mode = iota
	modeScrape
	modeAnalyze
)

// Answer runs the full pipeline: scrape (unless a dataset is attached), then
// analysis. Loop failures are reported in the response; the error return is
// reserved for bad requests and infrastructure failures.
func (p *Pipeline) Answer(ctx context.Context, req Request) (*Response, error) {
	return p.run(ctx, req, modeFull)
}

// ScrapeOnly runs only the scrape phase and returns the records.
func (p *Pipeline) ScrapeOnly(ctx context.Context, req Request) (*Response, error) {
	return p.run(ctx, req, modeScrape)
}

// AnalyzeOnly runs only the analysis phase over an attached dataset.
func (p *Pipeline) AnalyzeOnly(ctx context.Context, req Request) (*Response, error) {
	return p.run(ctx, req, modeAnalyze)
}

func (p *Pipeline) run(ctx context.Context, req Request, m mode) (*Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if p.Workspaces == nil || p.Prompts == nil {
		return nil, fmt.Errorf("%w: pipeline needs a workspace manager and prompt library", feedback.ErrInvalidConfig)
	}

	runID := uuid.NewString()
	arena, err := p.Workspaces.NewWithID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer func() {
		if err := arena.Close(); err != nil {
			logging.WorkspaceWarn("Failed to clean up arena %s: %v", runID, err)
		}
	}()

	log := logging.FromContext(ctx, logging.CategoryPipeline).With("run", runID)
	timer := logging.StartTimer(logging.CategoryPipeline, "Pipeline.run")
	defer timer.Stop()

	dataset, err := p.saveAttachments(arena, req.Attachments)
	if err != nil {
		return nil, err
	}
	if m == modeAnalyze && dataset == nil {
		return nil, ErrNoDataset
	}
	if err := arena.WriteFile(workspace.QuestionFile, []byte(question)); err != nil {
		return nil, fmt.Errorf("failed to write question: %w", err)
	}

	p.createRun(ctx, runID, question)
	resp := &Response{RunID: runID}
	defer p.finish(ctx, arena, resp)

	if dataset == nil || m == modeScrape {
		resp.Phase = string(PhaseScrape)
		sc, err := p.Scrape(ctx, arena, question)
		if err != nil {
			resp.fail(err.Error(), "")
			return resp, err
		}
		resp.Attempts += len(sc.Loop.Attempts)
		if !sc.Loop.Succeeded() {
			resp.failLoop(sc.Loop)
			log.Warn("Scrape phase did not converge: %s", resp.Message)
			return resp, nil
		}
		dataset = sc.Table
		if m == modeScrape {
			data, err := arena.ReadFile(workspace.ScrapedJSON)
			if err != nil {
				resp.fail(err.Error(), "")
				return resp, err
			}
			resp.Status = StatusSuccess
			resp.Message = fmt.Sprintf("Scraped %d rows", dataset.NumRows())
			resp.Rows = dataset.NumRows()
			resp.Data = json.RawMessage(bytes.TrimSpace(data))
			resp.LastCode = sc.Loop.LastCode
			return resp, nil
		}
	} else {
		log.Info("Using attached dataset (%d rows), skipping scrape", dataset.NumRows())
	}

	resp.Phase = string(PhaseAnalysis)
	an, err := p.Analyze(ctx, arena, question, dataset)
	if err != nil {
		resp.fail(err.Error(), "")
		return resp, err
	}
	resp.Attempts += len(an.Loop.Attempts)
	resp.LastCode = an.Loop.LastCode
	if !an.Loop.Succeeded() {
		resp.failLoop(an.Loop)
		log.Warn("Analysis phase did not converge: %s", resp.Message)
		return resp, nil
	}

	resp.Status = StatusSuccess
	resp.Answer = an.Answer
	resp.Rows = dataset.NumRows()
	log.Info("Run answered after %d attempt(s)", resp.Attempts)
	return resp, nil
}

func (r *Response) fail(message, lastCode string) {
	r.Status = StatusError
	r.Message = message
	if lastCode != "" {
		r.LastCode = lastCode
	}
}

func (r *Response) failLoop(loop *feedback.Result) {
	msg := FailureMessage
	if loop.Status == feedback.StatusCanceled {
		msg = "Run canceled"
	} else if diags := loop.Diagnostics(); len(diags) > 0 {
		msg += ": " + strings.Join(diags, "; ")
	}
	r.fail(msg, loop.LastCode)
	r.Answer = FailureAnswer(loop.LastCode)
}

// saveAttachments copies attachments into the arena and returns the first
// one that parses as a dataset.
func (p *Pipeline) saveAttachments(arena *workspace.Arena, attachments []Attachment) (*table.Table, error) {
	var dataset *table.Table
	for _, att := range attachments {
		rel, err := arena.SaveAttachment(att.Name, att.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to save attachment %q: %w", att.Name, err)
		}
		if dataset != nil {
			continue
		}
		t, err := LoadDataset(arena.Path(rel))
		if err != nil {
			logging.PipelineDebug("Attachment %s is not a dataset: %v", rel, err)
			continue
		}
		if t != nil && t.NumRows() > 0 {
			dataset = t
		}
	}
	return dataset, nil
}

// LoadDataset reads a CSV file or a JSON array of records. Other extensions
// return (nil, nil).
func LoadDataset(path string) (*table.Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return table.ReadCSV(path)
	case ".json":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return table.ParseRecords(f)
	}
	return nil, nil
}

func (p *Pipeline) createRun(ctx context.Context, runID, question string) {
	if p.Store == nil {
		return
	}
	if err := p.Store.CreateRun(ctx, runID, question); err != nil {
		logging.StoreWarn("Failed to record run %s: %v", runID, err)
	}
}

// finish records the outcome and archives the arena's artifacts. It runs
// after cancellation too, so it does not inherit the request's deadline.
func (p *Pipeline) finish(ctx context.Context, arena *workspace.Arena, resp *Response) {
	ctx = context.WithoutCancel(ctx)
	if resp.Status == "" {
		resp.fail("run aborted", "")
	}

	if p.Store != nil {
		status := store.RunError
		if resp.Succeeded() {
			status = store.RunSuccess
		}
		if err := p.Store.FinishRun(ctx, resp.RunID, status, resp.Phase, resp.Message, resp.Answer); err != nil {
			logging.StoreWarn("Failed to finish run %s: %v", resp.RunID, err)
		}
	}

	if p.Archiver != nil {
		ext := p.Options.ScriptExtension
		err := archive.Files(ctx, p.Archiver, resp.RunID, arena.Dir(),
			workspace.QuestionFile,
			workspace.ScraperScript+ext,
			workspace.ScrapedCSV,
			workspace.ScrapedJSON,
			workspace.AnalysisScript+ext,
			workspace.AnswerJSON,
		)
		if err != nil {
			logging.ArchiveWarn("Failed to archive run %s: %v", resp.RunID, err)
		}
	}
}
