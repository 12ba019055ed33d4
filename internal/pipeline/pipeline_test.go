package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scrapeqa/internal/archive"
	"scrapeqa/internal/feedback"
	"scrapeqa/internal/prompt"
	"scrapeqa/internal/research"
	"scrapeqa/internal/store"
	"scrapeqa/internal/tactile"
	"scrapeqa/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const question = "Scrape the list of highest grossing films. How many grossed over $2bn?"

func csvRows(n int) string {
	var b strings.Builder
	b.WriteString("Film,Year,Gross\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Film %d,%d,%d\n", i, 1990+i, 1000+i*500)
	}
	return b.String()
}

// recordingGenerator returns code-1, code-2, ... and keeps every prompt.
type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
}

func (g *recordingGenerator) Generate(ctx context.Context, p string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	return fmt.Sprintf("code-%d", len(g.prompts)), nil
}

// fakeRunner writes the artifact each script is expected to produce.
type fakeRunner struct {
	mu      sync.Mutex
	scripts []string
	rows    int    // rows the scraper writes; <0 writes nothing
	answer  string // answer.json contents; "" writes nothing
}

func (r *fakeRunner) Run(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error) {
	r.mu.Lock()
	r.scripts = append(r.scripts, name)
	r.mu.Unlock()

	if err := os.WriteFile(filepath.Join(dir, name), []byte(source), 0644); err != nil {
		return nil, err
	}
	switch name {
	case workspace.ScraperScript:
		if r.rows >= 0 {
			if err := os.WriteFile(filepath.Join(dir, workspace.ScrapedCSV), []byte(csvRows(r.rows)), 0644); err != nil {
				return nil, err
			}
		}
	case workspace.AnalysisScript:
		if r.answer != "" {
			if err := os.WriteFile(filepath.Join(dir, workspace.AnswerJSON), []byte(r.answer), 0644); err != nil {
				return nil, err
			}
		}
	}
	return &tactile.ExecutionResult{Success: true, Stdout: "ran " + source + "\n"}, nil
}

func (r *fakeRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.scripts {
		if s == name {
			n++
		}
	}
	return n
}

type memArchiver struct {
	mu      sync.Mutex
	objects map[string]string
}

func (m *memArchiver) Archive(ctx context.Context, runID, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[archive.ObjectKey(runID, name)] = string(data)
	return nil
}

type stubFetcher struct {
	urls []string
}

func (f *stubFetcher) FetchAll(ctx context.Context, urls []string) []research.Page {
	f.urls = append(f.urls, urls...)
	pages := make([]research.Page, 0, len(urls))
	for _, u := range urls {
		pages = append(pages, research.Page{URL: u, Text: "Avatar | 2009 | 2,923,706,026"})
	}
	return pages
}

type fixture struct {
	p     *Pipeline
	gen   *recordingGenerator
	run   *fakeRunner
	root  string
	store *store.RunStore
	arch  *memArchiver
}

func newFixture(t *testing.T, run *fakeRunner) *fixture {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.NewManager(root, false)
	require.NoError(t, err)
	lib, err := prompt.NewLibrary("")
	require.NoError(t, err)
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gen := &recordingGenerator{}
	opts := DefaultOptions()
	opts.ScriptExtension = ""
	p := New(gen, run, lib, ws, opts)
	p.Store = s
	arch := &memArchiver{}
	p.Archiver = arch

	return &fixture{p: p, gen: gen, run: run, root: root, store: s, arch: arch}
}

func TestAnswer_FullRun(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 8, answer: `{"count": 3}`})
	ctx := context.Background()

	resp, err := f.p.Answer(ctx, Request{Question: question})
	require.NoError(t, err)
	require.True(t, resp.Succeeded(), resp.Message)

	assert.JSONEq(t, `{"count": 3}`, string(resp.Answer))
	assert.Equal(t, 8, resp.Rows)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, string(PhaseAnalysis), resp.Phase)
	assert.Equal(t, "code-2", resp.LastCode)
	assert.NoDirExists(t, filepath.Join(f.root, resp.RunID))

	require.Len(t, f.gen.prompts, 2)
	assert.Contains(t, f.gen.prompts[0], workspace.ScrapedCSV)
	assert.Contains(t, f.gen.prompts[1], "Columns: Film, Year, Gross")

	run, err := f.store.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 2, run.Attempts)
	assert.Equal(t, question, run.Question)

	assert.Contains(t, f.arch.objects, archive.ObjectKey(resp.RunID, workspace.QuestionFile))
	assert.Contains(t, f.arch.objects, archive.ObjectKey(resp.RunID, workspace.ScrapedCSV))
	assert.Contains(t, f.arch.objects, archive.ObjectKey(resp.RunID, workspace.ScrapedJSON))
	assert.Equal(t, "code-2", f.arch.objects[archive.ObjectKey(resp.RunID, workspace.AnalysisScript)])
}

func TestAnswer_ScrapeExhausted(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 2, answer: `{"count": 3}`})

	resp, err := f.p.Answer(context.Background(), Request{Question: question})
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, string(PhaseScrape), resp.Phase)
	assert.Equal(t, 5, resp.Attempts)
	assert.Equal(t, "code-5", resp.LastCode)
	assert.True(t, strings.HasPrefix(resp.Message, FailureMessage))
	assert.Contains(t, resp.Message, "too few rows")
	assert.Zero(t, f.run.count(workspace.AnalysisScript))

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Answer, &body))
	assert.Equal(t, FailureMessage, body["error"])
	assert.Equal(t, "code-5", body["last_code"])

	// every retry after the first carries the feedback
	for _, p := range f.gen.prompts[1:] {
		assert.Contains(t, p, "was created")
		assert.Contains(t, p, "too few rows: got 2, need at least 5")
	}

	run, err := f.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, run.Status)
	assert.Equal(t, 5, run.Attempts)
}

func TestAnswer_AnalysisExhausted(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 6, answer: `{"error": "KeyError: 'Gross'"}`})

	resp, err := f.p.Answer(context.Background(), Request{Question: question})
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, string(PhaseAnalysis), resp.Phase)
	assert.Equal(t, 1+3, resp.Attempts)
	assert.Equal(t, 3, f.run.count(workspace.AnalysisScript))
	assert.Equal(t, "code-4", resp.LastCode)
	assert.JSONEq(t, `{"error":"All attempts failed","last_code":"code-4"}`, string(resp.Answer))
}

func TestAnswer_AttachedCSVSkipsScrape(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: -1, answer: `[1, 2]`})

	resp, err := f.p.Answer(context.Background(), Request{
		Question:    "What is the total gross?",
		Attachments: []Attachment{
			{Name: "notes.txt", Reader: strings.NewReader("ignore me")},
			{Name: "films.csv", Reader: strings.NewReader(csvRows(3))},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded(), resp.Message)
	assert.Zero(t, f.run.count(workspace.ScraperScript))
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 3, resp.Rows)
	assert.JSONEq(t, `[1, 2]`, string(resp.Answer))
	assert.Contains(t, f.arch.objects, archive.ObjectKey(resp.RunID, workspace.ScrapedJSON))
}

func TestScrapeOnly(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 5})

	resp, err := f.p.ScrapeOnly(context.Background(), Request{Question: question})
	require.NoError(t, err)
	require.True(t, resp.Succeeded(), resp.Message)
	assert.Equal(t, 5, resp.Rows)
	assert.Equal(t, 1, resp.Attempts)
	assert.Zero(t, f.run.count(workspace.AnalysisScript))

	var records []map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	require.Len(t, records, 5)
	assert.Equal(t, "Film 0", records[0]["Film"])
}

func TestAnalyzeOnly(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: -1, answer: `{"total": 7}`})

	_, err := f.p.AnalyzeOnly(context.Background(), Request{Question: "Total?"})
	assert.ErrorIs(t, err, ErrNoDataset)

	resp, err := f.p.AnalyzeOnly(context.Background(), Request{
		Question:    "Total?",
		Attachments: []Attachment{{Name: "data.json", Reader: strings.NewReader(`[{"a": 3}, {"a": 4}]`)}},
	})
	require.NoError(t, err)
	require.True(t, resp.Succeeded(), resp.Message)
	assert.JSONEq(t, `{"total": 7}`, string(resp.Answer))
	assert.Equal(t, 2, resp.Rows)
}

func TestAnswer_EmptyQuestion(t *testing.T) {
	f := newFixture(t, &fakeRunner{})
	_, err := f.p.Answer(context.Background(), Request{Question: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, f.gen.prompts)
}

func TestAnswer_Canceled(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 8, answer: `{}`})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.p.Answer(ctx, Request{Question: question})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAnswer_CanceledMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := &fakeRunner{rows: 1}
	f := newFixture(t, run)
	f.p.Runner = feedback.RunnerFunc(func(c context.Context, dir, name, source string) (*tactile.ExecutionResult, error) {
		cancel()
		return run.Run(c, dir, name, source)
	})

	resp, err := f.p.Answer(ctx, Request{Question: question})
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "Run canceled", resp.Message)
	assert.Less(t, resp.Attempts, 5)

	stored, err := f.store.GetRun(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, stored.Status)
}

func TestScrape_PageContext(t *testing.T) {
	f := newFixture(t, &fakeRunner{rows: 5})
	fetcher := &stubFetcher{}
	f.p.Fetcher = fetcher

	_, err := f.p.ScrapeOnly(context.Background(), Request{
		Question: "Scrape https://en.wikipedia.org/wiki/List_of_highest-grossing_films. Count films.",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://en.wikipedia.org/wiki/List_of_highest-grossing_films"}, fetcher.urls)
	require.NotEmpty(t, f.gen.prompts)
	assert.Contains(t, f.gen.prompts[0], "Avatar | 2009")

	f.p.Options.FetchPageContext = false
	fetcher.urls = nil
	_, err = f.p.ScrapeOnly(context.Background(), Request{Question: "Scrape https://example.org/x"})
	require.NoError(t, err)
	assert.Empty(t, fetcher.urls)
}

func TestFailureAnswer(t *testing.T) {
	assert.JSONEq(t, `{"error":"All attempts failed","last_code":"print(1)"}`, string(FailureAnswer("print(1)")))
	assert.JSONEq(t, `{"error":"All attempts failed","last_code":""}`, string(FailureAnswer("")))
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "a.csv")
	jsonPath := filepath.Join(dir, "a.json")
	txtPath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvRows(2)), 0644))
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"x": 1}]`), 0644))
	require.NoError(t, os.WriteFile(txtPath, []byte("hello"), 0644))

	tb, err := LoadDataset(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, tb.NumRows())

	tb, err = LoadDataset(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, tb.FieldNames())

	tb, err = LoadDataset(txtPath)
	assert.NoError(t, err)
	assert.Nil(t, tb)
}

func TestSampleRecords(t *testing.T) {
	tb, err := LoadDataset(writeTemp(t, "s.csv", csvRows(30)))
	require.NoError(t, err)

	s := sampleRecords(tb, 20)
	assert.Contains(t, s, "(first 20 of 30 records)")
	assert.Contains(t, s, "Film 19")
	assert.NotContains(t, s, "Film 20")

	assert.NotContains(t, sampleRecords(tb, 0), "first")
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}
