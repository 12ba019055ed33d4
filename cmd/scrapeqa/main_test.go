package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapeqa/internal/config"
	"scrapeqa/internal/pipeline"
	"scrapeqa/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.DefaultConfig()
	c.Store.Path = filepath.Join(t.TempDir(), "runs.db")
	c.LLM.APIKey = ""
	return c
}

func newTestCmd(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestValidateCommand(t *testing.T) {
	cfg = testConfig(t)
	validateKind = ""

	var good strings.Builder
	good.WriteString("Country,Year,Value\n")
	for i := 0; i < 6; i++ {
		good.WriteString("C,2001,10\n")
	}

	var out bytes.Buffer
	err := runValidate(newTestCmd(&out), []string{writeFile(t, "ok.csv", good.String())})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "PASS")

	out.Reset()
	err = runValidate(newTestCmd(&out), []string{writeFile(t, "short.csv", "Country,Value\nA,1\n")})
	require.Error(t, err)
	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), "too few rows: got 1, need at least 5")

	out.Reset()
	err = runValidate(newTestCmd(&out), []string{writeFile(t, "answer.json", `{"error": "nope"}`)})
	require.Error(t, err)
	assert.Contains(t, out.String(), "FAIL")

	out.Reset()
	validateKind = "json"
	err = runValidate(newTestCmd(&out), []string{writeFile(t, "answer.txt", `[1, 2, 3]`)})
	validateKind = ""
	require.NoError(t, err)

	err = runValidate(newTestCmd(&out), []string{writeFile(t, "what.bin", "x")})
	assert.ErrorContains(t, err, "cannot infer")
}

func TestHistoryCommand(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()

	s, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, "run-a", "How many\nfilms?"))
	require.NoError(t, s.RecordAttempt(ctx, store.AttemptRecord{RunID: "run-a", Phase: "scrape", Index: 1,
		Diagnostics: []string{"too few rows: got 2, need at least 5"}}))
	require.NoError(t, s.FinishRun(ctx, "run-a", store.RunError, "scrape", pipeline.FailureMessage, nil))
	require.NoError(t, s.Close())

	var out bytes.Buffer
	require.NoError(t, runHistory(newTestCmd(&out), nil))
	assert.Contains(t, out.String(), "run-a")
	assert.Contains(t, out.String(), "How many films?")

	out.Reset()
	require.NoError(t, runHistory(newTestCmd(&out), []string{"run-a"}))
	assert.Contains(t, out.String(), "[scrape #1] fail")
	assert.Contains(t, out.String(), "too few rows")

	err = runHistory(newTestCmd(&out), []string{"missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	cfg.Store.Enabled = false
	assert.Error(t, runHistory(newTestCmd(&out), nil))
}

func TestNewApp_RequiresCredentials(t *testing.T) {
	c := testConfig(t)
	_, err := newApp(context.Background(), c, true)
	assert.ErrorIs(t, err, config.ErrNoAPIKey)
}

func TestNewApp_WithoutModel(t *testing.T) {
	c := testConfig(t)
	a, err := newApp(context.Background(), c, false)
	require.NoError(t, err)
	assert.NotNil(t, a.store)
	assert.Nil(t, a.pipeline)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestPrintResponse(t *testing.T) {
	var out bytes.Buffer
	err := printResponse(&out, &pipeline.Response{
		RunID:    "r1",
		Status:   pipeline.StatusSuccess,
		Phase:    "analysis",
		Attempts: 3,
		Rows:     12,
		Answer:   json.RawMessage(`{"count":3}`),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "\"count\": 3")
	assert.Contains(t, out.String(), "run=r1 status=success phase=analysis attempts=3 rows=12")

	out.Reset()
	err = printResponse(&out, &pipeline.Response{RunID: "r2", Status: pipeline.StatusError, Message: "All attempts failed"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "All attempts failed")
}

func TestPrintResponse_KeepsAnswerBytes(t *testing.T) {
	var out bytes.Buffer
	err := printResponse(&out, &pipeline.Response{
		RunID:  "r3",
		Status: pipeline.StatusSuccess,
		Answer: json.RawMessage(`{"zeta": 12345678901234567891, "alpha": 1.50}`),
	})
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "12345678901234567891")
	assert.Contains(t, s, "1.50")
	assert.Less(t, strings.Index(s, `"zeta"`), strings.Index(s, `"alpha"`))

	err = printResponse(&out, &pipeline.Response{Answer: json.RawMessage(`{"broken"`)})
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestReadQuestion(t *testing.T) {
	q, err := readQuestion(writeFile(t, "q.txt", "Which year?"))
	require.NoError(t, err)
	assert.Equal(t, "Which year?", q)

	_, err = readQuestion(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine(" a\n b\tc ", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}

func TestLoggingConfig(t *testing.T) {
	lc := loggingConfig(config.LoggingConfig{Level: "debug", Format: "console", Categories: map[string]bool{"store": false}})
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "console", lc.Format)
	assert.False(t, lc.Categories["store"])
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "run", "scrape", "analyze", "validate", "history"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
