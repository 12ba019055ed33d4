package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"scrapeqa/internal/pipeline"
)

var (
	attachPaths []string
	dataPath    string
)

// runCmd answers a question end to end
var runCmd = &cobra.Command{
	Use:   "run <question-file>",
	Short: "Scrape the data for a question and answer it",
	Long: `Runs both loops: a scraper is generated and repaired until its table
passes validation, then an analysis program produces the JSON answer.

Attaching a CSV or JSON records file skips the scrape loop.
Use "-" to read the question from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineCommand(cmd, args[0], attachPaths, func(p *pipeline.Pipeline) runFunc { return p.Answer })
	},
}

// scrapeCmd runs only the scrape loop
var scrapeCmd = &cobra.Command{
	Use:   "scrape <question-file>",
	Short: "Run only the scrape loop and print the records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineCommand(cmd, args[0], nil, func(p *pipeline.Pipeline) runFunc { return p.ScrapeOnly })
	},
}

// analyzeCmd runs only the analysis loop over an existing dataset
var analyzeCmd = &cobra.Command{
	Use:   "analyze <question-file> --data <file>",
	Short: "Run only the analysis loop over a CSV or JSON dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipelineCommand(cmd, args[0], []string{dataPath}, func(p *pipeline.Pipeline) runFunc { return p.AnalyzeOnly })
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&attachPaths, "attach", "a", nil, "Attach a file (repeatable)")
	analyzeCmd.Flags().StringVarP(&dataPath, "data", "d", "", "Dataset file (CSV or JSON records)")
	_ = analyzeCmd.MarkFlagRequired("data")
}

type runFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)

func runPipelineCommand(cmd *cobra.Command, questionPath string, attachments []string, pick func(*pipeline.Pipeline) runFunc) error {
	ctx := cmd.Context()
	question, err := readQuestion(questionPath)
	if err != nil {
		return err
	}

	req := pipeline.Request{Question: question}
	for _, path := range attachments {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open attachment: %w", err)
		}
		defer f.Close()
		req.Attachments = append(req.Attachments, pipeline.Attachment{Name: filepath.Base(path), Reader: f})
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := pick(a.pipeline)(ctx, req)
	if err != nil {
		return err
	}
	if err := printResponse(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !resp.Succeeded() {
		return fmt.Errorf("run %s failed: %s", resp.RunID, resp.Message)
	}
	return nil
}

// printResponse writes the answer (or records) as indented JSON followed by
// the run summary.
func printResponse(w io.Writer, resp *pipeline.Response) error {
	body := resp.Answer
	if len(body) == 0 {
		body = resp.Data
	}
	if len(body) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return fmt.Errorf("response is not valid JSON: %w", err)
		}
		fmt.Fprintln(w, out.String())
	}
	fmt.Fprintf(w, "\nrun=%s status=%s phase=%s attempts=%d", resp.RunID, resp.Status, resp.Phase, resp.Attempts)
	if resp.Rows > 0 {
		fmt.Fprintf(w, " rows=%d", resp.Rows)
	}
	fmt.Fprintln(w)
	if resp.Message != "" {
		fmt.Fprintln(w, resp.Message)
	}
	return nil
}
