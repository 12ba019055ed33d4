package prompt

import (
	"os"
	"strings"

	"scrapeqa/internal/table"
	"scrapeqa/internal/workspace"
)

// DefaultLanguage is the language generated programs are asked to use.
const DefaultLanguage = "Python 3"

// DefaultPreviewRows is the number of data rows shown in a CSV preview.
const DefaultPreviewRows = 5

// Preview placeholders used when the artifact cannot be shown.
const (
	PreviewMissing = "N/A"
	PreviewFailed  = "Failed to preview CSV (possibly empty or malformed)"
)

// PageContext is readable text extracted from a page the question references.
type PageContext struct {
	URL  string
	Text string
}

// ScrapeTaskInput feeds the initial scrape prompt.
type ScrapeTaskInput struct {
	Question     string
	PageContext  []PageContext
	ArtifactName string // default scraped_data.csv
	MinRows      int
	Language     string
}

// ScrapeFeedbackInput feeds the scrape retry prompt.
type ScrapeFeedbackInput struct {
	Question       string
	PreviousCode   string
	Output         string
	ArtifactStatus string
	Preview        string
	Diagnostics    []string
	ArtifactName   string
	MinRows        int
}

// AnalysisTaskInput feeds the initial analysis prompt. Data is an optional
// excerpt of the records shown inline; the full set is read from DataFile.
type AnalysisTaskInput struct {
	Question   string
	Data       string
	Columns    []string
	DataFile   string // default scraped_data.json
	AnswerFile string // default answer.json
	Language   string
}

// AnalysisFeedbackInput feeds the analysis retry prompt.
type AnalysisFeedbackInput struct {
	Question       string
	PreviousCode   string
	Output         string
	ArtifactStatus string
	Diagnostics    []string
	Columns        []string
	DataFile       string
	AnswerFile     string
}

// ScrapeTask renders the initial scrape prompt.
func (l *Library) ScrapeTask(in ScrapeTaskInput) (string, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.ArtifactName = orDefault(in.ArtifactName, workspace.ScrapedCSV)
	in.Language = orDefault(in.Language, DefaultLanguage)
	if in.MinRows <= 0 {
		in.MinRows = 5
	}
	return l.Render(ScrapeTaskTemplate, in)
}

// ScrapeFeedback renders the scrape retry prompt.
func (l *Library) ScrapeFeedback(in ScrapeFeedbackInput) (string, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.ArtifactName = orDefault(in.ArtifactName, workspace.ScrapedCSV)
	in.ArtifactStatus = orDefault(in.ArtifactStatus, ArtifactStatus(false))
	in.Preview = orDefault(in.Preview, PreviewMissing)
	if in.MinRows <= 0 {
		in.MinRows = 5
	}
	return l.Render(ScrapeFeedbackTemplate, in)
}

// AnalysisTask renders the initial analysis prompt.
func (l *Library) AnalysisTask(in AnalysisTaskInput) (string, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.DataFile = orDefault(in.DataFile, workspace.ScrapedJSON)
	in.AnswerFile = orDefault(in.AnswerFile, workspace.AnswerJSON)
	in.Language = orDefault(in.Language, DefaultLanguage)
	return l.Render(AnalysisTaskTemplate, in)
}

// AnalysisFeedback renders the analysis retry prompt.
func (l *Library) AnalysisFeedback(in AnalysisFeedbackInput) (string, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.DataFile = orDefault(in.DataFile, workspace.ScrapedJSON)
	in.AnswerFile = orDefault(in.AnswerFile, workspace.AnswerJSON)
	in.ArtifactStatus = orDefault(in.ArtifactStatus, ArtifactStatus(false))
	return l.Render(AnalysisFeedbackTemplate, in)
}

// ArtifactStatus describes whether the expected output file exists.
func ArtifactStatus(exists bool) string {
	if exists {
		return "was created"
	}
	return "was NOT created"
}

// CSVPreview returns the header and first rows of the CSV at path, or one of
// the placeholders when the file is missing or unreadable.
func CSVPreview(path string, rows int) string {
	if _, err := os.Stat(path); err != nil {
		return PreviewMissing
	}
	t, err := table.ReadCSV(path)
	if err != nil || t.NumCols() == 0 {
		return PreviewFailed
	}
	return t.Preview(rows)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
