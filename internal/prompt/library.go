// Package prompt - Template library for the scrape and analysis prompts.
// Default templates are baked into the binary; files in an override directory
// named <template>.tmpl replace them and can be hot-reloaded by a Watcher.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"scrapeqa/internal/logging"
)

// Template names.
const (
	ScrapeTaskTemplate       = "scrape_task"
	ScrapeFeedbackTemplate   = "scrape_feedback"
	AnalysisTaskTemplate     = "analysis_task"
	AnalysisFeedbackTemplate = "analysis_feedback"
)

// TemplateExt is the file extension of template files, embedded or overridden.
const TemplateExt = ".tmpl"

//go:embed templates
var embeddedTemplates embed.FS

var templateFuncs = template.FuncMap{
	"join": strings.Join,
	"trim": strings.TrimSpace,
}

// Library holds the parsed prompt templates.
type Library struct {
	mu          sync.RWMutex
	overrideDir string
	templates   map[string]*template.Template
	overridden  map[string]bool
}

// NewLibrary loads the embedded templates and then any overrides found in
// overrideDir. An empty overrideDir uses the embedded set only; a missing
// directory is not an error.
func NewLibrary(overrideDir string) (*Library, error) {
	l := &Library{overrideDir: overrideDir}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// OverrideDir returns the directory consulted for template overrides.
func (l *Library) OverrideDir() string {
	return l.overrideDir
}

// Reload re-parses every template. On failure the previously loaded set is
// kept and the error returned.
func (l *Library) Reload() error {
	timer := logging.StartTimer(logging.CategoryPrompt, "Library.Reload")
	defer timer.Stop()

	templates := make(map[string]*template.Template)
	err := fs.WalkDir(embeddedTemplates, "templates", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != TemplateExt {
			return nil
		}
		data, err := embeddedTemplates.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read embedded template %s: %w", p, err)
		}
		name := strings.TrimSuffix(path.Base(p), TemplateExt)
		tmpl, err := parse(name, string(data))
		if err != nil {
			return err
		}
		templates[name] = tmpl
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load embedded templates: %w", err)
	}

	overridden, err := loadOverrides(l.overrideDir, templates)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.templates = templates
	l.overridden = overridden
	l.mu.Unlock()

	logging.PromptDebug("Loaded %d templates (%d overridden)", len(templates), len(overridden))
	return nil
}

func loadOverrides(dir string, templates map[string]*template.Template) (map[string]bool, error) {
	overridden := make(map[string]bool)
	if dir == "" {
		return overridden, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return overridden, nil
		}
		return nil, fmt.Errorf("failed to read override dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != TemplateExt {
			continue
		}
		name := strings.TrimSuffix(e.Name(), TemplateExt)
		if _, known := templates[name]; !known {
			logging.PromptWarn("Ignoring unknown template override %s", e.Name())
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read override %s: %w", e.Name(), err)
		}
		tmpl, err := parse(name, string(data))
		if err != nil {
			return nil, err
		}
		templates[name] = tmpl
		overridden[name] = true
	}
	return overridden, nil
}

func parse(name, text string) (*template.Template, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	return tmpl, nil
}

// Names returns the loaded template names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsOverridden reports whether name was loaded from the override directory.
func (l *Library) IsOverridden(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.overridden[name]
}

// Render executes the named template with data.
func (l *Library) Render(name string, data any) (string, error) {
	l.mu.RLock()
	tmpl, ok := l.templates[name]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return buf.String(), nil
}
