package report

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/naka-gawa/kuper/internal/domain"
)

var (
	templateFuncMap = template.FuncMap{
		"ago": func(date time.Time) string {
			return humanize.Time(date)
		},
		"comma": func(n int) string {
			return humanize.Comma(int64(n))
		},
		"date": func(date time.Time) string {
			return date.UTC().Format(timeLayout)
		},
		"join":         strings.Join,
		"repositories": byRepository,
	}

	//go:embed _templates
	templateFs embed.FS
)

// Data is everything the HTML report shows.
type Data struct {
	Title       string
	RunID       string
	GeneratedAt time.Time
	Window      domain.ActivityWindow
	Result      *domain.AggregationResult
	Diffs       map[domain.CommitKey]string
}

// Diff returns the unified diff of c.
func (d Data) Diff(c domain.CommitRecord) string {
	if diff, ok := d.Diffs[c.Key()]; ok {
		return diff
	}
	return "Diff not available."
}

func loadTemplates() (*template.Template, error) {
	subFs, err := fs.Sub(templateFs, "_templates")
	if err != nil {
		return nil, fmt.Errorf("can not load subdirectory: %w", err)
	}

	tpl, err := template.New("templates").Funcs(templateFuncMap).ParseFS(subFs, "*.html")
	if err != nil {
		return nil, fmt.Errorf("can not load templates: %w", err)
	}

	return tpl, nil
}

// RenderHTML writes the report to w.
func RenderHTML(w io.Writer, data Data) error {
	tpl, err := loadTemplates()
	if err != nil {
		return err
	}
	if err := tpl.ExecuteTemplate(w, "report.html", data); err != nil {
		return fmt.Errorf("can not render report: %w", err)
	}
	return nil
}

// WriteHTML renders the report to path.
func WriteHTML(path string, data Data) error {
	return writeAtomic(path, func(w io.Writer) error {
		return RenderHTML(w, data)
	})
}

// writeAtomic writes through a temporary file in the target directory so an
// interrupted run never leaves a truncated file at path.
func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("can not create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("can not write %q: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("can not move report into place: %w", err)
	}
	return nil
}
