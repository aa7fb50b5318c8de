package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/naka-gawa/kuper/internal/domain"
	"github.com/xuri/excelize/v2"
)

const (
	commitsSheet  = "Commits"
	projectsSheet = "Projects"
)

var commitHeader = []any{"User", "Project", "Authored (UTC)", "Commit", "Branches", "Additions", "Deletions", "Title", "URL"}

// WriteWorkbook exports the commits and per-project counts to an XLSX file.
func WriteWorkbook(path string, result *domain.AggregationResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", commitsSheet); err != nil {
		return fmt.Errorf("can not name sheet: %w", err)
	}
	if err := setRow(f, commitsSheet, 1, commitHeader); err != nil {
		return err
	}
	row := 2
	for _, p := range result.Partitions {
		for _, c := range p.Commits {
			values := []any{
				p.User.Username, c.ProjectPath, c.AuthoredAt.UTC().Format(timeLayout), c.Hash,
				strings.Join(c.Branches, ", "), c.Additions, c.Deletions, c.Title(), c.WebURL,
			}
			if err := setRow(f, commitsSheet, row, values); err != nil {
				return err
			}
			row++
		}
	}

	if _, err := f.NewSheet(projectsSheet); err != nil {
		return fmt.Errorf("can not create sheet: %w", err)
	}
	if err := setRow(f, projectsSheet, 1, []any{"Project", "Commits"}); err != nil {
		return err
	}
	for i, project := range sortedKeys(result.Summary.PerProject) {
		if err := setRow(f, projectsSheet, i+2, []any{project, result.Summary.PerProject[project]}); err != nil {
			return err
		}
	}

	return writeAtomic(path, func(w io.Writer) error {
		if err := f.Write(w); err != nil {
			return fmt.Errorf("can not write workbook: %w", err)
		}
		return nil
	})
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("can not write row %d of %s: %w", row, sheet, err)
	}
	return nil
}
