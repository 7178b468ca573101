package importer

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/nurture-cli/internal/model"
	"github.com/sells-group/nurture-cli/pkg/notion"
)

// FileOptions configures ReadFile.
type FileOptions struct {
	// Charset decodes CSV input, e.g. "windows-1252". Empty means UTF-8.
	Charset string
	// Sheet selects an XLSX sheet by name. Empty means the first sheet.
	Sheet string
}

// ReadFile reads a .csv or .xlsx file by extension.
func ReadFile(path string, opts FileOptions) (*Result, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSV(f, opts.Charset)
	case ".xlsx":
		return ReadXLSX(path, opts.Sheet)
	default:
		return nil, eris.Errorf("importer: unsupported file type %q", filepath.Ext(path))
	}
}

// ReadCSV reads a header-first CSV export.
func ReadCSV(r io.Reader, charset string) (*Result, error) {
	if charset != "" {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "importer: unsupported charset %q", charset)
		}
		r = enc.NewDecoder().Reader(r)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "importer: read csv")
	}
	return FromRows(rows)
}

// ReadXLSX reads a header-first sheet from an XLSX workbook.
func ReadXLSX(path, sheetName string) (*Result, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "importer: open xlsx")
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("importer: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("importer: workbook has no sheets")
		}
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return FromRows(rows)
}

// Notion property names tried for each field, in order.
var notionProperties = map[field][]string{
	fieldEmail:      {"Email", "E-mail", "Work Email"},
	fieldFirstName:  {"First Name", "FirstName"},
	fieldFullName:   {"Name", "Full Name", "Contact"},
	fieldDepartment: {"Department", "Team"},
	fieldPosition:   {"Position", "Title", "Job Title", "Role"},
	fieldCompanyURL: {"Company URL", "Website", "URL", "Domain"},
}

func pageText(page notionapi.Page, f field) string {
	for _, name := range notionProperties[f] {
		if v := notion.Text(page, name); v != "" {
			return v
		}
	}
	return ""
}

// FromNotion reads the lead database. A non-empty status limits the import to
// pages in that Notion status.
func FromNotion(ctx context.Context, db *notion.LeadDB, status string) (*Result, error) {
	pages, err := db.Pages(ctx, status)
	if err != nil {
		return nil, eris.Wrap(err, "importer: notion")
	}

	b := newBuilder()
	for _, page := range pages {
		b.add(model.Lead{
			Email:      pageText(page, fieldEmail),
			FirstName:  firstName(pageText(page, fieldFirstName), pageText(page, fieldFullName)),
			Department: pageText(page, fieldDepartment),
			Position:   pageText(page, fieldPosition),
			CompanyURL: pageText(page, fieldCompanyURL),
		}, string(page.ID))
	}
	return b.result, nil
}

// MarkImported moves every imported Notion page to status. Failures are
// collected and reported together.
func MarkImported(ctx context.Context, db *notion.LeadDB, pageIDs []string, status string) (int, error) {
	var failed []string
	marked := 0
	for _, id := range pageIDs {
		if err := db.MarkStatus(ctx, id, status); err != nil {
			if ctx.Err() != nil {
				return marked, eris.Wrap(ctx.Err(), "importer: mark imported")
			}
			failed = append(failed, id)
			continue
		}
		marked++
	}
	if len(failed) > 0 {
		return marked, eris.Errorf("importer: could not mark %d pages: %s", len(failed), strings.Join(failed, ", "))
	}
	return marked, nil
}
