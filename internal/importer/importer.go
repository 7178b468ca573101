// Package importer turns spreadsheet and Notion exports into leads.
package importer

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/nurture-cli/internal/model"
)

// Result is the outcome of reading one source.
type Result struct {
	Leads []model.Lead
	// Skipped counts rows without an email address.
	Skipped int
	// Duplicates counts rows repeating an email seen earlier in the source.
	Duplicates int
	// PageIDs holds the Notion page of each lead, index-aligned with Leads.
	PageIDs []string
}

// field is a lead column the importer understands.
type field string

const (
	fieldEmail      field = "email"
	fieldFirstName  field = "first_name"
	fieldFullName   field = "full_name"
	fieldDepartment field = "department"
	fieldPosition   field = "position"
	fieldCompanyURL field = "company_url"
)

// headerAliases maps normalised header text to a field.
var headerAliases = map[string]field{
	"email":         fieldEmail,
	"e-mail":        fieldEmail,
	"email address": fieldEmail,
	"work email":    fieldEmail,
	"first name":    fieldFirstName,
	"firstname":     fieldFirstName,
	"given name":    fieldFirstName,
	"name":          fieldFullName,
	"full name":     fieldFullName,
	"contact":       fieldFullName,
	"department":    fieldDepartment,
	"team":          fieldDepartment,
	"position":      fieldPosition,
	"title":         fieldPosition,
	"job title":     fieldPosition,
	"role":          fieldPosition,
	"company url":   fieldCompanyURL,
	"company":       fieldCompanyURL,
	"website":       fieldCompanyURL,
	"url":           fieldCompanyURL,
	"domain":        fieldCompanyURL,
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	return strings.Join(strings.Fields(strings.ReplaceAll(h, "_", " ")), " ")
}

// FromRows maps a header row plus data rows onto leads. The first row must
// be the header and name an email column.
func FromRows(rows [][]string) (*Result, error) {
	if len(rows) == 0 {
		return &Result{}, nil
	}

	cols := make(map[field]int)
	for i, h := range rows[0] {
		f, ok := headerAliases[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, dup := cols[f]; !dup {
			cols[f] = i
		}
	}
	if _, ok := cols[fieldEmail]; !ok {
		return nil, eris.Errorf("importer: no email column in header %q", rows[0])
	}

	b := newBuilder()
	for _, row := range rows[1:] {
		get := func(f field) string {
			i, ok := cols[f]
			if !ok || i >= len(row) {
				return ""
			}
			return row[i]
		}
		b.add(model.Lead{
			Email:      get(fieldEmail),
			FirstName:  firstName(get(fieldFirstName), get(fieldFullName)),
			Department: get(fieldDepartment),
			Position:   get(fieldPosition),
			CompanyURL: get(fieldCompanyURL),
		}, "")
	}
	return b.result, nil
}

// builder normalises leads and drops rows without a usable email.
type builder struct {
	result *Result
	seen   map[string]bool
}

func newBuilder() *builder {
	return &builder{result: &Result{}, seen: make(map[string]bool)}
}

func (b *builder) add(l model.Lead, pageID string) {
	l = normalize(l)
	if l.Email == "" {
		b.result.Skipped++
		return
	}
	if b.seen[l.Email] {
		b.result.Duplicates++
		return
	}
	b.seen[l.Email] = true
	b.result.Leads = append(b.result.Leads, l)
	if pageID != "" {
		b.result.PageIDs = append(b.result.PageIDs, pageID)
	}
}

func normalize(l model.Lead) model.Lead {
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	if !strings.Contains(l.Email, "@") {
		l.Email = ""
	}
	l.FirstName = strings.TrimSpace(l.FirstName)
	if l.FirstName == strings.ToLower(l.FirstName) || l.FirstName == strings.ToUpper(l.FirstName) {
		l.FirstName = cases.Title(language.Und).String(l.FirstName)
	}
	l.Department = strings.TrimSpace(l.Department)
	l.Position = strings.TrimSpace(l.Position)
	l.CompanyURL = companyURL(l.CompanyURL)
	return l
}

// firstName prefers an explicit first-name column and otherwise takes the
// first word of a full name.
func firstName(first, full string) string {
	if strings.TrimSpace(first) != "" {
		return first
	}
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return ""
}

func companyURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	lower := strings.ToLower(u)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		u = "https://" + u
	}
	return strings.TrimRight(u, "/")
}
