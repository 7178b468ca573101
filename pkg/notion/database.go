package notion

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// QueryAll fetches all pages from a Notion database, handling pagination.
// Rate limiting is enforced by the Client (3 req/s by default). Page N+1 is
// fetched in a goroutine while page N is appended.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "notion: query all")
	}

	var all []notionapi.Page
	req := nextRequest(filter, "")

	type prefetchResult struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	var prefetchCh <-chan prefetchResult

	for {
		var resp *notionapi.DatabaseQueryResponse
		var err error

		if prefetchCh != nil {
			result := <-prefetchCh
			resp, err = result.resp, result.err
		} else {
			resp, err = c.QueryDatabase(ctx, dbID, req)
		}
		if err != nil {
			return nil, eris.Wrap(err, "notion: query all page")
		}

		all = append(all, resp.Results...)
		if !resp.HasMore {
			break
		}

		next := nextRequest(filter, resp.NextCursor)
		ch := make(chan prefetchResult, 1)
		prefetchCh = ch
		go func() {
			r, e := c.QueryDatabase(ctx, dbID, next)
			ch <- prefetchResult{resp: r, err: e}
		}()
	}

	return all, nil
}

func nextRequest(filter *notionapi.DatabaseQueryRequest, cursor notionapi.Cursor) *notionapi.DatabaseQueryRequest {
	req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
	if filter != nil {
		req.Filter = filter.Filter
		req.Sorts = filter.Sorts
		req.PageSize = filter.PageSize
	}
	return req
}

// Text returns the plain-text value of a page property. Lookup ignores case.
// Unsupported property types yield "".
func Text(page notionapi.Page, name string) string {
	prop, ok := page.Properties[name]
	if !ok {
		for k, v := range page.Properties {
			if strings.EqualFold(k, name) {
				prop, ok = v, true
				break
			}
		}
	}
	if !ok {
		return ""
	}

	var out string
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		out = richText(p.Title)
	case *notionapi.RichTextProperty:
		out = richText(p.RichText)
	case *notionapi.EmailProperty:
		out = p.Email
	case *notionapi.URLProperty:
		out = p.URL
	case *notionapi.PhoneNumberProperty:
		out = p.PhoneNumber
	case *notionapi.SelectProperty:
		out = p.Select.Name
	case *notionapi.StatusProperty:
		out = p.Status.Name
	}
	return strings.TrimSpace(out)
}

func richText(rts []notionapi.RichText) string {
	var b strings.Builder
	for _, rt := range rts {
		b.WriteString(rt.PlainText)
	}
	return b.String()
}
