package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/contactbridge/internal/bridge"
	"github.com/agentworkforce/contactbridge/internal/contact"
)

// schedulerTopLevelFields are the native customer attributes; everything
// else written through the client lands in the custom_fields object.
var schedulerTopLevelFields = map[string]bool{
	"name":    true,
	"emails":  true,
	"numbers": true,
}

// SchedulerClient talks to the scheduling system's customer API. Customers
// carry a free-form custom_fields object; the sync status lives there, and
// reads flatten it into the record's field map so the mapper sees one flat
// namespace.
type SchedulerClient struct {
	core httpCore
}

func NewSchedulerClient(opts Options) *SchedulerClient {
	return &SchedulerClient{core: newHTTPCore(contact.SystemScheduler, "https://api.10to8.com", opts)}
}

type schedulerCustomer struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Emails       []string          `json:"emails"`
	Numbers      []string          `json:"numbers"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Deleted      bool              `json:"deleted,omitempty"`
	LastModified string            `json:"last_modified,omitempty"`
}

type schedulerListResponse struct {
	Results []schedulerCustomer `json:"results"`
	Next    string              `json:"next,omitempty"`
}

func (c *SchedulerClient) Get(ctx context.Context, id string) (bridge.NativeRecord, error) {
	resp, err := c.core.doJSON(ctx, http.MethodGet, "/api/v2/customer/"+url.PathEscape(id)+"/", nil, nil)
	if err != nil {
		return bridge.NativeRecord{}, err
	}
	var customer schedulerCustomer
	if err := decodeJSON(resp.body, &customer); err != nil {
		return bridge.NativeRecord{}, err
	}
	return customer.record(id), nil
}

func (c *SchedulerClient) Create(ctx context.Context, fields map[string]any) (string, error) {
	resp, err := c.core.doJSON(ctx, http.MethodPost, "/api/v2/customer/", nil, customerPayload(fields))
	if err != nil {
		return "", err
	}
	// Creation answers with a Location header pointing at the new resource.
	if location := resp.header.Get("Location"); location != "" {
		if id := idFromLocation(location); id != "" {
			return id, nil
		}
	}
	var customer schedulerCustomer
	if err := decodeJSON(resp.body, &customer); err != nil {
		return "", err
	}
	if customer.ID == "" {
		return "", &bridge.RemoteError{Kind: bridge.ErrFatal, System: contact.SystemScheduler, Message: "create response carried no id"}
	}
	return customer.ID, nil
}

func (c *SchedulerClient) Update(ctx context.Context, id string, fields map[string]any) error {
	_, err := c.core.doJSON(ctx, http.MethodPatch, "/api/v2/customer/"+url.PathEscape(id)+"/", nil, customerPayload(fields))
	return err
}

func (c *SchedulerClient) Delete(ctx context.Context, id string, opts bridge.DeleteOptions) error {
	query := url.Values{}
	if opts.Force {
		query.Set("force", "true")
	}
	_, err := c.core.doJSON(ctx, http.MethodDelete, "/api/v2/customer/"+url.PathEscape(id)+"/", query, nil)
	return err
}

func (c *SchedulerClient) List(ctx context.Context, opts bridge.ListOptions) (bridge.ListPage, error) {
	query := url.Values{}
	if opts.IncludeDeleted {
		query.Set("include_deleted", "true")
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	resp, err := c.core.doJSON(ctx, http.MethodGet, "/api/v2/customer/", query, nil)
	if err != nil {
		return bridge.ListPage{}, err
	}
	var listed schedulerListResponse
	if err := decodeJSON(resp.body, &listed); err != nil {
		return bridge.ListPage{}, err
	}
	page := bridge.ListPage{NextCursor: cursorFromNext(listed.Next)}
	for _, customer := range listed.Results {
		page.Records = append(page.Records, customer.record(customer.ID))
	}
	return page, nil
}

// FindByField scans the listing; the customer API has no server-side field
// search. List-valued fields match when any element equals value.
func (c *SchedulerClient) FindByField(ctx context.Context, field, value string) ([]bridge.NativeRecord, error) {
	if value == "" {
		return nil, nil
	}
	var matches []bridge.NativeRecord
	opts := bridge.ListOptions{}
	for {
		page, err := c.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			if recordFieldMatches(rec, field, value) {
				matches = append(matches, rec)
			}
		}
		if page.NextCursor == "" {
			return matches, nil
		}
		opts.Cursor = page.NextCursor
	}
}

func (customer schedulerCustomer) record(id string) bridge.NativeRecord {
	if customer.ID != "" {
		id = customer.ID
	}
	fields := map[string]any{
		"name":    customer.Name,
		"emails":  append([]string(nil), customer.Emails...),
		"numbers": append([]string(nil), customer.Numbers...),
	}
	for name, value := range customer.CustomFields {
		fields[name] = value
	}
	return bridge.NativeRecord{
		ID:        id,
		Fields:    fields,
		UpdatedAt: parseTime(customer.LastModified),
		Deleted:   customer.Deleted,
	}
}

// customerPayload splits a flat field map back into the API shape: known
// attributes at the top level, the rest under custom_fields.
func customerPayload(fields map[string]any) map[string]any {
	payload := map[string]any{}
	custom := map[string]any{}
	for name, value := range fields {
		if schedulerTopLevelFields[name] {
			payload[name] = value
		} else {
			custom[name] = value
		}
	}
	if len(custom) > 0 {
		payload["custom_fields"] = custom
	}
	return payload
}

func recordFieldMatches(rec bridge.NativeRecord, field, value string) bool {
	raw, ok := rec.Fields[field]
	if !ok || raw == nil {
		return false
	}
	switch v := raw.(type) {
	case string:
		return v == value
	case []string:
		for _, item := range v {
			if item == value {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == value {
				return true
			}
		}
	}
	return false
}

func idFromLocation(location string) string {
	trimmed := strings.TrimRight(location, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func cursorFromNext(next string) string {
	if next == "" {
		return ""
	}
	if parsed, err := url.Parse(next); err == nil {
		if cursor := parsed.Query().Get("cursor"); cursor != "" {
			return cursor
		}
	}
	return next
}
