package remote

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/agentworkforce/contactbridge/internal/bridge"
	"github.com/agentworkforce/contactbridge/internal/contact"
)

// CRMClient talks to the CRM's contacts object API. Contact property values
// are flat strings; multi-value data arrives pre-joined by the mapper. The
// client must name every property it wants returned, so it is configured
// with the full set the sync reads.
type CRMClient struct {
	core       httpCore
	properties []string
}

type CRMOptions struct {
	Options
	// Properties lists the contact properties fetched on every read. It
	// must cover the mapped fields, the link property and the status
	// property, or change detection would compare against absent values.
	Properties []string
}

func NewCRMClient(opts CRMOptions) *CRMClient {
	properties := append([]string(nil), opts.Properties...)
	sort.Strings(properties)
	return &CRMClient{
		core:       newHTTPCore(contact.SystemCRM, "https://api.hubapi.com", opts.Options),
		properties: properties,
	}
}

type crmContact struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
	UpdatedAt  string            `json:"updatedAt,omitempty"`
	Archived   bool              `json:"archived,omitempty"`
}

type crmListResponse struct {
	Results []crmContact `json:"results"`
	Paging  *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging,omitempty"`
}

const crmContactsPath = "/crm/v3/objects/contacts"

// crmArchivedCursor prefixes cursors into the archived listing, which the
// CRM exposes as a separate enumeration from the live one.
const crmArchivedCursor = "archived:"

func (c *CRMClient) Get(ctx context.Context, id string) (bridge.NativeRecord, error) {
	query := url.Values{}
	c.addProperties(query)
	resp, err := c.core.doJSON(ctx, http.MethodGet, crmContactsPath+"/"+url.PathEscape(id), query, nil)
	if err != nil {
		return bridge.NativeRecord{}, err
	}
	var fetched crmContact
	if err := decodeJSON(resp.body, &fetched); err != nil {
		return bridge.NativeRecord{}, err
	}
	return fetched.record(), nil
}

func (c *CRMClient) Create(ctx context.Context, fields map[string]any) (string, error) {
	resp, err := c.core.doJSON(ctx, http.MethodPost, crmContactsPath, nil, map[string]any{"properties": stringProperties(fields)})
	if err != nil {
		return "", err
	}
	var created crmContact
	if err := decodeJSON(resp.body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", &bridge.RemoteError{Kind: bridge.ErrFatal, System: contact.SystemCRM, Message: "create response carried no id"}
	}
	return created.ID, nil
}

func (c *CRMClient) Update(ctx context.Context, id string, fields map[string]any) error {
	_, err := c.core.doJSON(ctx, http.MethodPatch, crmContactsPath+"/"+url.PathEscape(id), nil, map[string]any{"properties": stringProperties(fields)})
	return err
}

// Delete archives the contact; the CRM has no hard delete on this surface.
func (c *CRMClient) Delete(ctx context.Context, id string, _ bridge.DeleteOptions) error {
	_, err := c.core.doJSON(ctx, http.MethodDelete, crmContactsPath+"/"+url.PathEscape(id), nil, nil)
	return err
}

// List pages through live contacts. With IncludeDeleted it keeps going:
// listing with archived=true returns only archived contacts, so a full
// enumeration chains the archived listing after the live pages run out.
func (c *CRMClient) List(ctx context.Context, opts bridge.ListOptions) (bridge.ListPage, error) {
	cursor := opts.Cursor
	archived := strings.HasPrefix(cursor, crmArchivedCursor)
	if archived {
		cursor = strings.TrimPrefix(cursor, crmArchivedCursor)
	}

	query := url.Values{}
	c.addProperties(query)
	query.Set("limit", "100")
	if archived {
		query.Set("archived", "true")
	}
	if cursor != "" {
		query.Set("after", cursor)
	}
	resp, err := c.core.doJSON(ctx, http.MethodGet, crmContactsPath, query, nil)
	if err != nil {
		return bridge.ListPage{}, err
	}
	var listed crmListResponse
	if err := decodeJSON(resp.body, &listed); err != nil {
		return bridge.ListPage{}, err
	}
	page := bridge.ListPage{}
	if listed.Paging != nil && listed.Paging.Next.After != "" {
		page.NextCursor = listed.Paging.Next.After
		if archived {
			page.NextCursor = crmArchivedCursor + page.NextCursor
		}
	}
	if page.NextCursor == "" && !archived && opts.IncludeDeleted {
		page.NextCursor = crmArchivedCursor
	}
	for _, result := range listed.Results {
		page.Records = append(page.Records, result.record())
	}
	return page, nil
}

// FindByField uses the server-side search endpoint with an equality filter.
func (c *CRMClient) FindByField(ctx context.Context, field, value string) ([]bridge.NativeRecord, error) {
	if value == "" {
		return nil, nil
	}
	payload := map[string]any{
		"filterGroups": []map[string]any{
			{
				"filters": []map[string]any{
					{"propertyName": field, "operator": "EQ", "value": value},
				},
			},
		},
		"properties": c.properties,
		"limit":      100,
	}
	resp, err := c.core.doJSON(ctx, http.MethodPost, crmContactsPath+"/search", nil, payload)
	if err != nil {
		return nil, err
	}
	var found crmListResponse
	if err := decodeJSON(resp.body, &found); err != nil {
		return nil, err
	}
	var matches []bridge.NativeRecord
	for _, result := range found.Results {
		matches = append(matches, result.record())
	}
	return matches, nil
}

func (c *CRMClient) addProperties(query url.Values) {
	if len(c.properties) > 0 {
		query.Set("properties", strings.Join(c.properties, ","))
	}
}

func (cc crmContact) record() bridge.NativeRecord {
	fields := make(map[string]any, len(cc.Properties))
	for name, value := range cc.Properties {
		fields[name] = value
	}
	return bridge.NativeRecord{
		ID:        cc.ID,
		Fields:    fields,
		UpdatedAt: parseTime(cc.UpdatedAt),
		Deleted:   cc.Archived,
	}
}

// stringProperties renders a field map as the flat string properties the
// CRM accepts. Non-string values are not expected here; the mapper joins
// lists before they reach this client.
func stringProperties(fields map[string]any) map[string]string {
	properties := make(map[string]string, len(fields))
	for name, value := range fields {
		switch v := value.(type) {
		case nil:
			properties[name] = ""
		case string:
			properties[name] = v
		case []string:
			properties[name] = strings.Join(v, contact.OverflowSeparator)
		default:
			continue
		}
	}
	return properties
}
