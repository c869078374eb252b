package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harborcrm/harbor/internal/crm"
)

// Cache TTLs per view volatility. Dashboards churn with every write,
// detail views barely move.
const (
	ttlDashboard = 10 * time.Second
	ttlList      = 120 * time.Second
	ttlSearch    = 60 * time.Second
	ttlDetail    = 180 * time.Second
)

// RegisterCRMTools registers the assistant's CRM tool set against the
// resource-layer client.
func RegisterCRMTools(registry *Registry, client *crm.Client) error {
	defs := []*Definition{
		{
			Name:        "list_leads",
			Description: "List leads for the current tenant, optionally filtered by status.",
			Module:      "leads",
			Safety:      ReadOnly,
			TTL:         ttlList,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"status": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"additionalProperties": false
			}`),
			Summarize: summarizeLeadList,
			Handler:   listLeads(client),
		},
		{
			Name:        "search_leads",
			Description: "Search leads by name, email, or company.",
			Module:      "leads",
			Safety:      ReadOnly,
			TTL:         ttlSearch,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"q": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"required": ["q"],
				"additionalProperties": false
			}`),
			Summarize: summarizeLeadList,
			Handler:   searchLeads(client),
		},
		{
			Name:        "get_lead",
			Description: "Fetch one lead by id.",
			Module:      "leads",
			Safety:      ReadOnly,
			TTL:         ttlDetail,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string", "minLength": 1}
				},
				"required": ["lead_id"],
				"additionalProperties": false
			}`),
			Handler: getLead(client),
		},
		{
			Name:        "create_lead",
			Description: "Create a new lead.",
			Module:      "leads",
			Safety:      Write,
			Invalidates: []string{"leads"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"email": {"type": "string"},
					"phone": {"type": "string"},
					"company": {"type": "string"}
				},
				"required": ["name"],
				"additionalProperties": false
			}`),
			Handler: postJSON(client, "/leads"),
		},
		{
			Name:        "update_lead",
			Description: "Update fields on an existing lead.",
			Module:      "leads",
			Safety:      Write,
			Invalidates: []string{"leads"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"email": {"type": "string"},
					"phone": {"type": "string"},
					"company": {"type": "string"},
					"status": {"type": "string"}
				},
				"required": ["lead_id"],
				"additionalProperties": false
			}`),
			Handler: updateLead(client),
		},
		{
			Name:        "list_activities",
			Description: "List activities for the current tenant, optionally scoped to one lead.",
			Module:      "activities",
			Safety:      ReadOnly,
			TTL:         ttlList,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"additionalProperties": false
			}`),
			Handler: listActivities(client),
		},
		{
			Name:        "create_activity",
			Description: "Log an activity against a lead.",
			Module:      "activities",
			Safety:      Write,
			Invalidates: []string{"activities"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"notes": {"type": "string"},
					"scheduled_at": {"type": "string"}
				},
				"required": ["lead_id", "type"],
				"additionalProperties": false
			}`),
			Handler: postJSON(client, "/activities"),
		},
		{
			Name:        "schedule_call",
			Description: "Schedule a phone call with a lead at a given date and time.",
			Module:      "activities",
			Safety:      Write,
			Invalidates: []string{"activities"},
			Schema:      scheduleSchema,
			Summarize:   summarizeScheduled("call"),
			Handler:     scheduleActivity(client, "call"),
		},
		{
			Name:        "book_meeting",
			Description: "Book a meeting with a lead at a given date and time.",
			Module:      "activities",
			Safety:      Write,
			Invalidates: []string{"activities"},
			Schema:      scheduleSchema,
			Summarize:   summarizeScheduled("meeting"),
			Handler:     scheduleActivity(client, "meeting"),
		},
		{
			Name:        "send_email",
			Description: "Send an email to a lead.",
			Module:      "activities",
			Safety:      Write,
			Invalidates: []string{"activities"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"lead_id": {"type": "string", "minLength": 1},
					"subject": {"type": "string", "minLength": 1},
					"body": {"type": "string", "minLength": 1}
				},
				"required": ["lead_id", "subject", "body"],
				"additionalProperties": false
			}`),
			Handler: postJSON(client, "/emails/send"),
		},
		{
			Name:        "create_reminder",
			Description: "Create a reminder for the current user at a given date and time.",
			Module:      "activities",
			Safety:      Write,
			Invalidates: []string{"activities"},
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"note": {"type": "string", "minLength": 1},
					"remind_at": {"type": "string", "minLength": 1}
				},
				"required": ["note", "remind_at"],
				"additionalProperties": false
			}`),
			Handler: postJSON(client, "/reminders"),
		},
		{
			Name:        "get_dashboard_summary",
			Description: "Fetch the tenant's CRM dashboard aggregates.",
			Module:      "dashboard",
			Safety:      ReadOnly,
			TTL:         ttlDashboard,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {},
				"additionalProperties": false
			}`),
			Handler: getPath(client, "/dashboard/summary"),
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

var scheduleSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"lead_id": {"type": "string", "minLength": 1},
		"lead_name": {"type": "string"},
		"date": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
		"time": {"type": "string", "pattern": "^\\d{2}:\\d{2}$"},
		"notes": {"type": "string"}
	},
	"required": ["lead_id", "date", "time"],
	"additionalProperties": false
}`)

func listLeads(client *crm.Client) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args struct {
			Status string `json:"status"`
			Limit  int    `json:"limit"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}

		query := url.Values{}
		if args.Status != "" {
			query.Set("status", args.Status)
		}
		if args.Limit > 0 {
			query.Set("limit", strconv.Itoa(args.Limit))
		}
		return doCRM(ctx, client, http.MethodGet, "/leads", req.Token, query, nil)
	}
}

func searchLeads(client *crm.Client) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args struct {
			Q     string `json:"q"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}

		query := url.Values{}
		query.Set("q", args.Q)
		if args.Limit > 0 {
			query.Set("limit", strconv.Itoa(args.Limit))
		}
		return doCRM(ctx, client, http.MethodGet, "/leads/search", req.Token, query, nil)
	}
}

func getLead(client *crm.Client) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args struct {
			LeadID string `json:"lead_id"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return doCRM(ctx, client, http.MethodGet, "/leads/"+url.PathEscape(args.LeadID), req.Token, nil, nil)
	}
}

func updateLead(client *crm.Client) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args map[string]any
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		leadID, _ := args["lead_id"].(string)
		delete(args, "lead_id")
		return doCRM(ctx, client, http.MethodPatch, "/leads/"+url.PathEscape(leadID), req.Token, nil, args)
	}
}

func listActivities(client *crm.Client) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args struct {
			LeadID string `json:"lead_id"`
			Limit  int    `json:"limit"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}

		query := url.Values{}
		if args.LeadID != "" {
			query.Set("lead_id", args.LeadID)
		}
		if args.Limit > 0 {
			query.Set("limit", strconv.Itoa(args.Limit))
		}
		return doCRM(ctx, client, http.MethodGet, "/activities", req.Token, query, nil)
	}
}

// scheduleActivity creates a dated activity of the given type. The
// schedule_call and book_meeting tools share this shape.
func scheduleActivity(client *crm.Client, activityType string) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var args struct {
			LeadID   string `json:"lead_id"`
			LeadName string `json:"lead_name"`
			Date     string `json:"date"`
			Time     string `json:"time"`
			Notes    string `json:"notes"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}

		body := map[string]any{
			"lead_id":      args.LeadID,
			"type":         activityType,
			"scheduled_at": args.Date + "T" + args.Time + ":00",
		}
		if args.Notes != "" {
			body["notes"] = args.Notes
		}
		return doCRM(ctx, client, http.MethodPost, "/activities", req.Token, nil, body)
	}
}

// postJSON forwards the validated args verbatim as the request body.
func postJSON(client *crm.Client, path string) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		var body map[string]any
		if err := decodeArgs(req.Args, &body); err != nil {
			return nil, err
		}
		return doCRM(ctx, client, http.MethodPost, path, req.Token, nil, body)
	}
}

func getPath(client *crm.Client, path string) Handler {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return doCRM(ctx, client, http.MethodGet, path, req.Token, nil, nil)
	}
}

func doCRM(ctx context.Context, client *crm.Client, method, path, token string, query url.Values, body any) (*Response, error) {
	resp, err := client.Do(ctx, method, path, token, query, body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return json.Unmarshal(args, into)
}

func summarizeLeadList(body json.RawMessage) string {
	var result struct {
		Leads []crm.Lead `json:"leads"`
	}
	if err := json.Unmarshal(body, &result); err != nil || len(result.Leads) == 0 {
		return ""
	}
	summary := fmt.Sprintf("%d lead(s):", len(result.Leads))
	for i, lead := range result.Leads {
		if i == 10 {
			summary += " …"
			break
		}
		summary += " " + lead.Name
		if lead.Company != "" {
			summary += " (" + lead.Company + ")"
		}
		if i < len(result.Leads)-1 {
			summary += ";"
		}
	}
	return summary
}

func summarizeScheduled(kind string) func(json.RawMessage) string {
	return func(body json.RawMessage) string {
		var result struct {
			ScheduledAt string `json:"scheduled_at"`
		}
		if err := json.Unmarshal(body, &result); err != nil || result.ScheduledAt == "" {
			return "Scheduled a " + kind + "."
		}
		return "Scheduled a " + kind + " at " + result.ScheduledAt + "."
	}
}
