package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/toolplane/toolplane/pkg/contracts"
	"github.com/toolplane/toolplane/pkg/middleware"
	"github.com/toolplane/toolplane/pkg/models"
)

// Token requirement shorthands for the builtin tables.
var (
	anyToken  = []models.TokenKind{models.TokenKindTenant, models.TokenKindUser}
	userToken = []models.TokenKind{models.TokenKindUser}
)

// Schema literal helpers. Descriptors carry JSON-schema-shaped maps; these
// keep the builtin tables readable.
func obj(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func num(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}
func arr(desc string) map[string]any { return map[string]any{"type": "array", "description": desc} }
func dict(desc string) map[string]any {
	return map[string]any{"type": "object", "description": desc}
}

// Builtin returns the descriptor catalog compiled into the binary. Paths and
// methods are descriptor data consumed by the generic platform handler; the
// dispatcher itself knows nothing about any endpoint.
func Builtin() []Descriptor {
	return []Descriptor{
		// ── im ──────────────────────────────────────────────
		{
			Name:        "im.v1.message.create",
			Description: "Send a message to a chat or user.",
			Project:     "im",
			Method:      "POST",
			APIPath:     "/open-apis/im/v1/messages",
			InputSchema: obj(map[string]any{
				"receive_id_type": str("Addressing scheme: open_id, user_id, union_id, email or chat_id"),
				"receive_id":      str("Recipient id in the chosen scheme"),
				"msg_type":        str("Message type: text, post, image, interactive…"),
				"content":         str("JSON-encoded message body"),
			}, "receive_id", "msg_type", "content"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "im.v1.message.list",
			Description: "List messages in a container, newest first.",
			Project:     "im",
			Method:      "GET",
			APIPath:     "/open-apis/im/v1/messages",
			InputSchema: obj(map[string]any{
				"container_id_type": str("Container type, usually chat"),
				"container_id":      str("Container id"),
				"page_size":         num("Page size, max 50"),
			}, "container_id_type", "container_id"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "im.v1.chat.create",
			Description: "Create a group chat.",
			Project:     "im",
			Method:      "POST",
			APIPath:     "/open-apis/im/v1/chats",
			InputSchema: obj(map[string]any{
				"name":        str("Chat name"),
				"description": str("Chat description"),
				"user_id_list": arr("Initial member ids"),
			}, "name"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "im.v1.chat.list",
			Description: "List chats the caller belongs to.",
			Project:     "im",
			Method:      "GET",
			APIPath:     "/open-apis/im/v1/chats",
			InputSchema: obj(map[string]any{
				"page_size": num("Page size, max 100"),
			}),
			RequiredTokens: anyToken,
		},
		{
			Name:        "im.v1.chatMembers.get",
			Description: "List members of a chat.",
			Project:     "im",
			Method:      "GET",
			APIPath:     "/open-apis/im/v1/chats/{chat_id}/members",
			InputSchema: obj(map[string]any{
				"chat_id":   str("Chat id"),
				"page_size": num("Page size, max 100"),
			}, "chat_id"),
			RequiredTokens: anyToken,
		},

		// ── calendar ────────────────────────────────────────
		{
			Name:        "calendar.v4.calendar.list",
			Description: "List calendars visible to the caller.",
			Project:     "calendar",
			Method:      "GET",
			APIPath:     "/open-apis/calendar/v4/calendars",
			InputSchema: obj(map[string]any{
				"page_size": num("Page size, max 500"),
			}),
			RequiredTokens: anyToken,
		},
		{
			Name:        "calendar.v4.calendarEvent.create",
			Description: "Create an event on a calendar.",
			Project:     "calendar",
			Method:      "POST",
			APIPath:     "/open-apis/calendar/v4/calendars/{calendar_id}/events",
			InputSchema: obj(map[string]any{
				"calendar_id": str("Calendar id"),
				"summary":     str("Event title"),
				"start_time":  dict("Start: {timestamp} or {date}"),
				"end_time":    dict("End: {timestamp} or {date}"),
			}, "calendar_id", "summary"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "calendar.v4.calendarEvent.list",
			Description: "List events on a calendar.",
			Project:     "calendar",
			Method:      "GET",
			APIPath:     "/open-apis/calendar/v4/calendars/{calendar_id}/events",
			InputSchema: obj(map[string]any{
				"calendar_id": str("Calendar id"),
				"page_size":   num("Page size, max 1000"),
			}, "calendar_id"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "calendar.v4.freebusy.list",
			Description: "Query free/busy slots for a user or meeting room.",
			Project:     "calendar",
			Method:      "POST",
			APIPath:     "/open-apis/calendar/v4/freebusy/list",
			InputSchema: obj(map[string]any{
				"time_min": str("Window start, RFC3339"),
				"time_max": str("Window end, RFC3339"),
				"user_id":  str("User to query"),
			}, "time_min", "time_max"),
			RequiredTokens: userToken,
		},

		// ── sheets ──────────────────────────────────────────
		{
			Name:        "sheets.v3.spreadsheet.create",
			Description: "Create a spreadsheet.",
			Project:     "sheets",
			Method:      "POST",
			APIPath:     "/open-apis/sheets/v3/spreadsheets",
			InputSchema: obj(map[string]any{
				"title":        str("Spreadsheet title"),
				"folder_token": str("Destination folder"),
			}),
			RequiredTokens: anyToken,
		},
		{
			Name:        "sheets.v3.spreadsheetSheet.query",
			Description: "List the sheets of a spreadsheet.",
			Project:     "sheets",
			Method:      "GET",
			APIPath:     "/open-apis/sheets/v3/spreadsheets/{spreadsheet_token}/sheets/query",
			InputSchema: obj(map[string]any{
				"spreadsheet_token": str("Spreadsheet token"),
			}, "spreadsheet_token"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "sheets.v2.values.read",
			Description: "Read a cell range.",
			Project:     "sheets",
			Method:      "GET",
			APIPath:     "/open-apis/sheets/v2/spreadsheets/{spreadsheet_token}/values/{range}",
			InputSchema: obj(map[string]any{
				"spreadsheet_token": str("Spreadsheet token"),
				"range":             str("A1-notation range, e.g. Sheet1!A1:C10"),
			}, "spreadsheet_token", "range"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "sheets.v2.values.update",
			Description: "Write a cell range.",
			Project:     "sheets",
			Method:      "PUT",
			APIPath:     "/open-apis/sheets/v2/spreadsheets/{spreadsheet_token}/values",
			InputSchema: obj(map[string]any{
				"spreadsheet_token": str("Spreadsheet token"),
				"valueRange":        dict("Range and row-major values"),
			}, "spreadsheet_token", "valueRange"),
			RequiredTokens: anyToken,
		},

		// ── bitable ─────────────────────────────────────────
		{
			Name:        "bitable.v1.app.create",
			Description: "Create a base (multidimensional table app).",
			Project:     "bitable",
			Method:      "POST",
			APIPath:     "/open-apis/bitable/v1/apps",
			InputSchema: obj(map[string]any{
				"name":         str("Base name"),
				"folder_token": str("Destination folder"),
			}, "name"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "bitable.v1.appTable.list",
			Description: "List tables in a base.",
			Project:     "bitable",
			Method:      "GET",
			APIPath:     "/open-apis/bitable/v1/apps/{app_token}/tables",
			InputSchema: obj(map[string]any{
				"app_token": str("Base app token"),
				"page_size": num("Page size, max 100"),
			}, "app_token"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "bitable.v1.appTableRecord.search",
			Description: "Search records in a table with filters and sorts.",
			Project:     "bitable",
			Method:      "POST",
			APIPath:     "/open-apis/bitable/v1/apps/{app_token}/tables/{table_id}/records/search",
			InputSchema: obj(map[string]any{
				"app_token": str("Base app token"),
				"table_id":  str("Table id"),
				"filter":    dict("Filter tree"),
				"page_size": num("Page size, max 500"),
			}, "app_token", "table_id"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "bitable.v1.appTableRecord.create",
			Description: "Insert a record into a table.",
			Project:     "bitable",
			Method:      "POST",
			APIPath:     "/open-apis/bitable/v1/apps/{app_token}/tables/{table_id}/records",
			InputSchema: obj(map[string]any{
				"app_token": str("Base app token"),
				"table_id":  str("Table id"),
				"fields":    dict("Column name → value"),
			}, "app_token", "table_id", "fields"),
			RequiredTokens: anyToken,
		},

		// ── docx ────────────────────────────────────────────
		{
			Name:        "docx.v1.document.create",
			Description: "Create an empty document.",
			Project:     "docx",
			Method:      "POST",
			APIPath:     "/open-apis/docx/v1/documents",
			InputSchema: obj(map[string]any{
				"title":        str("Document title"),
				"folder_token": str("Destination folder"),
			}),
			RequiredTokens: anyToken,
		},
		{
			Name:        "docx.v1.document.rawContent",
			Description: "Fetch a document's plain-text content.",
			Project:     "docx",
			Method:      "GET",
			APIPath:     "/open-apis/docx/v1/documents/{document_id}/raw_content",
			InputSchema: obj(map[string]any{
				"document_id": str("Document id"),
			}, "document_id"),
			RequiredTokens: anyToken,
		},

		// ── contact ─────────────────────────────────────────
		{
			Name:        "contact.v3.user.batchGetId",
			Description: "Resolve emails or mobile numbers to user ids.",
			Project:     "contact",
			Method:      "POST",
			APIPath:     "/open-apis/contact/v3/users/batch_get_id",
			InputSchema: obj(map[string]any{
				"emails":  arr("Email addresses to resolve"),
				"mobiles": arr("Mobile numbers to resolve"),
			}),
			RequiredTokens: anyToken,
		},
		{
			Name:        "contact.v3.department.children",
			Description: "List child departments.",
			Project:     "contact",
			Method:      "GET",
			APIPath:     "/open-apis/contact/v3/departments/{department_id}/children",
			InputSchema: obj(map[string]any{
				"department_id": str("Parent department id"),
				"page_size":     num("Page size, max 50"),
			}, "department_id"),
			RequiredTokens: anyToken,
		},

		// ── task ────────────────────────────────────────────
		{
			Name:        "task.v2.task.create",
			Description: "Create a task.",
			Project:     "task",
			Method:      "POST",
			APIPath:     "/open-apis/task/v2/tasks",
			InputSchema: obj(map[string]any{
				"summary": str("Task title"),
				"due":     dict("Due: {timestamp, is_all_day}"),
			}, "summary"),
			RequiredTokens: anyToken,
		},
		{
			Name:        "task.v2.tasklist.list",
			Description: "List task lists.",
			Project:     "task",
			Method:      "GET",
			APIPath:     "/open-apis/task/v2/tasklists",
			InputSchema: obj(map[string]any{
				"page_size": num("Page size, max 50"),
			}),
			RequiredTokens: anyToken,
		},
	}
}

// defaultPresetTools is the curated everyday set served when no preset is
// configured explicitly.
var defaultPresetTools = []string{
	"im.v1.message.create",
	"im.v1.message.list",
	"im.v1.chat.create",
	"im.v1.chat.list",
	"im.v1.chatMembers.get",
	"calendar.v4.calendar.list",
	"calendar.v4.calendarEvent.create",
	"calendar.v4.calendarEvent.list",
	"sheets.v2.values.read",
	"bitable.v1.appTable.list",
	"bitable.v1.appTableRecord.search",
	"docx.v1.document.rawContent",
	"contact.v3.user.batchGetId",
	"system.task.enqueue",
	"system.task.status",
}

// lightPresetTools is the minimal chat-only footprint.
var lightPresetTools = []string{
	"im.v1.message.create",
	"im.v1.chat.list",
	"calendar.v4.calendar.list",
}

// BuiltinPresets derives the preset table from the catalog: one
// preset.«project».default per project tag plus the curated preset.default
// and preset.light. catalog must already include any injected tools the
// curated presets reference.
func BuiltinPresets(catalog []Descriptor) []Preset {
	byProject := make(map[string][]string)
	var projects []string
	known := make(map[string]bool, len(catalog))
	for _, d := range catalog {
		known[d.Name] = true
		if d.Project == "" {
			continue
		}
		if _, seen := byProject[d.Project]; !seen {
			projects = append(projects, d.Project)
		}
		byProject[d.Project] = append(byProject[d.Project], d.Name)
	}
	sort.Strings(projects)

	presets := make([]Preset, 0, len(projects)+2)
	for _, p := range projects {
		presets = append(presets, Preset{Name: "preset." + p + ".default", Tools: byProject[p]})
	}
	presets = append(presets,
		Preset{Name: "preset.default", Tools: keepKnown(defaultPresetTools, known)},
		Preset{Name: "preset.light", Tools: keepKnown(lightPresetTools, known)},
	)
	return presets
}

func keepKnown(names []string, known map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if known[n] {
			out = append(out, n)
		}
	}
	return out
}

// ── Descriptor files ────────────────────────────────────────

// descriptorFile is the on-disk JSON shape. A file holds either one object
// or an array of them.
type descriptorFile struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Project        string         `json:"project"`
	Method         string         `json:"method"`
	APIPath        string         `json:"api_path"`
	RequiredTokens []string       `json:"required_tokens"`
	InputSchema    map[string]any `json:"input_schema"`
}

func (f descriptorFile) descriptor() Descriptor {
	d := Descriptor{
		Name:        f.Name,
		Description: f.Description,
		Project:     f.Project,
		Method:      strings.ToUpper(f.Method),
		APIPath:     f.APIPath,
		InputSchema: f.InputSchema,
	}
	for _, t := range f.RequiredTokens {
		d.RequiredTokens = append(d.RequiredTokens, models.TokenKind(t))
	}
	return d
}

// LoadDir reads extra tool descriptors from *.json files in dir. Files are
// read in lexical order so catalogs are reproducible.
func LoadDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: reading tools dir: %w", err)
	}
	var out []Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("registry: reading %s: %w", e.Name(), err)
		}
		var batch []descriptorFile
		if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("registry: parsing %s: %w", e.Name(), err)
			}
		} else {
			var one descriptorFile
			if err := json.Unmarshal(raw, &one); err != nil {
				return nil, fmt.Errorf("registry: parsing %s: %w", e.Name(), err)
			}
			batch = append(batch, one)
		}
		for _, f := range batch {
			if err := ValidateName(f.Name); err != nil {
				return nil, fmt.Errorf("registry: %s: %w", e.Name(), err)
			}
			out = append(out, f.descriptor())
		}
	}
	log.Info().Str("dir", dir).Int("tools", len(out)).Msg("Loaded descriptor files")
	return out, nil
}

// Merge combines the builtin catalog with extra descriptors. Builtin wins on
// a name conflict; the loser is logged and dropped.
func Merge(builtin, extra []Descriptor) []Descriptor {
	names := make(map[string]bool, len(builtin))
	for _, d := range builtin {
		names[d.Name] = true
	}
	out := append([]Descriptor(nil), builtin...)
	for _, d := range extra {
		if names[d.Name] {
			log.Warn().Str("tool", d.Name).Msg("Descriptor file shadows a builtin tool, keeping builtin")
			continue
		}
		names[d.Name] = true
		out = append(out, d)
	}
	return out
}

// ── System tools ────────────────────────────────────────────

// SystemTools returns the queue-backed builtins. Their handlers close over
// the task service, so they are injected at wiring time rather than listed
// in Builtin().
func SystemTools(tasks contracts.TaskQueueService) []Descriptor {
	return []Descriptor{
		{
			Name:        "system.task.enqueue",
			Description: "Queue a tool call for asynchronous execution and return its task id.",
			Project:     "system",
			InputSchema: obj(map[string]any{
				"tool":         str("Tool to execute, any casing"),
				"arguments":    dict("Arguments for the tool"),
				"priority":     str("urgent, high, medium or low (default medium)"),
				"max_retries":  num("Retry attempts after the first failure"),
				"dependencies": arr("Task ids that must complete first"),
			}, "tool"),
			Handler: func(ctx context.Context, inv *Invocation) (*models.ToolResult, error) {
				task, err := taskFromParams(ctx, inv.Params)
				if err != nil {
					return nil, err
				}
				id, err := tasks.Enqueue(ctx, task)
				if err != nil {
					return nil, err
				}
				return jsonResult(map[string]any{"task_id": id, "status": task.Status})
			},
		},
		{
			Name:        "system.task.status",
			Description: "Look up a queued task by id.",
			Project:     "system",
			InputSchema: obj(map[string]any{
				"task_id": str("Task id returned by system.task.enqueue"),
			}, "task_id"),
			Handler: func(ctx context.Context, inv *Invocation) (*models.ToolResult, error) {
				id, _ := inv.Params["task_id"].(string)
				task, err := tasks.GetTask(ctx, id)
				if err != nil {
					return nil, err
				}
				return jsonResult(task)
			},
		},
	}
}

// taskFromParams builds a queue task from tool call arguments. The enqueuing
// session rides along so status notifications find their way back.
func taskFromParams(ctx context.Context, params map[string]any) (*models.Task, error) {
	tool, _ := params["tool"].(string)
	task := &models.Task{
		Payload:   models.ToolCallPayload{Tool: tool},
		SessionID: middleware.Session(ctx),
	}
	if args, ok := params["arguments"].(map[string]any); ok {
		task.Payload.Arguments = args
	}
	if p, ok := params["priority"].(string); ok && p != "" {
		task.Priority = models.TaskPriority(p)
		if !models.ValidPriority(task.Priority) {
			return nil, fmt.Errorf("unknown priority %q", p)
		}
	}
	switch n := params["max_retries"].(type) {
	case float64:
		task.MaxRetries = int(n)
	case int:
		task.MaxRetries = n
	}
	if deps, ok := params["dependencies"].([]any); ok {
		for _, d := range deps {
			if s, ok := d.(string); ok && s != "" {
				task.Dependencies = append(task.Dependencies, s)
			}
		}
	}
	return task, nil
}

func jsonResult(v any) (*models.ToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return models.TextResult(string(raw)), nil
}
