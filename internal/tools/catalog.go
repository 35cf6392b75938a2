// ABOUTME: Static catalog of the eight task-tracking tools the gateway exposes
// ABOUTME: Each tool carries a name, description, and JSON-Schema argument contract

package tools

import "encoding/json"

// Tool describes one callable operation: its protocol name, human-readable
// description, and the JSON Schema its arguments are validated against.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Catalog returns the fixed tool catalog in its declared order.
func Catalog() []Tool {
	return catalog
}

var catalog = []Tool{
	{
		Name:        "set_story",
		Description: "Set the active User Story for this session. All task operations target this story.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"story_id": {"type": "string", "description": "Work item ID of the User Story"}
			},
			"required": ["story_id"]
		}`),
	},
	{
		Name:        "task_create",
		Description: "Create a Task as a child of the active story.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subject":     {"type": "string", "description": "Task title"},
				"description": {"type": "string", "description": "Task description (HTML or plain text)"},
				"active_form": {"type": "string", "description": "Present-continuous label (e.g. 'Running tests')"}
			},
			"required": ["subject", "description"]
		}`),
	},
	{
		Name:        "task_update",
		Description: "Update fields or state on an existing Task.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id":     {"type": "string", "description": "Work item ID of the Task"},
				"status":      {"type": "string", "enum": ["pending", "in_progress", "completed", "deleted"]},
				"subject":     {"type": "string"},
				"description": {"type": "string"},
				"owner":       {"type": "string", "description": "Assignee email or display name"}
			},
			"required": ["task_id"]
		}`),
	},
	{
		Name:        "task_list",
		Description: "List all Tasks that are children of the active story.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "task_get",
		Description: "Get full details of a single Task work item, including its relations.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "description": "Work item ID"}
			},
			"required": ["task_id"]
		}`),
	},
	{
		Name:        "task_link",
		Description: "Create a predecessor/successor dependency link between two tasks. Duplicate links are not detected; the tracker owns link validation.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id":       {"type": "string", "description": "The dependent task (successor)"},
				"depends_on_id": {"type": "string", "description": "The task it depends on (predecessor)"}
			},
			"required": ["task_id", "depends_on_id"]
		}`),
	},
	{
		Name:        "task_list_mine",
		Description: "List open Tasks across the project assigned to the current user (@Me).",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        "story_resolve",
		Description: "Mark the active User Story as Resolved. Call this when implementation work is complete.",
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
}
