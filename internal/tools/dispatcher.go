// ABOUTME: Tool dispatcher routing validated tool calls to their business handlers
// ABOUTME: Implements the eight task-tracking operations against the remote tracker

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/2389/tracker-gateway/internal/session"
	"github.com/2389/tracker-gateway/internal/tracker"
)

// ErrUnknownTool is returned when a tools/call names a tool outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// stateForStatus is the fixed mapping from logical task statuses to the
// tracker's state names. The update operation accepts no other values.
var stateForStatus = map[string]string{
	"pending":     "To Do",
	"in_progress": "Active",
	"completed":   "Closed",
	"deleted":     "Removed",
}

// acceptedStatuses lists the logical statuses in a stable order for error messages.
var acceptedStatuses = []string{"pending", "in_progress", "completed", "deleted"}

// storyNotYetActive holds the story states that set_story transitions to Active.
var storyNotYetActive = map[string]bool{
	"New":       true,
	"Approved":  true,
	"Committed": true,
	"Design":    true,
}

// Dispatcher resolves tool calls into tracker operations. It is safe for
// concurrent use; per-session state lives in the session manager.
type Dispatcher struct {
	tracker  *tracker.Client
	sessions *session.Manager
	logger   *slog.Logger
	byName   map[string]Tool
}

// NewDispatcher creates a dispatcher over the given tracker client and
// session manager.
func NewDispatcher(tc *tracker.Client, sm *session.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]Tool, len(catalog))
	for _, t := range catalog {
		byName[t.Name] = t
	}

	return &Dispatcher{
		tracker:  tc,
		sessions: sm,
		logger:   logger.With("component", "tools"),
		byName:   byName,
	}
}

// Dispatch validates args against the named tool's schema and runs its
// handler. Argument-contract violations fail before any tracker call.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, name string, args json.RawMessage) (any, error) {
	tool, ok := d.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	if err := validateArgs(name, tool.InputSchema, decoded); err != nil {
		return nil, err
	}

	switch name {
	case "set_story":
		return d.setStory(ctx, sessionID, args)
	case "task_create":
		return d.taskCreate(ctx, sessionID, args)
	case "task_update":
		return d.taskUpdate(ctx, args)
	case "task_list":
		return d.taskList(ctx, sessionID)
	case "task_get":
		return d.taskGet(ctx, args)
	case "task_link":
		return d.taskLink(ctx, args)
	case "task_list_mine":
		return d.taskListMine(ctx)
	case "story_resolve":
		return d.storyResolve(ctx, sessionID)
	default:
		// Catalog and switch drifted; treat as unknown rather than panic.
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// SetStoryResult is the response for set_story.
type SetStoryResult struct {
	StoryID string `json:"story_id"`
	Title   string `json:"title"`
	Type    string `json:"type"`
	State   string `json:"state"`
	Message string `json:"message"`
}

func (d *Dispatcher) setStory(ctx context.Context, sessionID string, args json.RawMessage) (any, error) {
	var params struct {
		StoryID string `json:"story_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for set_story: %w", err)
	}

	wi, err := d.tracker.GetWorkItem(ctx, params.StoryID, false)
	if err != nil {
		return nil, err
	}

	title := wi.StringField(tracker.FieldTitle)
	if title == "" {
		title = "(unknown)"
	}
	currentState := wi.StringField(tracker.FieldState)

	if err := d.sessions.SetActiveStory(ctx, sessionID, params.StoryID); err != nil {
		return nil, err
	}

	transitioned := false
	if storyNotYetActive[currentState] {
		_, err := d.tracker.PatchWorkItem(ctx, params.StoryID, []tracker.PatchOp{
			tracker.AddField(tracker.FieldState, "Active"),
		})
		if err != nil {
			return nil, err
		}
		transitioned = true
	}

	state := currentState
	message := fmt.Sprintf("Active story set to #%s: %s", params.StoryID, title)
	if transitioned {
		state = "Active"
		message += " (moved to Active)"
	}

	d.logger.Info("active story set", "session_id", sessionID, "story_id", params.StoryID, "transitioned", transitioned)

	return SetStoryResult{
		StoryID: params.StoryID,
		Title:   title,
		Type:    wi.StringField(tracker.FieldWorkItemType),
		State:   state,
		Message: message,
	}, nil
}

// TaskCreateResult is the response for task_create.
type TaskCreateResult struct {
	TaskID        string `json:"task_id"`
	Title         string `json:"title"`
	ParentStoryID string `json:"parent_story_id"`
}

func (d *Dispatcher) taskCreate(ctx context.Context, sessionID string, args json.RawMessage) (any, error) {
	var params struct {
		Subject     string `json:"subject"`
		Description string `json:"description"`
		ActiveForm  string `json:"active_form"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for task_create: %w", err)
	}

	storyID, err := d.sessions.ActiveStory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ops := []tracker.PatchOp{
		tracker.AddField(tracker.FieldTitle, params.Subject),
		tracker.AddField(tracker.FieldDescription, params.Description),
		tracker.AddRelation(
			tracker.LinkHierarchyReverse,
			fmt.Sprintf("%s/_apis/wit/workitems/%s", d.tracker.OrgURL(), storyID),
			"Child of story",
		),
	}
	if params.ActiveForm != "" {
		ops = append(ops, tracker.AddField(tracker.FieldHistory, params.ActiveForm))
	}

	wi, err := d.tracker.CreateWorkItem(ctx, "Task", ops)
	if err != nil {
		return nil, err
	}

	title := wi.StringField(tracker.FieldTitle)
	if title == "" {
		title = params.Subject
	}

	return TaskCreateResult{
		TaskID:        strconv.Itoa(wi.ID),
		Title:         title,
		ParentStoryID: storyID,
	}, nil
}

// TaskUpdateResult is the response for task_update.
type TaskUpdateResult struct {
	TaskID  string `json:"task_id"`
	Title   string `json:"title,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// taskUpdateArgs carries the optional fields of task_update. Empty strings
// mean "not supplied"; the patch builder skips them.
type taskUpdateArgs struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
}

// buildTaskPatch produces patch operations from whichever optional fields
// are present, preserving the fixed field order: status, subject,
// description, owner.
func buildTaskPatch(params taskUpdateArgs) ([]tracker.PatchOp, error) {
	var ops []tracker.PatchOp

	if params.Status != "" {
		state, ok := stateForStatus[params.Status]
		if !ok {
			return nil, fmt.Errorf("unknown status %q, use one of: %v", params.Status, acceptedStatuses)
		}
		ops = append(ops, tracker.AddField(tracker.FieldState, state))
	}
	if params.Subject != "" {
		ops = append(ops, tracker.AddField(tracker.FieldTitle, params.Subject))
	}
	if params.Description != "" {
		ops = append(ops, tracker.AddField(tracker.FieldDescription, params.Description))
	}
	if params.Owner != "" {
		ops = append(ops, tracker.AddField(tracker.FieldAssignedTo, params.Owner))
	}

	return ops, nil
}

func (d *Dispatcher) taskUpdate(ctx context.Context, args json.RawMessage) (any, error) {
	var params taskUpdateArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for task_update: %w", err)
	}

	ops, err := buildTaskPatch(params)
	if err != nil {
		return nil, err
	}

	if len(ops) == 0 {
		return TaskUpdateResult{TaskID: params.TaskID, Message: "No fields to update"}, nil
	}

	wi, err := d.tracker.PatchWorkItem(ctx, params.TaskID, ops)
	if err != nil {
		return nil, err
	}

	return TaskUpdateResult{
		TaskID: params.TaskID,
		Title:  wi.StringField(tracker.FieldTitle),
		State:  wi.StringField(tracker.FieldState),
	}, nil
}

// TaskSummary is one row of a task listing.
type TaskSummary struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	State    string `json:"state"`
	Owner    string `json:"owner,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// TaskListResult is the response for task_list.
type TaskListResult struct {
	StoryID string        `json:"story_id"`
	Tasks   []TaskSummary `json:"tasks"`
}

func (d *Dispatcher) taskList(ctx context.Context, sessionID string) (any, error) {
	storyID, err := d.sessions.ActiveStory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT [System.Id], [System.Title], [System.State], [System.AssignedTo]
FROM WorkItemLinks
WHERE [Source].[System.Id] = %s
  AND [System.Links.LinkType] = '%s'
  AND [Target].[System.WorkItemType] = 'Task'
MODE (MayContain)`, storyID, tracker.LinkHierarchyForward)

	result, err := d.tracker.QueryWIQL(ctx, query)
	if err != nil {
		return nil, err
	}

	// Collect target ids; the source row has no target
	var ids []string
	for _, rel := range result.WorkItemRelations {
		if rel.Target != nil {
			ids = append(ids, strconv.Itoa(rel.Target.ID))
		}
	}
	if len(ids) == 0 {
		return TaskListResult{StoryID: storyID, Tasks: []TaskSummary{}}, nil
	}

	items, err := d.tracker.GetWorkItemsBatch(ctx, ids, []string{
		"System.Id", tracker.FieldTitle, tracker.FieldState, tracker.FieldAssignedTo,
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]TaskSummary, 0, len(items))
	for _, wi := range items {
		tasks = append(tasks, TaskSummary{
			TaskID: strconv.Itoa(wi.ID),
			Title:  wi.StringField(tracker.FieldTitle),
			State:  wi.StringField(tracker.FieldState),
			Owner:  wi.Owner(),
		})
	}

	return TaskListResult{StoryID: storyID, Tasks: tasks}, nil
}

// TaskGetResult is the response for task_get.
type TaskGetResult struct {
	TaskID      string             `json:"task_id"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	State       string             `json:"state"`
	Owner       string             `json:"owner,omitempty"`
	Relations   []tracker.Relation `json:"relations"`
}

func (d *Dispatcher) taskGet(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for task_get: %w", err)
	}

	wi, err := d.tracker.GetWorkItem(ctx, params.TaskID, true)
	if err != nil {
		return nil, err
	}

	relations := wi.Relations
	if relations == nil {
		relations = []tracker.Relation{}
	}

	return TaskGetResult{
		TaskID:      strconv.Itoa(wi.ID),
		Title:       wi.StringField(tracker.FieldTitle),
		Description: wi.StringField(tracker.FieldDescription),
		State:       wi.StringField(tracker.FieldState),
		Owner:       wi.Owner(),
		Relations:   relations,
	}, nil
}

// TaskLinkResult is the response for task_link.
type TaskLinkResult struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
	Message     string `json:"message"`
}

func (d *Dispatcher) taskLink(ctx context.Context, args json.RawMessage) (any, error) {
	var params struct {
		TaskID      string `json:"task_id"`
		DependsOnID string `json:"depends_on_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid arguments for task_link: %w", err)
	}

	// No duplicate or cycle detection: repeated calls create repeated
	// relations and the tracker is the authority on link validity.
	ops := []tracker.PatchOp{
		tracker.AddRelation(
			tracker.LinkDependencyForward,
			fmt.Sprintf("%s/_apis/wit/workitems/%s", d.tracker.OrgURL(), params.DependsOnID),
			fmt.Sprintf("Depends on #%s", params.DependsOnID),
		),
	}
	if _, err := d.tracker.PatchWorkItem(ctx, params.TaskID, ops); err != nil {
		return nil, err
	}

	return TaskLinkResult{
		TaskID:      params.TaskID,
		DependsOnID: params.DependsOnID,
		Message:     fmt.Sprintf("Task #%s now depends on #%s", params.TaskID, params.DependsOnID),
	}, nil
}

// TaskListMineResult is the response for task_list_mine.
type TaskListMineResult struct {
	Tasks []TaskSummary `json:"tasks"`
}

func (d *Dispatcher) taskListMine(ctx context.Context) (any, error) {
	// Only logically open tasks: 'Closed' and 'Removed' are excluded.
	query := `
SELECT [System.Id], [System.Title], [System.State], [System.AssignedTo], [System.Parent]
FROM WorkItems
WHERE [System.WorkItemType] = 'Task'
  AND [System.AssignedTo] = @Me
  AND [System.State] IN ('To Do', 'Active')
ORDER BY [System.ChangedDate] DESC`

	result, err := d.tracker.QueryWIQL(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(result.WorkItems) == 0 {
		return TaskListMineResult{Tasks: []TaskSummary{}}, nil
	}

	ids := make([]string, 0, len(result.WorkItems))
	for _, wi := range result.WorkItems {
		ids = append(ids, strconv.Itoa(wi.ID))
	}

	items, err := d.tracker.GetWorkItemsBatch(ctx, ids, []string{
		"System.Id", tracker.FieldTitle, tracker.FieldState, tracker.FieldAssignedTo, tracker.FieldParent,
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]TaskSummary, 0, len(items))
	for _, wi := range items {
		tasks = append(tasks, TaskSummary{
			TaskID:   strconv.Itoa(wi.ID),
			Title:    wi.StringField(tracker.FieldTitle),
			State:    wi.StringField(tracker.FieldState),
			Owner:    wi.Owner(),
			ParentID: parentID(wi.Fields[tracker.FieldParent]),
		})
	}

	return TaskListMineResult{Tasks: tasks}, nil
}

// parentID renders the System.Parent field, which the tracker returns as a
// JSON number, as a work item id string.
func parentID(v any) string {
	n, ok := v.(float64)
	if !ok {
		return ""
	}
	return strconv.Itoa(int(n))
}

// StoryResolveResult is the response for story_resolve.
type StoryResolveResult struct {
	StoryID string `json:"story_id"`
	State   string `json:"state"`
	Message string `json:"message"`
}

func (d *Dispatcher) storyResolve(ctx context.Context, sessionID string) (any, error) {
	storyID, err := d.sessions.ActiveStory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	_, err = d.tracker.PatchWorkItem(ctx, storyID, []tracker.PatchOp{
		tracker.AddField(tracker.FieldState, "Resolved"),
	})
	if err != nil {
		return nil, err
	}

	return StoryResolveResult{
		StoryID: storyID,
		State:   "Resolved",
		Message: fmt.Sprintf("Story #%s marked as Resolved.", storyID),
	}, nil
}
