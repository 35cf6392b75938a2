// ABOUTME: Tests for the tool dispatcher against a fake tracker server
// ABOUTME: Covers status mapping, session preconditions, patch construction, and validation

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tracker-gateway/internal/kvstore"
	"github.com/2389/tracker-gateway/internal/session"
	"github.com/2389/tracker-gateway/internal/tracker"
)

// recordedRequest captures one call the dispatcher made to the fake tracker.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeTracker is an httptest-backed stand-in for Azure DevOps. Handlers are
// registered per method+path prefix; every request is recorded.
type fakeTracker struct {
	t        *testing.T
	requests []recordedRequest
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
	})

	// Longest matching prefix wins so "/wit/workitems/101" beats "/wit/workitems"
	var best func(w http.ResponseWriter, r *http.Request)
	bestLen := -1
	for key, handler := range f.handlers {
		method, prefix, _ := strings.Cut(key, " ")
		if r.Method == method && strings.HasPrefix(r.URL.Path, "/contoso/proj/_apis"+prefix) && len(prefix) > bestLen {
			best = handler
			bestLen = len(prefix)
		}
	}
	if best != nil {
		best(w, r)
		return
	}
	f.t.Errorf("unexpected tracker request: %s %s", r.Method, r.URL.Path)
	http.Error(w, "unexpected request", http.StatusInternalServerError)
}

func (f *fakeTracker) on(methodAndPrefix string, response any) {
	f.handlers[methodAndPrefix] = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeTracker, *session.Manager) {
	t.Helper()

	fake := &fakeTracker{t: t, handlers: make(map[string]func(http.ResponseWriter, *http.Request))}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tc, err := tracker.New(tracker.Config{
		Organization: "contoso",
		Project:      "proj",
		PAT:          "pat",
		BaseURL:      srv.URL,
	})
	require.NoError(t, err)

	store := kvstore.NewMemory()
	t.Cleanup(func() { store.Close() })
	sessions := session.NewManager(store)

	return NewDispatcher(tc, sessions, nil), fake, sessions
}

func workItem(id int, fields map[string]any) map[string]any {
	return map[string]any{"id": id, "fields": fields}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "default", "nonexistent", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestDispatch_SchemaValidationBeforeRemoteCall(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)

	_, err := d.Dispatch(context.Background(), "default", "set_story", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "story_id")
	assert.Empty(t, fake.requests, "validation failures must not reach the tracker")
}

func TestSetStory_TransitionsNotYetActiveStates(t *testing.T) {
	for _, state := range []string{"New", "Approved", "Committed", "Design"} {
		t.Run(state, func(t *testing.T) {
			d, fake, sessions := newTestDispatcher(t)
			fake.on("GET /wit/workitems/77", workItem(77, map[string]any{
				"System.Title":        "Ship the feature",
				"System.WorkItemType": "User Story",
				"System.State":        state,
			}))
			fake.on("PATCH /wit/workitems/77", workItem(77, map[string]any{"System.State": "Active"}))

			result, err := d.Dispatch(context.Background(), "default", "set_story", json.RawMessage(`{"story_id":"77"}`))
			require.NoError(t, err)

			res := result.(SetStoryResult)
			assert.Equal(t, "Active", res.State)
			assert.Contains(t, res.Message, "(moved to Active)")

			// Exactly one state transition issued
			patches := 0
			for _, req := range fake.requests {
				if req.Method == http.MethodPatch {
					patches++
					assert.Contains(t, req.Body, `"/fields/System.State"`)
				}
			}
			assert.Equal(t, 1, patches)

			storyID, err := sessions.ActiveStory(context.Background(), "default")
			require.NoError(t, err)
			assert.Equal(t, "77", storyID)
		})
	}
}

func TestSetStory_NoTransitionWhenAlreadyActive(t *testing.T) {
	for _, state := range []string{"Active", "Resolved", "Closed"} {
		t.Run(state, func(t *testing.T) {
			d, fake, _ := newTestDispatcher(t)
			fake.on("GET /wit/workitems/77", workItem(77, map[string]any{
				"System.Title": "Ship the feature",
				"System.State": state,
			}))

			result, err := d.Dispatch(context.Background(), "default", "set_story", json.RawMessage(`{"story_id":"77"}`))
			require.NoError(t, err)

			res := result.(SetStoryResult)
			assert.Equal(t, state, res.State)
			assert.NotContains(t, res.Message, "moved to Active")

			for _, req := range fake.requests {
				assert.NotEqual(t, http.MethodPatch, req.Method, "no transition expected")
			}
		})
	}
}

func TestStoryScopedTools_RequireActiveStory(t *testing.T) {
	calls := map[string]json.RawMessage{
		"task_create":   json.RawMessage(`{"subject":"s","description":"d"}`),
		"task_list":     nil,
		"story_resolve": nil,
	}

	for name, args := range calls {
		t.Run(name, func(t *testing.T) {
			d, fake, _ := newTestDispatcher(t)

			_, err := d.Dispatch(context.Background(), "default", name, args)
			assert.ErrorIs(t, err, session.ErrNoActiveStory)
			assert.Empty(t, fake.requests)
		})
	}
}

func TestTaskCreate_LinksChildOfActiveStory(t *testing.T) {
	d, fake, sessions := newTestDispatcher(t)
	require.NoError(t, sessions.SetActiveStory(context.Background(), "default", "77"))

	fake.on("POST /wit/workitems/$Task", workItem(101, map[string]any{"System.Title": "Write tests"}))

	result, err := d.Dispatch(context.Background(), "default", "task_create",
		json.RawMessage(`{"subject":"Write tests","description":"cover the parser","active_form":"Writing tests"}`))
	require.NoError(t, err)

	res := result.(TaskCreateResult)
	assert.Equal(t, "101", res.TaskID)
	assert.Equal(t, "Write tests", res.Title)
	assert.Equal(t, "77", res.ParentStoryID)

	require.Len(t, fake.requests, 1)
	var ops []map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.requests[0].Body), &ops))
	require.Len(t, ops, 4)
	assert.Equal(t, "/fields/System.Title", ops[0]["path"])
	assert.Equal(t, "/fields/System.Description", ops[1]["path"])
	assert.Equal(t, "/relations/-", ops[2]["path"])
	rel := ops[2]["value"].(map[string]any)
	assert.Equal(t, tracker.LinkHierarchyReverse, rel["rel"])
	assert.Contains(t, rel["url"], "/workitems/77")
	assert.Equal(t, "/fields/System.History", ops[3]["path"])
	assert.Equal(t, "Writing tests", ops[3]["value"])
}

func TestTaskUpdate_StatusMapping(t *testing.T) {
	mapping := map[string]string{
		"pending":     "To Do",
		"in_progress": "Active",
		"completed":   "Closed",
		"deleted":     "Removed",
	}

	for status, wantState := range mapping {
		t.Run(status, func(t *testing.T) {
			d, fake, _ := newTestDispatcher(t)
			fake.on("PATCH /wit/workitems/101", workItem(101, map[string]any{
				"System.Title": "Write tests",
				"System.State": wantState,
			}))

			args := fmt.Sprintf(`{"task_id":"101","status":"%s"}`, status)
			result, err := d.Dispatch(context.Background(), "default", "task_update", json.RawMessage(args))
			require.NoError(t, err)

			res := result.(TaskUpdateResult)
			assert.Equal(t, wantState, res.State)

			require.Len(t, fake.requests, 1)
			var ops []map[string]any
			require.NoError(t, json.Unmarshal([]byte(fake.requests[0].Body), &ops))
			require.Len(t, ops, 1)
			assert.Equal(t, wantState, ops[0]["value"])
		})
	}
}

func TestTaskUpdate_RejectsUnknownStatus(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)

	// "blocked" passes the task_id requirement but is not a legal status;
	// the schema enum catches it before the patch builder runs.
	_, err := d.Dispatch(context.Background(), "default", "task_update",
		json.RawMessage(`{"task_id":"101","status":"blocked"}`))
	require.Error(t, err)
	assert.Empty(t, fake.requests)
}

func TestBuildTaskPatch_RejectsUnknownStatus(t *testing.T) {
	_, err := buildTaskPatch(taskUpdateArgs{TaskID: "101", Status: "blocked"})
	require.Error(t, err)
	for _, accepted := range acceptedStatuses {
		assert.Contains(t, err.Error(), accepted)
	}
}

func TestBuildTaskPatch_PreservesFieldOrder(t *testing.T) {
	ops, err := buildTaskPatch(taskUpdateArgs{
		TaskID:      "101",
		Status:      "completed",
		Subject:     "New title",
		Description: "New body",
		Owner:       "jd@contoso.com",
	})
	require.NoError(t, err)
	require.Len(t, ops, 4)
	assert.Equal(t, "/fields/System.State", ops[0].Path)
	assert.Equal(t, "/fields/System.Title", ops[1].Path)
	assert.Equal(t, "/fields/System.Description", ops[2].Path)
	assert.Equal(t, "/fields/System.AssignedTo", ops[3].Path)
}

func TestTaskUpdate_NoFieldsIsNoOp(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)

	result, err := d.Dispatch(context.Background(), "default", "task_update",
		json.RawMessage(`{"task_id":"101"}`))
	require.NoError(t, err)

	res := result.(TaskUpdateResult)
	assert.Equal(t, "101", res.TaskID)
	assert.Equal(t, "No fields to update", res.Message)
	assert.Empty(t, fake.requests, "no-op update must not issue a write")
}

func TestTaskList_EmptyStory(t *testing.T) {
	d, fake, sessions := newTestDispatcher(t)
	require.NoError(t, sessions.SetActiveStory(context.Background(), "default", "77"))

	fake.on("POST /wit/wiql", map[string]any{"workItemRelations": []any{}})

	result, err := d.Dispatch(context.Background(), "default", "task_list", nil)
	require.NoError(t, err)

	res := result.(TaskListResult)
	assert.Equal(t, "77", res.StoryID)
	assert.Empty(t, res.Tasks)
}

func TestTaskList_NormalizesOwners(t *testing.T) {
	d, fake, sessions := newTestDispatcher(t)
	require.NoError(t, sessions.SetActiveStory(context.Background(), "default", "77"))

	fake.on("POST /wit/wiql", map[string]any{
		"workItemRelations": []map[string]any{
			{"target": nil}, // source row
			{"target": map[string]any{"id": 101}},
			{"target": map[string]any{"id": 102}},
			{"target": map[string]any{"id": 103}},
		},
	})
	fake.on("GET /wit/workitems", map[string]any{
		"value": []map[string]any{
			workItem(101, map[string]any{
				"System.Title":      "structured identity",
				"System.State":      "Active",
				"System.AssignedTo": map[string]any{"displayName": "Jordan Doe", "uniqueName": "jd@contoso.com"},
			}),
			workItem(102, map[string]any{
				"System.Title":      "raw string identity",
				"System.State":      "To Do",
				"System.AssignedTo": "someone@contoso.com",
			}),
			workItem(103, map[string]any{
				"System.Title": "unassigned",
				"System.State": "To Do",
			}),
		},
	})

	result, err := d.Dispatch(context.Background(), "default", "task_list", nil)
	require.NoError(t, err)

	res := result.(TaskListResult)
	require.Len(t, res.Tasks, 3)
	assert.Equal(t, "Jordan Doe", res.Tasks[0].Owner)
	assert.Equal(t, "someone@contoso.com", res.Tasks[1].Owner)
	assert.Equal(t, "", res.Tasks[2].Owner)

	// The link query names the hierarchy link type and the story id
	wiqlBody := fake.requests[0].Body
	assert.Contains(t, wiqlBody, tracker.LinkHierarchyForward)
	assert.Contains(t, wiqlBody, "[Source].[System.Id] = 77")
}

func TestTaskGet_IncludesRelations(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)

	fake.on("GET /wit/workitems/101", map[string]any{
		"id": 101,
		"fields": map[string]any{
			"System.Title":       "Write tests",
			"System.Description": "cover the parser",
			"System.State":       "Active",
		},
		"relations": []map[string]any{
			{"rel": tracker.LinkDependencyForward, "url": "http://x/7", "attributes": map[string]any{"comment": "Depends on #7"}},
		},
	})

	result, err := d.Dispatch(context.Background(), "default", "task_get", json.RawMessage(`{"task_id":"101"}`))
	require.NoError(t, err)

	res := result.(TaskGetResult)
	assert.Equal(t, "101", res.TaskID)
	require.Len(t, res.Relations, 1)
	assert.Equal(t, tracker.LinkDependencyForward, res.Relations[0].Rel)

	// Relations were requested expanded
	assert.Contains(t, fake.requests[0].Query, "expand=relations")
}

func TestTaskGet_NoRelationsYieldsEmptyList(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	fake.on("GET /wit/workitems/101", workItem(101, map[string]any{"System.Title": "bare"}))

	result, err := d.Dispatch(context.Background(), "default", "task_get", json.RawMessage(`{"task_id":"101"}`))
	require.NoError(t, err)

	res := result.(TaskGetResult)
	assert.NotNil(t, res.Relations)
	assert.Empty(t, res.Relations)
}

func TestTaskLink_AddsDependencyRelation(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	fake.on("PATCH /wit/workitems/101", workItem(101, nil))

	result, err := d.Dispatch(context.Background(), "default", "task_link",
		json.RawMessage(`{"task_id":"101","depends_on_id":"102"}`))
	require.NoError(t, err)

	res := result.(TaskLinkResult)
	assert.Equal(t, "101", res.TaskID)
	assert.Equal(t, "102", res.DependsOnID)
	assert.Contains(t, res.Message, "now depends on #102")

	require.Len(t, fake.requests, 1)
	var ops []map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.requests[0].Body), &ops))
	require.Len(t, ops, 1)
	rel := ops[0]["value"].(map[string]any)
	assert.Equal(t, tracker.LinkDependencyForward, rel["rel"])
	assert.Contains(t, rel["url"], "/workitems/102")
}

func TestTaskListMine_ExcludesClosedAndRemoved(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)

	fake.on("POST /wit/wiql", map[string]any{
		"workItems": []map[string]any{{"id": 201}, {"id": 202}},
	})
	fake.on("GET /wit/workitems", map[string]any{
		"value": []map[string]any{
			workItem(201, map[string]any{
				"System.Title":  "open task",
				"System.State":  "Active",
				"System.Parent": float64(77),
			}),
			workItem(202, map[string]any{
				"System.Title": "queued task",
				"System.State": "To Do",
			}),
		},
	})

	result, err := d.Dispatch(context.Background(), "default", "task_list_mine", nil)
	require.NoError(t, err)

	res := result.(TaskListMineResult)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, "77", res.Tasks[0].ParentID)
	assert.Equal(t, "", res.Tasks[1].ParentID)

	// The query restricts states to the open set and orders by recency
	wiqlBody := fake.requests[0].Body
	assert.Contains(t, wiqlBody, "IN ('To Do', 'Active')")
	assert.Contains(t, wiqlBody, "@Me")
	assert.Contains(t, wiqlBody, "ORDER BY [System.ChangedDate] DESC")
	assert.NotContains(t, wiqlBody, "'Closed'")
	assert.NotContains(t, wiqlBody, "'Removed'")
}

func TestTaskListMine_Empty(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	fake.on("POST /wit/wiql", map[string]any{"workItems": []any{}})

	result, err := d.Dispatch(context.Background(), "default", "task_list_mine", nil)
	require.NoError(t, err)

	res := result.(TaskListMineResult)
	assert.Empty(t, res.Tasks)
}

func TestStoryResolve_TransitionsUnconditionally(t *testing.T) {
	d, fake, sessions := newTestDispatcher(t)
	require.NoError(t, sessions.SetActiveStory(context.Background(), "default", "77"))

	fake.on("PATCH /wit/workitems/77", workItem(77, map[string]any{"System.State": "Resolved"}))

	result, err := d.Dispatch(context.Background(), "default", "story_resolve", nil)
	require.NoError(t, err)

	res := result.(StoryResolveResult)
	assert.Equal(t, "77", res.StoryID)
	assert.Equal(t, "Resolved", res.State)

	require.Len(t, fake.requests, 1)
	assert.Contains(t, fake.requests[0].Body, `"Resolved"`)
}

func TestDispatch_RemoteErrorPropagates(t *testing.T) {
	d, fake, _ := newTestDispatcher(t)
	fake.handlers["GET /wit/workitems/999"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "TF401232: work item 999 does not exist", http.StatusNotFound)
	}

	_, err := d.Dispatch(context.Background(), "default", "task_get", json.RawMessage(`{"task_id":"999"}`))
	require.Error(t, err)

	var remoteErr *tracker.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.Status)
	assert.Contains(t, err.Error(), "TF401232")
}

func TestCatalog_DeclaresEightTools(t *testing.T) {
	cat := Catalog()
	require.Len(t, cat, 8)

	names := make([]string, len(cat))
	for i, tool := range cat {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.True(t, json.Valid(tool.InputSchema), "schema for %s must be valid JSON", tool.Name)
	}
	assert.Equal(t, []string{
		"set_story", "task_create", "task_update", "task_list",
		"task_get", "task_link", "task_list_mine", "story_resolve",
	}, names)
}
