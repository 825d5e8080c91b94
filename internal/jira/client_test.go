package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qabridge/internal/vault"
	"qabridge/pkg/schema"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewClient(
		Config{BaseURL: srv.URL, PageSize: 2},
		vault.Credentials{User: "qa-bot@liferay.com", Token: "api-token"},
		nil,
	)
}

func TestDo_BasicAuth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue/LPD-1", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "qa-bot@liferay.com", user)
		assert.Equal(t, "api-token", pass)
		json.NewEncoder(w).Encode(map[string]any{
			"key": "LPD-1", "fields": map[string]any{"status": map[string]any{"name": "Open"}},
		})
	})

	c := newTestClient(t, mux)

	status, err := c.IssueStatus(context.Background(), "LPD-1")
	require.NoError(t, err)
	assert.Equal(t, "Open", status)
}

func TestDo_StatusMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue/LPD-401", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("/rest/api/2/issue/LPD-404", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(t, mux)

	_, err := c.IssueStatus(context.Background(), "LPD-401")
	assert.Equal(t, schema.ErrCodeAuth, schema.CodeOf(err))

	_, err = c.IssueStatus(context.Background(), "LPD-404")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSearchIssues_Paginates(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/search", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, `project = LPD AND status = Open`, payload["jql"])
		assert.Equal(t, float64(2), payload["maxResults"])

		switch payload["startAt"] {
		case float64(0):
			json.NewEncoder(w).Encode(map[string]any{
				"total": 3,
				"issues": []map[string]any{
					{"key": "LPD-1"}, {"key": "LPD-2"},
				},
			})
		case float64(2):
			json.NewEncoder(w).Encode(map[string]any{
				"total":  3,
				"issues": []map[string]any{{"key": "LPD-3"}},
			})
		default:
			t.Errorf("unexpected startAt %v", payload["startAt"])
		}
	})

	c := newTestClient(t, mux)

	issues, err := c.SearchIssues(context.Background(), `project = LPD AND status = Open`, []string{"key"})
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, "LPD-3", issues[2].Key)
}

func TestSearchIssues_EmptyJQL(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())

	_, err := c.SearchIssues(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCreateIssue_Payload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var payload struct {
			Fields map[string]any `json:"fields"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		assert.Equal(t, "Investigate test failure", payload.Fields["summary"])
		assert.Equal(t, "LPD-100", payload.Fields[epicLinkField])
		assert.Equal(t, map[string]any{"key": "LPD"}, payload.Fields["project"])
		assert.Equal(t, map[string]any{"name": "Testing"}, payload.Fields["issuetype"])
		assert.Equal(t, []any{map[string]any{"name": "Object"}}, payload.Fields["components"])
		assert.Equal(t, []any{"headless_routine_task"}, payload.Fields["labels"])

		json.NewEncoder(w).Encode(map[string]any{"id": "10001", "key": "LPD-200"})
	})

	c := newTestClient(t, mux)

	issue, err := c.CreateIssue(context.Background(), CreateIssueInput{
		ProjectKey:  "LPD",
		IssueType:   "Testing",
		Summary:     "Investigate test failure",
		Description: "stack trace",
		EpicKey:     "LPD-100",
		Components:  []string{"Object"},
		Labels:      []string{"headless_routine_task"},
	})
	require.NoError(t, err)
	assert.Equal(t, "LPD-200", issue.Key)
}

func TestCreateIssue_RequiresProjectAndSummary(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())

	_, err := c.CreateIssue(context.Background(), CreateIssueInput{ProjectKey: "LPD"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCloseIssue(t *testing.T) {
	var commented, transitioned bool
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue/LPD-9/comment", func(w http.ResponseWriter, r *http.Request) {
		commented = true
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Not reproduced on latest build.", payload["body"])
		fmt.Fprint(w, "{}")
	})
	mux.HandleFunc("/rest/api/2/issue/LPD-9/transitions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"transitions": []map[string]any{
					{"id": "11", "to": map[string]any{"name": "In Progress"}},
					{"id": "31", "to": map[string]any{"name": "Closed"}},
				},
			})
		case http.MethodPost:
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, map[string]any{"id": "31"}, payload["transition"])
			transitioned = true
			w.WriteHeader(http.StatusNoContent)
		}
	})

	c := newTestClient(t, mux)

	require.NoError(t, c.CloseIssue(context.Background(), "LPD-9", "Not reproduced on latest build."))
	assert.True(t, commented)
	assert.True(t, transitioned)
}

func TestCloseIssue_NoClosedTransition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/issue/LPD-9/transitions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"transitions": []map[string]any{
				{"id": "11", "to": map[string]any{"name": "In Progress"}},
			},
		})
	})

	c := newTestClient(t, mux)

	err := c.CloseIssue(context.Background(), "LPD-9", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestAssignIssue(t *testing.T) {
	mux := http.NewServeMux()
	var body map[string]any
	mux.HandleFunc("/rest/api/2/issue/LPD-7/assignee", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(t, mux)

	require.NoError(t, c.AssignIssue(context.Background(), "LPD-7", "acc-123"))
	assert.Equal(t, "acc-123", body["accountId"])

	require.NoError(t, c.AssignIssue(context.Background(), "LPD-7", ""))
	val, present := body["accountId"]
	assert.True(t, present)
	assert.Nil(t, val)
}
