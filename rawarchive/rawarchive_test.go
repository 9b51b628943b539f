package rawarchive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryRemote_ReturnsQueryIDWhenAnswersPresent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/modalities/REMOTE/query":
			_ = json.NewEncoder(w).Encode(queryResponse{ID: "query-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/queries/query-1/answers":
			_ = json.NewEncoder(w).Encode([]answer{{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", 5*time.Second)
	id, err := n.QueryRemote(context.Background(), "REMOTE", Query{PatientID: "A", AccessionNumber: "B"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "query-1", id)
}

func TestQueryRemote_EmptyAnswersReturnsEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/modalities/REMOTE/query":
			_ = json.NewEncoder(w).Encode(queryResponse{ID: "query-1"})
		case r.URL.Path == "/queries/query-1/answers":
			_ = json.NewEncoder(w).Encode([]answer{})
		}
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", 5*time.Second)
	id, err := n.QueryRemote(context.Background(), "REMOTE", Query{PatientID: "A", AccessionNumber: "B"}, time.Second)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestJobState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/job-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(jobStateResponse{State: "Success"})
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", time.Second)
	state, err := n.JobState(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, JobSuccess, state)
}

func TestRetrieveFromRemote_TargetsOwnAET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "PIXLANON", body["TargetAet"])
		require.Equal(t, false, body["Synchronous"])
		_ = json.NewEncoder(w).Encode(queryResponse{ID: "job-2"})
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", time.Second)
	jobID, err := n.RetrieveFromRemote(context.Background(), "query-1")
	require.NoError(t, err)
	require.Equal(t, "job-2", jobID)
}

func TestSendExistingStudyToAnon(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send-to-anon", r.URL.Path)
		called = true
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", time.Second)
	require.NoError(t, n.SendExistingStudyToAnon(context.Background(), "resource-1"))
	require.True(t, called)
}

func TestModifyPrivateTagsByStudy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/studies/study-1/modify", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "UCLH PIXL", body["PrivateCreator"])
		require.Equal(t, false, body["KeepSource"])
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", time.Second)
	err := n.ModifyPrivateTagsByStudy(context.Background(), "study-1", "UCLH PIXL", map[string]string{"0009,0010,01": "my-project"})
	require.NoError(t, err)
}

func TestNonSuccessStatus_IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, "PIXLANON", "user", "pass", 2*time.Second)
	_, err := n.JobState(context.Background(), "job-1")
	require.Error(t, err)
}
