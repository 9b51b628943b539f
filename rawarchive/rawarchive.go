// Package rawarchive is a REST client for the raw-archive/anonymisation
// node: an external collaborator embedding a DICOM node that exposes
// C-FIND/C-MOVE/STOW through a REST introspection API. This package
// assumes the node is already running; it only speaks its HTTP contract.
package rawarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/httputils"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// JobState is the state of an asynchronous C-MOVE job.
type JobState string

const (
	JobSuccess JobState = "Success"
	JobFailure JobState = "Failure"
	JobPending JobState = "Pending"
	JobRunning JobState = "Running"
)

// Query is the identifying criteria for a study lookup: either a known
// StudyInstanceUID, or a (PatientID, AccessionNumber) pair.
type Query struct {
	StudyInstanceUID string
	PatientID        string
	AccessionNumber  string
}

func (q Query) toFindPayload() map[string]interface{} {
	level := map[string]interface{}{"Level": "Study"}
	query := map[string]string{}
	if q.StudyInstanceUID != "" {
		query["StudyInstanceUID"] = q.StudyInstanceUID
	} else {
		query["PatientID"] = q.PatientID
		query["AccessionNumber"] = q.AccessionNumber
	}
	level["Query"] = query
	return level
}

// Node is a REST client for one Orthanc-style node (the raw store or the
// anonymisation node), identified by its own application entity title.
type Node struct {
	baseURL string
	aet     string
	http    *http.Client
}

// New builds a Node client. username/password are HTTP basic auth
// credentials for the node's REST API.
func New(baseURL, aet, username, password string, timeout time.Duration) *Node {
	client := httputils.Response2xxOnly(httputils.NewTimeoutClient(timeout))
	client = withBasicAuth(client, username, password)
	return &Node{baseURL: baseURL, aet: aet, http: client}
}

// AET returns this node's application entity title, used as the
// TargetAet for C-MOVE retrieval requests.
func (n *Node) AET() string { return n.aet }

// QueryLocal looks for a study already present in this node's own storage.
// Returns the matching resource IDs, empty if none.
func (n *Node) QueryLocal(ctx context.Context, q Query) ([]string, error) {
	var ids []string
	if err := n.post(ctx, "/tools/find", q.toFindPayload(), &ids); err != nil {
		return nil, skerr.Wrap(err)
	}
	return ids, nil
}

type queryResponse struct {
	ID string `json:"ID"`
}

type answer struct{}

// QueryRemote runs a C-FIND against modality, returning the query ID if
// any answers were found, or "" on an empty result set. A request timeout
// is treated the same as an empty result.
func (n *Node) QueryRemote(ctx context.Context, modality string, q Query, timeout time.Duration) (string, error) {
	ctx, cancel := httputils.WithTimeout(ctx, timeout)
	defer cancel()

	var resp queryResponse
	err := n.post(ctx, fmt.Sprintf("/modalities/%s/query", modality), q.toFindPayload(), &resp)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil // timeout maps to empty, not an error
		}
		return "", skerr.Wrap(err)
	}

	var answers []answer
	if err := n.get(ctx, fmt.Sprintf("/queries/%s/answers", resp.ID), &answers); err != nil {
		return "", skerr.Wrap(err)
	}
	if len(answers) == 0 {
		return "", nil
	}
	return resp.ID, nil
}

// RetrieveFromRemote triggers an asynchronous C-MOVE for the given query
// ID, targeting this node as the destination AET, and returns the job ID.
func (n *Node) RetrieveFromRemote(ctx context.Context, queryID string) (string, error) {
	var resp queryResponse
	payload := map[string]interface{}{"TargetAet": n.aet, "Synchronous": false}
	if err := n.post(ctx, fmt.Sprintf("/queries/%s/retrieve", queryID), payload, &resp); err != nil {
		return "", skerr.Wrap(err)
	}
	return resp.ID, nil
}

type jobStateResponse struct {
	State string `json:"State"`
}

// JobState polls the state of a C-MOVE (or other asynchronous) job.
func (n *Node) JobState(ctx context.Context, jobID string) (JobState, error) {
	var resp jobStateResponse
	if err := n.get(ctx, fmt.Sprintf("/jobs/%s", jobID), &resp); err != nil {
		return "", skerr.Wrap(err)
	}
	return JobState(resp.State), nil
}

// ModifyPrivateTagsByStudy applies a private-tag replacement to a study in
// place, without making a copy (KeepSource=false), used for project-slug
// stamping.
func (n *Node) ModifyPrivateTagsByStudy(ctx context.Context, studyID, privateCreator string, replace map[string]string) error {
	payload := map[string]interface{}{
		"PrivateCreator": privateCreator,
		"Permissive":     false,
		"KeepSource":     false,
		"Replace":        replace,
	}
	return n.post(ctx, fmt.Sprintf("/studies/%s/modify", studyID), payload, nil)
}

// SendExistingStudyToAnon asks the raw store to forward a study it already
// holds directly to the anonymisation node, short-circuiting the
// query/C-MOVE path when local_probe already found the study.
func (n *Node) SendExistingStudyToAnon(ctx context.Context, resourceID string) error {
	return n.post(ctx, "/send-to-anon", map[string]string{"ResourceId": resourceID}, nil)
}

func (n *Node) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	return n.do(req, out)
}

func (n *Node) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req, out)
}

func (n *Node) do(req *http.Request, out interface{}) error {
	resp, err := n.http.Do(req)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

type basicAuthTransport struct {
	wrapped            http.RoundTripper
	username, password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.wrapped.RoundTrip(req)
}

func withBasicAuth(c *http.Client, username, password string) *http.Client {
	cp := *c
	transport := cp.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	cp.Transport = &basicAuthTransport{wrapped: transport, username: username, password: password}
	return &cp
}
