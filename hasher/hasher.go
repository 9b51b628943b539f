// Package hasher is a narrow synchronous client to the external keyed-hash
// oracle (C2): a service that turns (project, message) pairs into stable
// pseudonymous digests, and mints fresh DICOM study UIDs. The oracle itself,
// and its key material, live outside this module.
package hasher

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/SAFEHR-data/PIXL-sub000/go/httputils"
	"github.com/SAFEHR-data/PIXL-sub000/go/skerr"
)

// MinDigestLength and MaxDigestLength bound the caller-specified digest
// length accepted by Hash.
const (
	MinDigestLength = 2
	MaxDigestLength = 64
)

// Client talks to the hash oracle over HTTP. Same inputs yield the same
// outputs across calls and across process restarts: the oracle is stable,
// not this client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "https://hasher.internal:8000"),
// using the shared retry/timeout HTTP client conventions.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputils.Response2xxOnly(httputils.NewTimeoutClient(timeout)),
	}
}

type hashRequest struct {
	ProjectSlug string `json:"project_slug"`
	Message     string `json:"message"`
	Length      int    `json:"length"`
}

type hashResponse struct {
	Digest string `json:"digest"`
}

// Hash returns a length-bounded hex digest of message, keyed on
// projectSlug. length must be in [MinDigestLength, MaxDigestLength]; the
// oracle truncates its native digest symmetrically to match.
func (c *Client) Hash(ctx context.Context, projectSlug, message string, length int) (string, error) {
	if length < MinDigestLength || length > MaxDigestLength {
		return "", skerr.Fmt("hasher: length %d out of bounds [%d,%d]", length, MinDigestLength, MaxDigestLength)
	}

	body, err := json.Marshal(hashRequest{ProjectSlug: projectSlug, Message: message, Length: length})
	if err != nil {
		return "", skerr.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/hash", bytes.NewReader(body))
	if err != nil {
		return "", skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)

	var out hashResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", skerr.Wrap(err)
	}
	if len(out.Digest) != length {
		return "", skerr.Fmt("hasher: oracle returned digest of length %d, expected %d", len(out.Digest), length)
	}
	return out.Digest, nil
}

type newUIDResponse struct {
	UID string `json:"uid"`
}

// NewStudyUID asks the oracle for a fresh DICOM-valid UID. If the oracle is
// unreachable, callers needing a purely local fallback should use
// NewLocalStudyUID instead; the two are not interchangeable in production,
// since only the oracle's UIDs are guaranteed collision-checked network-wide.
func (c *Client) NewStudyUID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/new-study-uid", nil)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	defer httputils.ReadAndClose(resp.Body)

	var out newUIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", skerr.Wrap(err)
	}
	if !IsValidUID(out.UID) {
		return "", skerr.Fmt("hasher: oracle returned invalid uid %q", out.UID)
	}
	return out.UID, nil
}

// pseudoUIDRoot is this deployment's UID root for locally-minted UIDs,
// matching the Python implementation's use of a registered PIXL OID arc.
const pseudoUIDRoot = "1.2.826.0.1.3680043.10.188"

// NewLocalStudyUID mints a DICOM-valid UID without calling the oracle, for
// test doubles and for the rare fallback path where the oracle is
// unavailable but forward progress must still be possible. It seeds the
// final component from crypto/rand, never math/rand.
func NewLocalStudyUID() (string, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 96)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	uid := fmt.Sprintf("%s.%s", pseudoUIDRoot, n.String())
	if len(uid) > 64 {
		uid = uid[:64]
		// Trimming must not leave a trailing '.', which would make the
		// last component empty.
		uid = strings.TrimRight(uid, ".")
	}
	if !IsValidUID(uid) {
		return "", skerr.Fmt("hasher: generated uid %q failed validation", uid)
	}
	return uid, nil
}

// IsValidUID reports whether uid is a syntactically valid DICOM UID: dotted
// decimal, at most 64 characters, and no component has a leading zero
// unless the component's length is exactly 1.
func IsValidUID(uid string) bool {
	if uid == "" || len(uid) > 64 {
		return false
	}
	components := strings.Split(uid, ".")
	if len(components) < 2 {
		return false
	}
	for _, comp := range components {
		if comp == "" {
			return false
		}
		for _, r := range comp {
			if r < '0' || r > '9' {
				return false
			}
		}
		if len(comp) > 1 && comp[0] == '0' {
			return false
		}
	}
	return true
}
