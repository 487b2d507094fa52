package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"clinicore/internal/identity"
	jwttoken "clinicore/internal/jwt_token"
)

type actor struct {
	id    string
	role  string
	token string
}

// TestContext holds state between the steps of one scenario.
type TestContext struct {
	BaseURL    string
	HTTPClient *http.Client
	tokens     *jwttoken.Service

	actors  map[string]*actor
	records map[string]string

	LastResponse     *http.Response
	LastResponseBody []byte
}

func NewTestContext(baseURL, signingKey string) *TestContext {
	return &TestContext{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     jwttoken.NewService(signingKey),
		actors:     make(map[string]*actor),
		records:    make(map[string]string),
	}
}

func (tc *TestContext) addActor(name, role string) error {
	a := &actor{id: uuid.NewString(), role: role}
	tok, err := tc.tokens.Issue(identity.Claims{SubjectID: a.id, Role: role}, time.Now(), time.Hour)
	if err != nil {
		return err
	}
	a.token = tok
	tc.actors[name] = a
	return nil
}

func (tc *TestContext) actor(name string) (*actor, error) {
	a, ok := tc.actors[name]
	if !ok {
		return nil, fmt.Errorf("unknown actor %q", name)
	}
	return a, nil
}

func (tc *TestContext) record(name string) (string, error) {
	id, ok := tc.records[name]
	if !ok {
		return "", fmt.Errorf("unknown record %q", name)
	}
	return id, nil
}

// Do sends a request as the named actor and stores the response.
func (tc *TestContext) Do(as, method, path string, body any) error {
	a, err := tc.actor(as)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, tc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("User-Agent", "clinicore-e2e")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tc.LastResponse = resp
	tc.LastResponseBody, err = io.ReadAll(resp.Body)
	return err
}

// Field reads a top-level string field of the last JSON response.
func (tc *TestContext) Field(name string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(tc.LastResponseBody, &m); err != nil {
		return "", fmt.Errorf("decode response %s: %w", tc.LastResponseBody, err)
	}
	v, _ := m[name].(string)
	return v, nil
}
