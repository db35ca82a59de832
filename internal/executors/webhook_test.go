package executors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

func runWebhook(t *testing.T, cfg *schema.WebhookConfig, ctx map[string]any) *Outcome {
	t.Helper()
	e := NewWebhookExecutor(WithHTTPClient(&http.Client{}))
	out, err := e.Execute(context.Background(), newRequest(t, schema.StepTypeWebhook, cfg, ctx))
	require.NoError(t, err)
	return out
}

func TestWebhook_PostsRenderedJSONBody(t *testing.T) {
	var gotBody map[string]any
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Order")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","items":[{"n":1},{"n":2}]}`))
	}))
	defer srv.Close()

	out := runWebhook(t, &schema.WebhookConfig{
		URL:     srv.URL + "/orders/{{order.id}}",
		Headers: map[string]string{"X-Order": "{{order.id}}"},
		Body:    map[string]any{"note": "order {{order.id}}", "count": 2},
		Extract: map[string]string{"id": ".body.id", "total": "[.body.items[].n] | add"},
	}, map[string]any{"order": map[string]any{"id": "o-7"}})

	require.Equal(t, StatusCompleted, out.Status, "%v", out.Error)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "o-7", gotHeader)
	assert.Equal(t, map[string]any{"note": "order o-7", "count": 2.0}, gotBody)

	res := out.Output.(map[string]any)
	assert.Equal(t, 200.0, res["status"])
	assert.Equal(t, "abc", res["body"].(map[string]any)["id"])
	assert.Equal(t, map[string]any{"id": "abc", "total": 3.0}, res["extracted"])
}

func TestWebhook_StatusValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	}))
	defer srv.Close()

	out := runWebhook(t, &schema.WebhookConfig{URL: srv.URL}, nil)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
	assert.Equal(t, "missing", out.Output.(map[string]any)["body"])

	out = runWebhook(t, &schema.WebhookConfig{URL: srv.URL, ValidateStatus: []int{200, 404}}, nil)
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestWebhook_Auth(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
	}))
	defer srv.Close()

	runWebhook(t, &schema.WebhookConfig{URL: srv.URL, Auth: &schema.WebhookAuth{Type: "bearer", Token: "tok"}}, nil)
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))

	runWebhook(t, &schema.WebhookConfig{URL: srv.URL, Auth: &schema.WebhookAuth{Type: "basic", Username: "u", Password: "p"}}, nil)
	user, pass, ok := got.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)

	runWebhook(t, &schema.WebhookConfig{URL: srv.URL, Auth: &schema.WebhookAuth{Type: "api_key", Header: "X-Key", Key: "k1"}}, nil)
	assert.Equal(t, "k1", got.Header.Get("X-Key"))

	out := runWebhook(t, &schema.WebhookConfig{URL: srv.URL, Auth: &schema.WebhookAuth{Type: "magic"}}, nil)
	assert.Equal(t, schema.ErrCodeValidation, out.Error.Code)
}

func TestWebhook_OAuth2ClientCredentials(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"minted","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	var authz string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
	}))
	defer api.Close()

	out := runWebhook(t, &schema.WebhookConfig{URL: api.URL, Auth: &schema.WebhookAuth{
		Type: "oauth2", TokenURL: tokenSrv.URL, ClientID: "id", ClientSecret: "secret",
	}}, nil)
	require.Equal(t, StatusCompleted, out.Status, "%v", out.Error)
	assert.Equal(t, "Bearer minted", authz)
}

func TestWebhook_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	out := runWebhook(t, &schema.WebhookConfig{URL: srv.URL, Timeout: schema.Duration(100 * time.Millisecond)}, nil)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeTimeout, out.Error.Code)
}

func TestWebhook_InvalidURL(t *testing.T) {
	out := runWebhook(t, &schema.WebhookConfig{URL: "ftp://example.com"}, nil)
	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeValidation, out.Error.Code)
}

func TestJQ_NoEnvironmentAccess(t *testing.T) {
	t.Setenv("CONVEYOR_JQ_SECRET", "leak")
	j := NewJQ()
	v, err := j.Eval(context.Background(), "$ENV.CONVEYOR_JQ_SECRET", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.True(t, schema.IsCode(j.Check(".a |||"), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(j.Check(""), schema.ErrCodeValidation))
}

func TestJQ_MultipleResults(t *testing.T) {
	v, err := NewJQ().Eval(context.Background(), ".[]", []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, v)
}
