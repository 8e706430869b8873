package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/auth"
	"dealflow/condition"
	"dealflow/contact"
	"dealflow/memstore"
	"dealflow/transaction"
	"dealflow/web"
	"dealflow/workflow"
)

const secret = "test-secret"

type testEnv struct {
	app   *fiber.App
	defID string
	agent string
	admin string
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	provider := workflow.NewProvider(store.Workflows(), nil, time.Minute)
	catalog := condition.NewCatalog(store.Templates(), time.Minute)
	engine := condition.NewEngine(store.Conditions(), catalog)
	machine := transaction.NewMachine(store, store.Transactions(), provider, engine, store.Activity())
	conditions := condition.NewService(store, engine, transaction.NewLocker(store.Transactions()), store.Activity(), nil)
	conditions.SetResolutionListener(machine)
	authService := auth.NewService(store.Users(), secret)

	offset := 14
	def, err := provider.Import(ctx, workflow.Definition{Name: "Resale", Steps: []workflow.Step{
		{Order: 1, Key: "offer", Name: "Offer", Conditions: []workflow.StepConditionRule{
			{Title: "Financement", TitleEN: "Financing", Type: "financing", BlockingByDefault: true, DueDateOffsetDays: &offset},
		}},
		{Order: 2, Key: "conditional", Name: "Conditional period"},
		{Order: 3, Key: "closing", Name: "Closing"},
	}})
	require.NoError(t, err)

	agentToken, err := authService.IssueToken("agent-1", auth.RoleAgent)
	require.NoError(t, err)
	adminToken, err := authService.IssueToken("admin-1", auth.RoleBrokerAdmin)
	require.NoError(t, err)

	server := web.NewServer(web.Deps{
		Auth:        authService,
		Definitions: provider,
		Catalog:     catalog,
		Machine:     machine,
		Conditions:  conditions,
		Activity:    store.Activity(),
		Contacts:    contact.NewService(store.Contacts()),
	})
	return &testEnv{app: server.App(), defID: def.ID, agent: agentToken, admin: adminToken}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (e *testEnv) createTransaction(t *testing.T) (string, string) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/transactions", e.agent, web.CreateTransactionRequest{DefinitionID: e.defID, Title: "12 rue Principale"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	tx := body["transaction"].(map[string]any)
	created := body["created_conditions"].([]any)
	require.Len(t, created, 1)
	return tx["id"].(string), created[0].(map[string]any)["id"].(string)
}

func TestRequireAuth(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodGet, "/workflow-definitions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "E_UNAUTHORIZED", body["code"])
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp, _ = env.do(t, http.MethodGet, "/workflow-definitions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/workflow-definitions", env.agent, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["definitions"], 1)
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodPost, "/auth/register", "", auth.RegisterRequest{Email: "Marie@Example.com", Password: "correct horse", FullName: "Marie Tremblay"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "marie@example.com", body["email"])
	assert.Equal(t, "agent", body["role"])

	resp, body = env.do(t, http.MethodPost, "/auth/register", "", auth.RegisterRequest{Email: "not-an-email", Password: "correct horse", FullName: "X"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "E_VALIDATION_FAILED", body["code"])

	resp, body = env.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "marie@example.com", Password: "correct horse"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	token := body["token"].(string)

	resp, _ = env.do(t, http.MethodGet, "/condition-templates", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/auth/login", "", auth.LoginRequest{Email: "marie@example.com", Password: "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "E_UNAUTHORIZED", body["code"])
}

func TestAdvanceBlockedThenResolved(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	txID, condID := env.createTransaction(t)

	resp, body := env.do(t, http.MethodPatch, "/transactions/"+txID+"/advance", env.agent, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "E_BLOCKING_CONDITIONS", body["code"])
	blocking := body["conditions"].([]any)
	require.Len(t, blocking, 1)
	assert.Equal(t, condID, blocking[0].(map[string]any)["id"])

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/complete", env.agent, web.CompleteConditionRequest{ResolutionType: "skipped_with_risk"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "E_BLOCKING_CANNOT_SKIP", body["code"])

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/complete", env.agent, web.CompleteConditionRequest{Note: "lettre reçue"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "completed", body["resolution_type"])

	resp, body = env.do(t, http.MethodPatch, "/transactions/"+txID+"/advance", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, float64(2), body["current"].(map[string]any)["order"])

	resp, body = env.do(t, http.MethodGet, "/transactions/"+txID+"/activity?limit=2", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["activity"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "step_entered", entries[0].(map[string]any)["activity_type"])
}

func TestGoToRequiresAdmin(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	txID, _ := env.createTransaction(t)

	resp, body := env.do(t, http.MethodPatch, "/transactions/"+txID+"/goto/3", env.agent, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "E_FORBIDDEN", body["code"])

	resp, body = env.do(t, http.MethodPatch, "/transactions/"+txID+"/goto/x", env.admin, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPatch, "/transactions/"+txID+"/goto/9", env.admin, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "E_INVALID_TRANSITION", body["code"])

	resp, body = env.do(t, http.MethodPatch, "/transactions/"+txID+"/goto/3", env.admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Len(t, body["archived_conditions"], 1)

	resp, body = env.do(t, http.MethodGet, "/transactions/"+txID+"/conditions?include_archived=true", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conds := body["conditions"].([]any)
	require.Len(t, conds, 1)
	assert.Equal(t, true, conds[0].(map[string]any)["archived"])
}

func TestConditionEndpoints(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	txID, _ := env.createTransaction(t)

	resp, body := env.do(t, http.MethodPost, "/transactions/"+txID+"/conditions", env.agent, web.CreateConditionRequest{LabelEN: "Water test", Level: "urgent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "E_VALIDATION_FAILED", body["code"])

	resp, body = env.do(t, http.MethodPost, "/transactions/"+txID+"/conditions", env.agent, web.CreateConditionRequest{LabelEN: "Water test", Type: "inspection"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	condID := body["id"].(string)
	assert.Equal(t, "required", body["level"])

	resp, _ = env.do(t, http.MethodPatch, "/conditions/"+condID+"/start", env.agent, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/conditions/"+condID+"/evidence", env.agent, web.AddEvidenceRequest{Kind: "link", URL: "https://lab.example/report"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	evidenceID := body["id"].(string)

	resp, _ = env.do(t, http.MethodDelete, "/conditions/"+condID+"/evidence/"+evidenceID, env.agent, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/conditions/"+condID+"/notes", env.agent, web.AddNoteRequest{Body: "Lab booked"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/level", env.agent, web.ChangeLevelRequest{Level: "blocking"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "E_FORBIDDEN", body["code"])

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/level", env.admin, web.ChangeLevelRequest{Level: "blocking", Reason: "municipal bylaw"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "blocking", body["level"])

	resp, body = env.do(t, http.MethodGet, "/conditions/"+condID+"/events", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 6)

	resp, body = env.do(t, http.MethodPatch, "/conditions/missing/start", env.agent, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "E_NOT_FOUND", body["code"])
}

func TestContacts(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	txID, _ := env.createTransaction(t)

	resp, body := env.do(t, http.MethodPost, "/transactions/"+txID+"/contacts", env.agent, contact.AddRequest{Role: contact.RoleBuyer, FullName: "Marie Tremblay", Email: "marie@example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "fr", body["language"])

	resp, body = env.do(t, http.MethodPost, "/transactions/"+txID+"/contacts", env.agent, contact.AddRequest{Role: "cousin", FullName: "X"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/transactions/"+txID+"/contacts", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["contacts"], 1)
}

func TestImportDefinitionRequiresAdmin(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	def := map[string]any{"name": "Lease", "steps": []map[string]any{{"order": 1, "key": "signing", "name": "Signing"}}}

	resp, _ := env.do(t, http.MethodPost, "/workflow-definitions", env.agent, def)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/workflow-definitions", env.admin, def)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)

	resp, body = env.do(t, http.MethodGet, "/workflow-definitions/"+id, env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lease", body["name"])

	resp, body = env.do(t, http.MethodGet, "/workflow-definitions/unknown", env.agent, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatedConditionKeepsTransactionAcrossRequests(t *testing.T) {
	t.Parallel()
	env := setupTestApp(t)
	txID, _ := env.createTransaction(t)
	otherID, _ := env.createTransaction(t)

	resp, body := env.do(t, http.MethodPost, "/transactions/"+txID+"/conditions", env.agent, web.CreateConditionRequest{LabelEN: "Septic inspection", Type: "inspection"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	condID := body["id"].(string)

	// Later requests reuse the same request buffers.
	for range 3 {
		resp, _ = env.do(t, http.MethodGet, "/transactions/"+otherID+"/conditions", env.agent, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/start", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	resp, body = env.do(t, http.MethodPatch, "/conditions/"+condID+"/complete", env.agent, web.CompleteConditionRequest{Note: "rapport reçu"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, txID, body["transaction_id"])

	resp, body = env.do(t, http.MethodGet, "/transactions/"+txID+"/conditions", env.agent, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["conditions"], 2)
}
