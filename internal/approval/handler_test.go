package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/propledger/propledger/internal/rbac"
	"github.com/propledger/propledger/internal/shared"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func newTestRouter(f *fixture, idem IdempotencyPort, p *rbac.Principal) http.Handler {
	h := NewHandler(nil, newActions(f), rbac.Middleware{}, idem)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if p != nil {
				req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), *p))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

func TestHandlerRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	rr := doJSON(t, newTestRouter(f, nil, nil), http.MethodGet, "/business-units/10/approvals/requests/pending", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandlerCreateWorkflow(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f, nil, &workflowAdmin)

	body := map[string]any{
		"name":        "Release Sign-off",
		"entity_type": "PROPERTY_RELEASE",
		"steps": []map[string]any{
			{"step_name": "Manager", "role_id": roleManager, "step_order": 1},
			{"step_name": "Director", "role_id": roleDirector, "step_order": 2},
		},
	}
	rr := doJSON(t, router, http.MethodPost, "/business-units/10/approvals/workflows", body, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decodeResult(t, rr)
	require.True(t, res.Success)
	require.NotZero(t, res.WorkflowID)

	body["entity_type"] = "INVOICE"
	rr = doJSON(t, router, http.MethodPost, "/business-units/10/approvals/workflows", body, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	delete(body, "entity_type")
	body["steps"] = []map[string]any{{"step_name": "Only", "role_id": roleManager, "step_order": 2}}
	body["entity_type"] = "DOCUMENT_APPROVAL"
	rr = doJSON(t, router, http.MethodPost, "/business-units/10/approvals/workflows", body, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeResult(t, rr).Fields, "steps")

	rr = doJSON(t, router, http.MethodPost, "/business-units/20/approvals/workflows", body, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandlerSubmitResponseFlow(t *testing.T) {
	f := newFixture(t)
	req, steps := f.openRequest(t, releaseSignOff(false))
	idem := &memoryIdempotency{}
	path := func(step Step) string {
		return fmt.Sprintf("/business-units/10/approvals/requests/%d/steps/%d/responses", req.ID, step.ID)
	}

	staffRouter := newTestRouter(f, idem, &staff)
	rr := doJSON(t, staffRouter, http.MethodPost, path(steps[0]), map[string]string{"decision": "APPROVED"},
		map[string]string{shared.IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, idem.keys, "failed submissions release their key")

	managerRouter := newTestRouter(f, idem, &manager)
	rr = doJSON(t, managerRouter, http.MethodPost, path(steps[0]), map[string]string{"decision": "APPROVED", "comments": "ok"},
		map[string]string{shared.IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeResult(t, rr)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Request.CurrentStepOrder)

	rr = doJSON(t, managerRouter, http.MethodPost, path(steps[0]), map[string]string{"decision": "APPROVED"},
		map[string]string{shared.IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, managerRouter, http.MethodPost, path(steps[0]), map[string]string{"decision": "REJECTED"}, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, shared.CodeConflict, decodeResult(t, rr).Code)

	rr = doJSON(t, managerRouter, http.MethodPost, path(steps[1]), map[string]string{"decision": "MAYBE"}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	directorRouter := newTestRouter(f, idem, &director)
	rr = doJSON(t, directorRouter, http.MethodPost, path(steps[1]), map[string]string{"decision": "APPROVED"}, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res = decodeResult(t, rr)
	require.True(t, res.IsCompleted)
	require.Equal(t, StatusApproved, res.Request.Status)
}

func TestHandlerGetRequestAndPending(t *testing.T) {
	f := newFixture(t)
	req, _ := f.openRequest(t, releaseSignOff(false))

	router := newTestRouter(f, nil, &workflowAdmin)
	rr := doJSON(t, router, http.MethodGet, fmt.Sprintf("/business-units/10/approvals/requests/%d", req.ID), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var details RequestDetails
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&details))
	require.Equal(t, req.ID, details.Request.ID)
	require.NotNil(t, details.CurrentStep)

	rr = doJSON(t, router, http.MethodGet, "/business-units/10/approvals/requests/9999", nil, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/business-units/10/approvals/requests/abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, newTestRouter(f, nil, &manager), http.MethodGet, "/business-units/10/approvals/requests/pending", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var items []PendingItem
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&items))
	require.Len(t, items, 1)
}
