package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/auth"
)

type fixedVerifier struct {
	claims map[string]*auth.Claims
}

func (v *fixedVerifier) Verify(_ context.Context, bearer string) (*auth.Claims, error) {
	if c, ok := v.claims[bearer]; ok {
		return c, nil
	}
	return nil, auth.ErrUnauthorized
}

func newHandlerRig(t *testing.T) (*Store, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := openStore(t)
	h := NewHandler(store, &fixedVerifier{claims: map[string]*auth.Claims{
		"alice-token": {UserID: "alice"},
		"bob-token":   {UserID: "bob"},
	}}, zap.NewNop())
	r := gin.New()
	h.Register(r)
	return store, r
}

func doJSON(r *gin.Engine, method, path, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRecordInvocationEndpoint(t *testing.T) {
	store, r := newHandlerRig(t)
	sid, err := store.CreateSession(context.Background(), "alice", nil)
	if err != nil {
		t.Fatal(err)
	}

	w := doJSON(r, http.MethodPost, "/sessions/"+sid+"/invocations", "alice-token",
		`{"agent_name":"TicketsAgent","query":"show alice's tickets","response":"3 open","success":true,"duration_ms":42}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	invs, err := store.Invocations(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 || invs[0].AgentName != "TicketsAgent" || !invs[0].Success {
		t.Fatalf("invocations = %+v", invs)
	}

	// The routing context follows the recorded dispatch.
	sctx, err := store.Context(context.Background(), sid)
	if err != nil {
		t.Fatal(err)
	}
	if sctx == nil || sctx.LastAgentCalled != "TicketsAgent" {
		t.Fatalf("context = %+v", sctx)
	}
}

func TestRecordInvocationEndpointValidation(t *testing.T) {
	store, r := newHandlerRig(t)
	sid, err := store.CreateSession(context.Background(), "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	path := "/sessions/" + sid + "/invocations"

	if w := doJSON(r, http.MethodPost, path, "alice-token", `{"query":"q"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing agent_name: status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, path, "alice-token", `{"agent_name":"A"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing query: status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, path, "", `{"agent_name":"A","query":"q"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("no bearer: status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, path, "bob-token", `{"agent_name":"A","query":"q"}`); w.Code != http.StatusForbidden {
		t.Fatalf("foreign session: status = %d", w.Code)
	}
	if w := doJSON(r, http.MethodPost, "/sessions/missing/invocations", "alice-token",
		`{"agent_name":"A","query":"q"}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d", w.Code)
	}

	if invs, _ := store.Invocations(context.Background(), sid); len(invs) != 0 {
		t.Fatalf("rejected requests must not record: %+v", invs)
	}
}
