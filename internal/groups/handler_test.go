package groups

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/middleware"
)

type apiBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	jwt    *auth.JWTService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := newTestStore(t)
	h := NewHandler(NewEngine(store, EngineConfig{}, zap.NewNop()), NewQuery(store, 0, zap.NewNop()))
	jwtSvc := auth.NewJWTService("test-secret", 1)

	r := gin.New()
	api := r.Group("/")
	api.Use(middleware.JWT(jwtSvc))
	h.Register(api)
	return &testAPI{t: t, router: r, jwt: jwtSvc}
}

func (a *testAPI) do(method, path, subject string, body any) (int, apiBody) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	return a.doRaw(method, path, subject, buf.String())
}

func (a *testAPI) doRaw(method, path, subject, body string) (int, apiBody) {
	a.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		token, err := a.jwt.Generate(subject, subject+"@example.com", "")
		if err != nil {
			a.t.Fatalf("generate token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out apiBody
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		a.t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w.Code, out
}

func (a *testAPI) createGroup(subject, name string) string {
	a.t.Helper()
	status, body := a.do(http.MethodPost, "/groups", subject, map[string]string{"name": name})
	if status != http.StatusCreated {
		a.t.Fatalf("create group status = %d, body = %+v", status, body)
	}
	var g struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body.Data, &g); err != nil {
		a.t.Fatalf("decode group: %v", err)
	}
	return g.ID
}

func TestHandlerRequiresToken(t *testing.T) {
	api := newTestAPI(t)
	status, body := api.do(http.MethodGet, "/groups", "", nil)
	if status != http.StatusUnauthorized || body.Success {
		t.Fatalf("status = %d, body = %+v", status, body)
	}
}

func TestHandlerMembershipFlow(t *testing.T) {
	api := newTestAPI(t)
	id := api.createGroup("u1", "Runners")

	tests := []struct {
		name       string
		method     string
		path       string
		subject    string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "join", method: http.MethodPost, path: "/groups/" + id + "/join", subject: "u2", wantStatus: http.StatusCreated},
		{name: "join again", method: http.MethodPost, path: "/groups/" + id + "/join", subject: "u2", wantStatus: http.StatusConflict, wantCode: "already_member"},
		{name: "leave by body", method: http.MethodPost, path: "/groups/leave", subject: "u2", body: map[string]string{"group_id": id}, wantStatus: http.StatusOK},
		{name: "leave again", method: http.MethodPost, path: "/groups/" + id + "/leave", subject: "u2", wantStatus: http.StatusConflict, wantCode: "not_member"},
		{name: "join by body", method: http.MethodPost, path: "/groups/join", subject: "u3", body: map[string]string{"group_id": id}, wantStatus: http.StatusCreated},
		{name: "bad group id", method: http.MethodPost, path: "/groups/not-a-uuid/join", subject: "u2", wantStatus: http.StatusBadRequest, wantCode: "invalid_group_id"},
		{name: "unknown group", method: http.MethodGet, path: "/groups/00000000-0000-0000-0000-000000000001", subject: "u2", wantStatus: http.StatusNotFound, wantCode: "group_not_found"},
		{name: "duplicate name", method: http.MethodPost, path: "/groups", subject: "u4", body: map[string]string{"name": "Runners"}, wantStatus: http.StatusConflict, wantCode: "name_taken"},
		{name: "promote by non-admin", method: http.MethodPatch, path: "/groups/" + id + "/members/u3", subject: "u3", body: map[string]string{"role": "admin"}, wantStatus: http.StatusForbidden, wantCode: "not_group_admin"},
		{name: "promote", method: http.MethodPatch, path: "/groups/" + id + "/members/u3", subject: "u1", body: map[string]string{"role": "admin"}, wantStatus: http.StatusOK},
		{name: "promote again", method: http.MethodPatch, path: "/groups/" + id + "/members/u3", subject: "u1", body: map[string]string{"role": "admin"}, wantStatus: http.StatusConflict, wantCode: "role_unchanged"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(tt.method, tt.path, tt.subject, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %+v)", status, tt.wantStatus, body)
			}
			if body.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}

	status, body := api.do(http.MethodGet, "/groups/"+id, "u1", nil)
	if status != http.StatusOK {
		t.Fatalf("detail status = %d", status)
	}
	var detail struct {
		MemberCount int `json:"member_count"`
		Members     []struct {
			UserID string `json:"user_id"`
		} `json:"members"`
		Events []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	if err := json.Unmarshal(body.Data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.MemberCount != 2 || len(detail.Members) != 3 {
		t.Fatalf("member_count=%d members=%d, want 2 and 3", detail.MemberCount, len(detail.Members))
	}
	wantEvents := []string{"created", "joined", "left", "joined", "promoted"}
	if len(detail.Events) != len(wantEvents) {
		t.Fatalf("events = %+v", detail.Events)
	}
	for i, want := range wantEvents {
		if detail.Events[i].EventType != want {
			t.Fatalf("event %d = %q, want %q", i, detail.Events[i].EventType, want)
		}
	}
}

func TestHandlerListsCallerGroups(t *testing.T) {
	api := newTestAPI(t)
	a := api.createGroup("u1", "Alpha")
	api.createGroup("u1", "Beta")
	b := api.createGroup("u9", "Gamma")
	if status, _ := api.do(http.MethodPost, "/groups/"+b+"/join", "u2", nil); status != http.StatusCreated {
		t.Fatalf("join status = %d", status)
	}
	if status, _ := api.do(http.MethodPost, "/groups/"+b+"/leave", "u2", nil); status != http.StatusOK {
		t.Fatalf("leave status = %d", status)
	}
	if status, _ := api.do(http.MethodPost, "/groups/"+a+"/join", "u2", nil); status != http.StatusCreated {
		t.Fatalf("join status = %d", status)
	}

	status, body := api.do(http.MethodGet, "/groups", "u2", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	var groups []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(body.Data, &groups); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(groups) != 2 || groups[0].Name != "Alpha" || groups[1].Name != "Gamma" {
		t.Fatalf("groups = %+v, want Alpha and Gamma", groups)
	}
}

func TestHandlerDeleteGroup(t *testing.T) {
	api := newTestAPI(t)
	id := api.createGroup("u1", "Short lived")
	if status, body := api.do(http.MethodDelete, "/groups/"+id, "u2", nil); status != http.StatusForbidden {
		t.Fatalf("delete by outsider status = %d, body = %+v", status, body)
	}
	if status, body := api.do(http.MethodDelete, "/groups/"+id, "u1", nil); status != http.StatusOK {
		t.Fatalf("delete status = %d, body = %+v", status, body)
	}
	if status, _ := api.do(http.MethodGet, "/groups/"+id, "u1", nil); status != http.StatusNotFound {
		t.Fatalf("detail after delete status = %d", status)
	}
	status, body := api.do(http.MethodGet, "/groups", "u1", nil)
	if status != http.StatusOK || string(body.Data) != "[]" {
		t.Fatalf("list after delete = %d %s", status, body.Data)
	}
}

func TestCreateGroupBodyErrors(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "missing name", body: `{}`, wantCode: "invalid_name"},
		{name: "blank name", body: `{"name": "   "}`, wantCode: "invalid_name"},
		{name: "malformed json", body: `{"name":`, wantCode: "invalid_body"},
		{name: "description not a string", body: `{"name": "Chess", "description": 7}`, wantCode: "invalid_body"},
		{name: "array body", body: `[]`, wantCode: "invalid_body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.doRaw(http.MethodPost, "/groups", "u1", tt.body)
			if status != http.StatusBadRequest || body.Code != tt.wantCode {
				t.Fatalf("status = %d, code = %q; want 400 %q", status, body.Code, tt.wantCode)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidArgument, http.StatusBadRequest},
		{KindPermissionDenied, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindTransient, http.StatusServiceUnavailable},
		{KindInvariantViolation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.kind); got != tt.want {
			t.Errorf("StatusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
