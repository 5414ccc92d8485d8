package engine

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

const ts0 = "2026-03-01 12:00:00"

type testEnv struct {
	app  *fiber.App
	mock sqlmock.Sqlmock
}

func newTestEnv(t *testing.T, user *metadata.UserContext) *testEnv {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := store.NewWithDB(db, store.NewDialect("sqlite"))
	reg := metadata.NewCatalogRegistry()
	h := NewHandler(s, reg, NewWriter(s, reg, NewExprLangEvaluator()))
	h.now = func() time.Time { return t0 }

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Use(func(c *fiber.Ctx) error {
		if user != nil {
			c.Locals("user", user)
		}
		return c.Next()
	})
	api := app.Group("/api")
	api.Get("/:entity", h.List)
	api.Get("/:entity/:id", h.GetByID)
	api.Post("/:entity", h.Create)
	api.Put("/:entity/:id", h.Update)
	api.Delete("/:entity/:id", h.Delete)

	return &testEnv{app: app, mock: mock}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func (e *testEnv) verify(t *testing.T) {
	t.Helper()
	if err := e.mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	return code
}

var auditor = &metadata.UserContext{ID: "u-1", Username: "alice", Role: access.RoleUser}

func TestHandler_GateErrors(t *testing.T) {
	tests := []struct {
		name   string
		user   *metadata.UserContext
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown entity", auditor, "GET", "/api/nonexistent", "", http.StatusNotFound, "UNKNOWN_ENTITY"},
		{"anonymous", nil, "GET", "/api/projects", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing permission", auditor, "GET", "/api/training_examples", "", http.StatusForbidden, "FORBIDDEN"},
		{"verb not served", auditor, "POST", "/api/findings", `{}`, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"documents via generic create", auditor, "POST", "/api/documents", `{}`, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"bad json", auditor, "POST", "/api/projects", `{`, http.StatusBadRequest, "INVALID_PAYLOAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.user)
			status, body := env.do(t, tt.method, tt.path, tt.body)
			if status != tt.status || errorCode(body) != tt.code {
				t.Fatalf("got %d %s, want %d %s", status, errorCode(body), tt.status, tt.code)
			}
			env.verify(t)
		})
	}
}

func TestHandler_List(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM projects WHERE deleted_at IS NULL AND status = ?1 ORDER BY created_at DESC LIMIT ?2 OFFSET ?3")).
		WithArgs("active", 25, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status"}).AddRow("p1", "Q1 close", "active"))
	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS count FROM projects WHERE deleted_at IS NULL AND status = ?1")).
		WithArgs("active").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))

	status, body := env.do(t, "GET", "/api/projects?filter[status]=active", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	data := body["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["name"] != "Q1 close" {
		t.Fatalf("data = %v", data)
	}
	if meta := body["meta"].(map[string]any); meta["total"] != float64(1) || meta["per_page"] != float64(25) {
		t.Fatalf("meta = %v", meta)
	}
	env.verify(t)
}

func TestHandler_CreateRejectsServerFields(t *testing.T) {
	env := newTestEnv(t, auditor)
	status, body := env.do(t, "POST", "/api/projects", `{"name":"Q1","created_by":"someone-else","colour":"red"}`)
	if status != http.StatusUnprocessableEntity || errorCode(body) != "VALIDATION_FAILED" {
		t.Fatalf("got %d %v", status, body)
	}
	details := body["error"].(map[string]any)["details"].([]any)
	if len(details) != 2 {
		t.Fatalf("details = %v", details)
	}
	if d := details[0].(map[string]any); d["field"] != "colour" || d["rule"] != "unknown" {
		t.Errorf("first detail = %v", d)
	}
	if d := details[1].(map[string]any); d["field"] != "created_by" || d["rule"] != "read_only" {
		t.Errorf("second detail = %v", d)
	}
	env.verify(t)
}

func TestHandler_Create(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectBegin()
	env.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO projects (created_at, created_by, id, name, status, updated_at) VALUES (?1, ?2, ?3, ?4, ?5, ?6)")).
		WithArgs(ts0, "u-1", sqlmock.AnyArg(), "Q1", "active", ts0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM projects WHERE id = ?1 AND deleted_at IS NULL")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "created_by"}).AddRow("p1", "Q1", "active", "u-1"))
	env.mock.ExpectCommit()

	status, body := env.do(t, "POST", "/api/projects", `{"name":"Q1"}`)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if data := body["data"].(map[string]any); data["created_by"] != "u-1" {
		t.Fatalf("data = %v", data)
	}
	env.verify(t)
}

func TestHandler_CreateConflict(t *testing.T) {
	admin := &metadata.UserContext{ID: "u-admin", Role: access.RoleAdmin}
	env := newTestEnv(t, admin)
	env.mock.ExpectBegin()
	env.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rulesets")).
		WillReturnError(&sqliteErr{"UNIQUE constraint failed: rulesets.name"})
	env.mock.ExpectRollback()

	status, body := env.do(t, "POST", "/api/rulesets", `{"name":"invoice-basics"}`)
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

type sqliteErr struct{ msg string }

func (e *sqliteErr) Error() string { return e.msg }

func TestHandler_ApproveDocument(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = ?1 AND deleted_at IS NULL")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reviewer_note"}).AddRow("d1", "analyzed", nil))
	env.mock.ExpectExec(regexp.QuoteMeta("UPDATE documents SET reviewed_at = ?1, reviewed_by = ?2, status = ?3, updated_at = ?4 WHERE id = ?5 AND deleted_at IS NULL")).
		WithArgs(ts0, "u-1", "approved", ts0, "d1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = ?1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reviewed_by", "fields"}).AddRow("d1", "approved", "u-1", `{"total":"10.00"}`))
	env.mock.ExpectCommit()

	status, body := env.do(t, "PUT", "/api/documents/d1", `{"status":"approved"}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	data := body["data"].(map[string]any)
	if data["status"] != "approved" || data["reviewed_by"] != "u-1" {
		t.Fatalf("data = %v", data)
	}
	if fields, ok := data["fields"].(map[string]any); !ok || fields["total"] != "10.00" {
		t.Fatalf("json column not decoded: %v", data["fields"])
	}
	env.verify(t)
}

func TestHandler_RejectWithoutNoteIsBlocked(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reviewer_note"}).AddRow("d1", "analyzed", nil))
	env.mock.ExpectRollback()

	status, body := env.do(t, "PUT", "/api/documents/d1", `{"status":"rejected"}`)
	if status != http.StatusUnprocessableEntity || errorCode(body) != "VALIDATION_FAILED" {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

func TestHandler_UpdateImmutableField(t *testing.T) {
	env := newTestEnv(t, auditor)
	status, body := env.do(t, "PUT", "/api/documents/d1", `{"project_id":"8d0e6b5c-1d0f-4c55-9b7a-0f8b9d7f2a10"}`)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

func TestHandler_DeleteRestricted(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM projects WHERE id = ?1 AND deleted_at IS NULL")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	env.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) AS count FROM documents WHERE project_id = ?1 AND deleted_at IS NULL")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	env.mock.ExpectRollback()

	status, body := env.do(t, "DELETE", "/api/projects/p1", "")
	if status != http.StatusConflict || errorCode(body) != "CONFLICT" {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

func TestHandler_DeleteCascadesRules(t *testing.T) {
	admin := &metadata.UserContext{ID: "u-admin", Role: access.RoleAdmin}
	env := newTestEnv(t, admin)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM rulesets WHERE id = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rs1"))
	env.mock.ExpectExec(regexp.QuoteMeta("DELETE FROM rules WHERE ruleset_id = ?1")).
		WithArgs("rs1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	env.mock.ExpectExec(regexp.QuoteMeta("UPDATE rulesets SET deleted_at = datetime('now') WHERE id = ?1 AND deleted_at IS NULL")).
		WithArgs("rs1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	status, body := env.do(t, "DELETE", "/api/rulesets/rs1", "")
	if status != http.StatusOK {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

func TestHandler_GetByIDNotFound(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM projects WHERE id = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	status, body := env.do(t, "GET", "/api/projects/missing", "")
	if status != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}

func TestHandler_FeedbackWritesTrainingExample(t *testing.T) {
	env := newTestEnv(t, auditor)
	findingID := "2f4a4a57-7c1e-4f0e-8a55-3d1f1f0c9b21"
	findingCols := []string{"id", "document_id", "rule_code", "severity", "message"}

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM findings WHERE id = ?1")).
		WithArgs(findingID).
		WillReturnRows(sqlmock.NewRows(findingCols).AddRow(findingID, "d1", "total-positive", "error", "Total must be positive"))
	env.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO feedback (comment, created_at, created_by, finding_id, id, include_in_training, updated_at, verdict)")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM feedback WHERE id = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "finding_id", "verdict", "comment", "include_in_training"}).
			AddRow("f1", findingID, "disagree", "vendor is on the allow list", int64(1)))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM findings WHERE id = ?1")).
		WithArgs(findingID).
		WillReturnRows(sqlmock.NewRows(findingCols).AddRow(findingID, "d1", "total-positive", "error", "Total must be positive"))
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM documents WHERE id = ?1")).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fields"}).AddRow("d1", `{"total":"-3"}`))
	env.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_examples (created_at, document_id, expected, feedback_id, finding_id, id, input, label, updated_at)")).
		WithArgs(ts0, "d1", "vendor is on the allow list", "f1", findingID, sqlmock.AnyArg(), sqlmock.AnyArg(), LabelFalsePositive, ts0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	status, body := env.do(t, "POST", "/api/feedback",
		`{"finding_id":"`+findingID+`","verdict":"disagree","comment":"vendor is on the allow list","include_in_training":true}`)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if data := body["data"].(map[string]any); data["include_in_training"] != true {
		t.Fatalf("data = %v", data)
	}
	env.verify(t)
}

func TestHandler_FeedbackUnknownFinding(t *testing.T) {
	env := newTestEnv(t, auditor)
	env.mock.ExpectBegin()
	env.mock.ExpectQuery(regexp.QuoteMeta("FROM findings WHERE id = ?1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	env.mock.ExpectRollback()

	status, body := env.do(t, "POST", "/api/feedback", `{"finding_id":"2f4a4a57-7c1e-4f0e-8a55-3d1f1f0c9b21","verdict":"agree"}`)
	if status != http.StatusUnprocessableEntity || errorCode(body) != "VALIDATION_FAILED" {
		t.Fatalf("got %d %v", status, body)
	}
	env.verify(t)
}
