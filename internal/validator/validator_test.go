package validator

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
	Setup()
}

type bindTarget struct {
	Title      string `json:"title" binding:"required"`
	Difficulty string `json:"difficulty" binding:"required,difficulty"`
}

func bindJSON(body string, dst interface{}) map[string]string {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return Bind(c, dst)
}

func TestBindValid(t *testing.T) {
	var dst bindTarget
	if fields := bindJSON(`{"title":"Login Bypass","difficulty":"HARD"}`, &dst); fields != nil {
		t.Fatalf("unexpected field errors: %v", fields)
	}
	if dst.Title != "Login Bypass" || dst.Difficulty != "HARD" {
		t.Fatalf("bound %+v", dst)
	}
}

func TestBindUsesJSONFieldNames(t *testing.T) {
	var dst bindTarget
	fields := bindJSON(`{"difficulty":"EASY"}`, &dst)
	if fields == nil {
		t.Fatal("expected field errors for missing title")
	}
	if _, ok := fields["title"]; !ok {
		t.Errorf("error keyed %v, want json tag name \"title\"", fields)
	}
}

func TestDifficultyRule(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"EASY", true},
		{"MEDIUM", true},
		{"HARD", true},
		{"INSANE", true},
		{"easy", false},
		{"EXTREME", false},
	}
	for _, tc := range cases {
		var dst bindTarget
		fields := bindJSON(`{"title":"t","difficulty":"`+tc.value+`"}`, &dst)
		if tc.ok && fields != nil {
			t.Errorf("%s rejected: %v", tc.value, fields)
		}
		if !tc.ok && fields == nil {
			t.Errorf("%s accepted, want rejection", tc.value)
		}
	}
}

func TestBindMalformedJSON(t *testing.T) {
	var dst bindTarget
	fields := bindJSON(`{"title":`, &dst)
	if fields == nil {
		t.Fatal("expected error for malformed body")
	}
	if _, ok := fields["detail"]; !ok {
		t.Errorf("malformed JSON should map to detail key, got %v", fields)
	}
}
