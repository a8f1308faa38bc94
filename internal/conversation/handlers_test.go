package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandlerTest(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	h := NewHandler(NewService(store))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, int64(1))
		c.Next()
	})
	api := r.Group("")
	h.RegisterRoutes(api)
	return r, store
}

func seedConversation(t *testing.T, store *MemoryStore) int64 {
	t.Helper()
	id, err := store.AppendTurn(context.Background(), Turn{
		UserID: 1, AgentID: 1,
		UserContent: "hello", AssistantContent: "hi",
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

func TestUpdateTitle_SanitizesInput(t *testing.T) {
	r, store := setupHandlerTest(t)
	id := seedConversation(t, store)

	// Padded whitespace and an embedded JSON-escaped null byte.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/conversations/"+itoa(id)+"/title",
		strings.NewReader(`{"title":"  new\u0000 title  "}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	conv, _, _ := store.Get(context.Background(), id)
	if conv.Title != "new title" {
		t.Errorf("title = %q, want trimmed and null-stripped", conv.Title)
	}
}

func TestUpdateTitle_OverlongTitleTruncated(t *testing.T) {
	r, store := setupHandlerTest(t)
	id := seedConversation(t, store)

	long := strings.Repeat("标", 300)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/conversations/"+itoa(id)+"/title",
		strings.NewReader(`{"title":"`+long+`"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	conv, _, _ := store.Get(context.Background(), id)
	if got := len([]rune(conv.Title)); got != 120 {
		t.Errorf("title runes = %d, want capped at 120", got)
	}
}

func TestUpdateTitle_BlankRejected(t *testing.T) {
	r, store := setupHandlerTest(t)
	id := seedConversation(t, store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/conversations/"+itoa(id)+"/title",
		strings.NewReader(`{"title":"   "}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestList_KeywordFilterSanitized(t *testing.T) {
	r, store := setupHandlerTest(t)
	seedConversation(t, store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/conversations?keyword=%20hello%20", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Data struct {
			Items []json.RawMessage `json:"items"`
			Total int64             `json:"total"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The padded keyword matches after trimming.
	if resp.Data.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Data.Total)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
