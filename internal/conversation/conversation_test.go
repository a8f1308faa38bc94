package conversation

import (
	"context"
	"strings"
	"testing"
)

func TestAppendTurn_CreatesConversation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	convID, err := svc.AppendTurn(ctx, Turn{
		UserID:           1,
		AgentID:          7,
		UserContent:      "hello there",
		AssistantContent: "hi, how can I help?",
		UserTokens:       3,
		AssistantTokens:  6,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if convID == 0 {
		t.Fatal("expected a new conversation id")
	}

	conv, msgs, err := svc.Get(ctx, 1, convID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.Title != "hello there" {
		t.Errorf("title = %q", conv.Title)
	}
	if conv.MessageCount != 2 || conv.TotalTokens != 9 {
		t.Errorf("counters = %d/%d, want 2/9", conv.MessageCount, conv.TotalTokens)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("roles = %s,%s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[0].Sequence >= msgs[1].Sequence {
		t.Errorf("user sequence %d not before assistant %d", msgs[0].Sequence, msgs[1].Sequence)
	}
}

func TestAppendTurn_DefaultTitleTruncated(t *testing.T) {
	svc := NewService(NewMemoryStore())
	long := strings.Repeat("很", 50)

	convID, err := svc.AppendTurn(context.Background(), Turn{
		UserID: 1, AgentID: 1, UserContent: long, AssistantContent: "ok",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	conv, _, _ := svc.Get(context.Background(), 1, convID)
	if got := len([]rune(conv.Title)); got != maxDefaultTitle {
		t.Errorf("title runes = %d, want %d", got, maxDefaultTitle)
	}
}

func TestAppendTurn_ExistingConversation(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	convID, _ := svc.AppendTurn(ctx, Turn{UserID: 1, AgentID: 1, UserContent: "first", AssistantContent: "a1"})
	got, err := svc.AppendTurn(ctx, Turn{
		UserID: 1, ConversationID: convID, AgentID: 1,
		UserContent: "second", AssistantContent: "a2",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got != convID {
		t.Errorf("conversation id = %d, want %d", got, convID)
	}

	conv, msgs, _ := svc.Get(ctx, 1, convID)
	if conv.MessageCount != 4 || len(msgs) != 4 {
		t.Errorf("count = %d, messages = %d, want 4/4", conv.MessageCount, len(msgs))
	}
	// Messages come back in sequence order across turns.
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Sequence <= msgs[i-1].Sequence {
			t.Errorf("sequence not ascending at %d", i)
		}
	}
}

func TestGet_OwnershipEnforced(t *testing.T) {
	svc := NewService(NewMemoryStore())
	convID, _ := svc.AppendTurn(context.Background(), Turn{UserID: 1, AgentID: 1, UserContent: "mine", AssistantContent: "ok"})

	if _, _, err := svc.Get(context.Background(), 2, convID); err != ErrForbidden {
		t.Errorf("cross-user get: got %v, want ErrForbidden", err)
	}
	if err := svc.Delete(context.Background(), 2, convID); err != ErrForbidden {
		t.Errorf("cross-user delete: got %v, want ErrForbidden", err)
	}
}

func TestList_FiltersAndOrder(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	c1, _ := svc.AppendTurn(ctx, Turn{UserID: 1, AgentID: 1, UserContent: "about cooking", AssistantContent: "ok"})
	c2, _ := svc.AppendTurn(ctx, Turn{UserID: 1, AgentID: 2, UserContent: "about travel", AssistantContent: "ok"})
	_, _ = svc.AppendTurn(ctx, Turn{UserID: 9, AgentID: 1, UserContent: "someone else", AssistantContent: "ok"})

	convs, total, err := svc.List(ctx, 1, ListFilter{}, 20, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(convs) != 2 {
		t.Fatalf("total = %d, page = %d, want 2/2", total, len(convs))
	}
	// Most recently updated first.
	if convs[0].ID != c2 {
		t.Errorf("first = %d, want %d", convs[0].ID, c2)
	}

	convs, _, _ = svc.List(ctx, 1, ListFilter{AgentID: 1}, 20, 0)
	if len(convs) != 1 || convs[0].ID != c1 {
		t.Errorf("agent filter returned %d results", len(convs))
	}

	convs, _, _ = svc.List(ctx, 1, ListFilter{Keyword: "TRAVEL"}, 20, 0)
	if len(convs) != 1 || convs[0].ID != c2 {
		t.Errorf("keyword filter returned %d results", len(convs))
	}
}

func TestArchive_DropsFromActiveListing(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	convID, _ := svc.AppendTurn(ctx, Turn{UserID: 1, AgentID: 1, UserContent: "old chat", AssistantContent: "ok"})
	if err := svc.Archive(ctx, 1, convID); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, _, _ := svc.List(ctx, 1, ListFilter{Status: StatusActive}, 20, 0)
	if len(active) != 0 {
		t.Errorf("archived conversation still listed as active")
	}
	archived, _, _ := svc.List(ctx, 1, ListFilter{Status: StatusArchived}, 20, 0)
	if len(archived) != 1 {
		t.Errorf("archived listing = %d, want 1", len(archived))
	}

	// Still readable.
	if _, _, err := svc.Get(ctx, 1, convID); err != nil {
		t.Errorf("get archived: %v", err)
	}
}

func TestUpdateTitleAndDelete(t *testing.T) {
	svc := NewService(NewMemoryStore())
	ctx := context.Background()

	convID, _ := svc.AppendTurn(ctx, Turn{UserID: 1, AgentID: 1, UserContent: "x", AssistantContent: "y"})

	if err := svc.UpdateTitle(ctx, 1, convID, "renamed"); err != nil {
		t.Fatalf("update title: %v", err)
	}
	conv, _, _ := svc.Get(ctx, 1, convID)
	if conv.Title != "renamed" {
		t.Errorf("title = %q", conv.Title)
	}

	if err := svc.Delete(ctx, 1, convID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := svc.Get(ctx, 1, convID); err != ErrNotFound {
		t.Errorf("get after delete: got %v, want ErrNotFound", err)
	}
}
