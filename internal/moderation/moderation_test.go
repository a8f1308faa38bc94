package moderation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParse_WordsAndPatterns(t *testing.T) {
	g, err := Parse("badword, another\nre:\\bfoo\\d+\\b\n# comment line\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("size = %d, want 3", g.Size())
	}
}

func TestParse_InvalidRegex(t *testing.T) {
	if _, err := Parse("re:[unclosed"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCheck_CaseFoldedWordMatch(t *testing.T) {
	g, _ := Parse("forbidden")

	if v := g.CheckPre("this is FORBIDDEN content"); v.OK {
		t.Error("case-folded match missed")
	} else if v.Reason != "forbidden" {
		t.Errorf("reason = %q", v.Reason)
	}
	if v := g.CheckPre("perfectly fine"); !v.OK {
		t.Errorf("clean text blocked: %q", v.Reason)
	}
}

func TestCheck_RegexMatch(t *testing.T) {
	g, _ := Parse(`re:\bacct-\d{4}\b`)

	if v := g.CheckPost("leaked ACCT-1234 in output"); v.OK {
		t.Error("regex match missed (case-insensitive)")
	}
	if v := g.CheckPost("acct-12 is too short"); !v.OK {
		t.Error("partial pattern matched")
	}
}

func TestCheck_ChineseContent(t *testing.T) {
	g, _ := Parse("违禁词")

	if v := g.CheckPre("这句话包含违禁词在里面"); v.OK {
		t.Error("CJK substring match missed")
	}
}

func TestEmptyGatePassesEverything(t *testing.T) {
	g, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v := g.CheckPre("anything at all"); !v.OK {
		t.Error("empty gate blocked text")
	}
	if v := g.CheckPost("anything at all"); !v.OK {
		t.Error("empty gate blocked text")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(path, []byte("spam\nre:(?:free)\\s+money"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	g, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v := g.CheckPre("get Free   money now"); v.OK {
		t.Error("file-loaded pattern missed")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/blocklist.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
