package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/ragkit-go/internal/store"
)

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RAGKIT_CONFIG", "")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "ragkit dev (commit: unknown") {
		t.Errorf("output = %q", out)
	}
}

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	base := time.UnixMilli(1_760_000_000_000)
	entries := []store.Entry{
		{Tool: "search_context", Status: "ok", Args: `{"query":"refund"}`, CreatedAt: base},
		{Tool: "search_context", Status: "error", Kind: "Timeout", Message: "deadline", CreatedAt: base.Add(time.Second)},
		{Tool: "get_config", Status: "ok", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	return path
}

func TestHistory_Table(t *testing.T) {
	t.Setenv("RAGKIT_HISTORY_DB", seedJournal(t))

	out, err := run(t, "history", "--tool", "search_context")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "TIME") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "Timeout") {
		t.Errorf("newest entry should come first, got %q", lines[1])
	}
	if strings.Contains(out, "get_config") {
		t.Errorf("tool filter ignored:\n%s", out)
	}
}

func TestHistory_JSON(t *testing.T) {
	t.Setenv("RAGKIT_HISTORY_DB", seedJournal(t))

	out, err := run(t, "history", "--kind", "Timeout", "--json")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var got []store.Entry
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(got) != 1 || got[0].Kind != "Timeout" || got[0].Message != "deadline" {
		t.Errorf("entries = %+v", got)
	}
}

func TestHistory_Disabled(t *testing.T) {
	t.Setenv("RAGKIT_HISTORY_DB", historyDisabled)

	if _, err := run(t, "history"); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("err = %v, want journal disabled", err)
	}
}

func TestToolsCall_RejectsNonObjectArgs(t *testing.T) {
	_, err := run(t, "tools", "call", "get_config", "--args", `["not","an","object"]`)
	if err == nil || !strings.Contains(err.Error(), "--args") {
		t.Errorf("err = %v, want --args error", err)
	}
}
