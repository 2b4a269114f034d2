package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/loop"
	"github.com/droverhq/drover/toolcall"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

	if err := s.SaveSession(ctx, "sess-1", "fix the parser", start); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	rec, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec == nil {
		t.Fatal("session not found after save")
	}
	if rec.Task != "fix the parser" {
		t.Errorf("Task = %q", rec.Task)
	}
	if rec.State != loop.StateNeedTools {
		t.Errorf("State = %q, want %q", rec.State, loop.StateNeedTools)
	}
	if !rec.StartedAt.Equal(start) {
		t.Errorf("StartedAt = %v, want %v", rec.StartedAt, start)
	}
	if !rec.EndedAt.IsZero() {
		t.Errorf("EndedAt should be zero while running, got %v", rec.EndedAt)
	}

	end := start.Add(5 * time.Minute)
	if err := s.FinishSession(ctx, "sess-1", loop.StateComplete, end); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	rec, err = s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session after finish: %v", err)
	}
	if rec.State != loop.StateComplete {
		t.Errorf("State = %q, want %q", rec.State, loop.StateComplete)
	}
	if !rec.EndedAt.Equal(end) {
		t.Errorf("EndedAt = %v, want %v", rec.EndedAt, end)
	}
}

func TestSQLiteSessionAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Session(ctx, "missing")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for unknown session, got %+v", rec)
	}

	turns, err := s.Turns(ctx, "missing")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("expected no turns, got %d", len(turns))
	}
}

func TestSQLiteTurnRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveSession(ctx, "sess-1", "task", time.Now()); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	saved := []loop.Turn{
		loop.NewUserTurn("inspect the config loader"),
		loop.NewAssistantTurn(
			"Reading it now.",
			"The loader is probably in config.go.",
			[]llm.ToolCall{{ID: "call_1", Name: "read_file", Arguments: json.RawMessage(`{"path":"config.go"}`)}},
			[]toolcall.Call{{Name: "search", Arguments: map[string]any{"query": "Load"}}},
			llm.Usage{InputTokens: 120, OutputTokens: 40, TotalTokens: 160},
		),
		loop.NewToolResultsTurn([]loop.Result{
			{Name: "read_file", CallID: "call_1", Content: "package config", FilesChanged: nil},
			{Name: "search", Content: "config.go:12", IsError: false},
		}),
		loop.NewControlTurn("Continue with the next step."),
	}
	for i, turn := range saved {
		if err := s.SaveTurn(ctx, "sess-1", i, turn); err != nil {
			t.Fatalf("SaveTurn %d: %v", i, err)
		}
	}

	loaded, err := s.Turns(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("loaded %d turns, want 4", len(loaded))
	}

	wantKinds := []loop.TurnKind{loop.TurnUser, loop.TurnAssistant, loop.TurnToolResults, loop.TurnControl}
	for i, k := range wantKinds {
		if loaded[i].Kind != k {
			t.Errorf("turn %d kind = %q, want %q", i, loaded[i].Kind, k)
		}
	}

	if got := loaded[0].User.Text; got != "inspect the config loader" {
		t.Errorf("user text = %q", got)
	}

	asst := loaded[1].Assistant
	if asst == nil {
		t.Fatal("assistant payload missing")
	}
	if asst.Content != "Reading it now." || asst.Reasoning != "The loader is probably in config.go." {
		t.Errorf("assistant content/reasoning = %q / %q", asst.Content, asst.Reasoning)
	}
	if len(asst.NativeCalls) != 1 || asst.NativeCalls[0].ID != "call_1" {
		t.Fatalf("native calls = %+v", asst.NativeCalls)
	}
	if string(asst.NativeCalls[0].Arguments) != `{"path":"config.go"}` {
		t.Errorf("native arguments = %s", asst.NativeCalls[0].Arguments)
	}
	if len(asst.EmbeddedCalls) != 1 || asst.EmbeddedCalls[0].Arguments["query"] != "Load" {
		t.Errorf("embedded calls = %+v", asst.EmbeddedCalls)
	}
	if asst.Usage.TotalTokens != 160 {
		t.Errorf("usage = %+v", asst.Usage)
	}

	results := loaded[2].ToolResults.Results
	if len(results) != 2 || results[0].CallID != "call_1" || results[1].Content != "config.go:12" {
		t.Errorf("results = %+v", results)
	}

	if got := loaded[3].Control.Text; got != "Continue with the next step." {
		t.Errorf("control text = %q", got)
	}
}

func TestSQLiteTurnReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveSession(ctx, "sess-1", "task", time.Now()); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := s.SaveTurn(ctx, "sess-1", 0, loop.NewUserTurn("first write")); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := s.SaveTurn(ctx, "sess-1", 0, loop.NewUserTurn("second write")); err != nil {
		t.Fatalf("SaveTurn replace: %v", err)
	}

	turns, err := s.Turns(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].User.Text != "second write" {
		t.Errorf("text = %q, want the replacement", turns[0].User.Text)
	}
}

func TestSQLiteSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	if err := s.SaveSession(ctx, "older", "first task", base); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveSession(ctx, "newer", "second task", base.Add(time.Hour)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	all, err := s.Sessions(ctx, 0)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(all) != 2 || all[0].ID != "newer" || all[1].ID != "older" {
		t.Errorf("order = %+v", all)
	}

	one, err := s.Sessions(ctx, 1)
	if err != nil {
		t.Fatalf("Sessions limit: %v", err)
	}
	if len(one) != 1 || one[0].ID != "newer" {
		t.Errorf("limited = %+v", one)
	}
}

func TestSQLiteCompactions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveSession(ctx, "sess-1", "task", time.Now()); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	first := budget.CompactionResult{SummarizedMessages: 12, TokensBefore: 9000, TokensAfter: 3000}
	second := budget.CompactionResult{SummarizedMessages: 8, TokensBefore: 8000, TokensAfter: 2500}
	if err := s.SaveCompaction(ctx, "sess-1", first, 14); err != nil {
		t.Fatalf("SaveCompaction: %v", err)
	}
	if err := s.SaveCompaction(ctx, "sess-1", second, 30); err != nil {
		t.Fatalf("SaveCompaction: %v", err)
	}

	records, err := s.Compactions(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Compactions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].AtTurn != 14 || records[0].Result != first {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].AtTurn != 30 || records[1].Result != second {
		t.Errorf("second record = %+v", records[1])
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveSession(ctx, "sess-1", "task", time.Now()); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveTurn(ctx, "sess-1", 0, loop.NewUserTurn("hello")); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}
	if err := s.SaveCompaction(ctx, "sess-1", budget.CompactionResult{SummarizedMessages: 1}, 1); err != nil {
		t.Fatalf("SaveCompaction: %v", err)
	}

	if err := s.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rec, err := s.Session(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec != nil {
		t.Errorf("session should be gone, got %+v", rec)
	}
	turns, err := s.Turns(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("turns should be gone, got %d", len(turns))
	}
	comps, err := s.Compactions(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Compactions: %v", err)
	}
	if len(comps) != 0 {
		t.Errorf("compactions should be gone, got %d", len(comps))
	}
}
