package oracle

import (
	"context"
	"testing"

	"zapgate.dev/internal/conversation"
)

func TestTurnsFromHistoryDropsSystemTurns(t *testing.T) {
	msgs := []*conversation.Message{
		{Variant: conversation.UserTurn, Text: "hi"},
		{Variant: conversation.SystemTurn, Text: "insufficient balance, required: 20"},
		{Variant: conversation.BotTurn, Text: "hello there"},
	}
	turns := TurnsFromHistory(msgs)
	if len(turns) != 2 {
		t.Fatalf("expected system turns dropped, got %d turns", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Text != "hi" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[1].Text != "hello there" {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
}

func TestFallbackGenerateReturnsDefaultMessage(t *testing.T) {
	f := &Fallback{}
	out, summary, err := f.Generate(context.Background(), Request{UserKey: "alice", Prompt: "hi"})
	if err != nil {
		t.Fatalf("fallback should never error: %v", err)
	}
	if out != DefaultFallbackMessage {
		t.Fatalf("expected default fallback message, got %q", out)
	}
	if summary != "" {
		t.Fatalf("fallback should never produce a memory summary, got %q", summary)
	}
}

func TestFallbackGenerateReturnsConfiguredMessage(t *testing.T) {
	f := &Fallback{Message: "custom decline text"}
	out, _, err := f.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("fallback should never error: %v", err)
	}
	if out != "custom decline text" {
		t.Fatalf("expected configured message, got %q", out)
	}
}
