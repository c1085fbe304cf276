package sqlite

import (
	"context"
	"testing"

	"gryag"
)

func TestSetPromptVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if p, err := s.ActivePrompt(ctx, 5); err != nil || p != nil {
		t.Fatalf("fresh scope: got %+v, %v", p, err)
	}

	v, err := s.SetPrompt(ctx, 5, "be nice")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1 {
		t.Errorf("first version = %d, want 1", v)
	}
	v, err = s.SetPrompt(ctx, 5, "be formal")
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Errorf("second version = %d, want 2", v)
	}

	active, err := s.ActivePrompt(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Version != 2 || active.Body != "be formal" || !active.Active {
		t.Errorf("active: %+v", active)
	}

	history, err := s.History(ctx, 5, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Version != 2 || history[1].Version != 1 {
		t.Fatalf("history: %+v", history)
	}
	if !history[0].Active || history[1].Active {
		t.Errorf("exactly the newest version must be active: %+v", history)
	}
}

func TestActivateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetPrompt(ctx, 5, "v1 body"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetPrompt(ctx, 5, "v2 body"); err != nil {
		t.Fatal(err)
	}

	if err := s.ActivateVersion(ctx, 5, 1); err != nil {
		t.Fatal(err)
	}
	active, err := s.ActivePrompt(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Version != 1 || active.Body != "v1 body" {
		t.Errorf("active after rollback: %+v", active)
	}

	if err := s.ActivateVersion(ctx, 5, 99); err == nil {
		t.Error("unknown version accepted")
	}
}

func TestPromptScopesAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetPrompt(ctx, gryag.GlobalScope, "global persona"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetPrompt(ctx, 5, "chat override"); err != nil {
		t.Fatal(err)
	}

	global, err := s.ActivePrompt(ctx, gryag.GlobalScope)
	if err != nil {
		t.Fatal(err)
	}
	chat, err := s.ActivePrompt(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if global == nil || global.Body != "global persona" {
		t.Errorf("global: %+v", global)
	}
	if chat == nil || chat.Body != "chat override" {
		t.Errorf("chat: %+v", chat)
	}
	// Versions count per scope.
	if global.Version != 1 || chat.Version != 1 {
		t.Errorf("versions: global %d, chat %d", global.Version, chat.Version)
	}
}
