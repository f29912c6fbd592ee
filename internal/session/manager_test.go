package session

import (
	"context"
	"errors"
	"testing"

	"snowbiome/server/internal/physics"
	"snowbiome/server/internal/screen"
)

func TestManagerEnforcesCapacity(t *testing.T) {
	m := NewManager(context.Background(), WithCapacity(2), WithFrameRate(idleHz))
	defer m.CloseAll()

	if _, err := m.Open(OpenRequest{ID: "b"}); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if _, err := m.Open(OpenRequest{ID: "b"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := m.Open(OpenRequest{}); err != nil {
		t.Fatalf("open generated id: %v", err)
	}
	if _, err := m.Open(OpenRequest{ID: "c"}); !errors.Is(err, ErrManagerFull) {
		t.Fatalf("expected ErrManagerFull, got %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("expected two sessions, got %d", m.Len())
	}

	//1.- Closing frees a slot.
	if err := m.Close("b"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second close, got %v", err)
	}
	if _, err := m.Open(OpenRequest{ID: "c"}); err != nil {
		t.Fatalf("open after close: %v", err)
	}
}

func TestManagerResolvesLevelsAndRunsHooks(t *testing.T) {
	oracle := floorWorld(t)
	var hooked []string
	m := NewManager(context.Background(),
		WithFrameRate(idleHz),
		WithLevels(func(name string) (physics.CollisionOracle, string, error) {
			switch name {
			case "", "yard":
				return oracle, "yard", nil
			default:
				return nil, "", errors.New("no such level")
			}
		}),
		WithOpenHook(func(s *SessionState) { hooked = append(hooked, s.ID()) }),
	)
	defer m.CloseAll()

	s, err := m.Open(OpenRequest{ID: "a", Subject: "player-1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Level() != "yard" || s.Subject() != "player-1" {
		t.Fatalf("unexpected session identity %q %q", s.Level(), s.Subject())
	}
	if _, err := m.Open(OpenRequest{ID: "z", Level: "moon"}); err == nil {
		t.Fatalf("expected an unknown level to fail")
	}
	if len(hooked) != 1 || hooked[0] != "a" {
		t.Fatalf("unexpected hook calls %v", hooked)
	}

	got, err := m.Get("a")
	if err != nil || got != s {
		t.Fatalf("expected to get the opened session, got %v %v", got, err)
	}
	if _, err := m.Get("zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManagerListAndCloseAll(t *testing.T) {
	m := NewManager(context.Background(), WithFrameRate(idleHz))
	for _, id := range []string{"c", "a", "b"} {
		if _, err := m.Open(OpenRequest{ID: id}); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}
	a, _ := m.Get("a")
	if _, err := a.Command(screen.Start); err != nil {
		t.Fatalf("start: %v", err)
	}

	list := m.List()
	if len(list) != 3 || list[0].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if !list[0].Running || list[0].Screen != "playing" || list[1].Running {
		t.Fatalf("unexpected summaries %+v", list)
	}

	m.CloseAll()
	if m.Len() != 0 || a.Running() {
		t.Fatalf("expected every session to stop")
	}
}
