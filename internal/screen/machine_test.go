package screen

import (
	"errors"
	"testing"
)

func TestMachineFollowsGameFlow(t *testing.T) {
	var seen [][2]State
	m := NewMachine(func(from, to State) { seen = append(seen, [2]State{from, to}) })

	steps := []struct {
		cmd  Command
		want State
	}{
		{Start, Playing},
		{Pause, Paused},
		{Resume, Playing},
		{Win, Won},
		{Restart, Playing},
		{Lose, Lost},
		{Back, Menu},
	}
	for _, step := range steps {
		got, err := m.Apply(step.cmd)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", step.cmd, err)
		}
		if got != step.want || m.State() != step.want {
			t.Fatalf("%s: expected %s, got %s", step.cmd, step.want, got)
		}
	}
	if len(seen) != len(steps) || seen[0] != [2]State{Menu, Playing} || seen[6] != [2]State{Lost, Menu} {
		t.Fatalf("unexpected listener calls %v", seen)
	}
}

func TestMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewMachine()
	for _, cmd := range []Command{Pause, Resume, Win, Lose, Restart, Back} {
		if _, err := m.Apply(cmd); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s from menu: expected ErrInvalidTransition, got %v", cmd, err)
		}
	}
	if m.State() != Menu {
		t.Fatalf("rejected commands must not change state, got %s", m.State())
	}
	if _, err := m.Apply(Start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := m.Apply(Start); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start should be rejected, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	if cmd, err := ParseCommand("pause"); err != nil || cmd != Pause {
		t.Fatalf("unexpected parse result %q %v", cmd, err)
	}
	if _, err := ParseCommand("fly"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected unknown command to be rejected, got %v", err)
	}
}

func TestUnlockAudioOnce(t *testing.T) {
	m := NewMachine()
	if m.AudioUnlocked() {
		t.Fatalf("audio must start locked")
	}
	if !m.UnlockAudio() || m.UnlockAudio() {
		t.Fatalf("only the first unlock should report true")
	}
	if !m.AudioUnlocked() {
		t.Fatalf("expected audio unlocked")
	}
}
