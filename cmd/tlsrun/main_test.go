package main

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-tls/errors"
	"github.com/wippyai/wasm-tls/machine"
	"github.com/wippyai/wasm-tls/target"
	"github.com/wippyai/wasm-tls/tls"
)

func plain(_ lipgloss.Style, s string) string { return s }

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name  string
		event machine.Event
		want  string
	}{
		{
			name:  "call with args",
			event: machine.Event{Type: machine.EventCall, Step: 3, Thread: 1, Func: "dtor", Args: []tls.Scalar{0xAA}},
			want:  "    3 t1   call       dtor (0xaa)",
		},
		{
			name:  "exit",
			event: machine.Event{Type: machine.EventExited, Step: 12, Thread: 0},
			want:  "   12 t0   exited    ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEvent(tt.event, plain); got != tt.want {
				t.Errorf("formatEvent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatValues(t *testing.T) {
	got := formatValues(map[tls.ThreadID]tls.Scalar{2: 0x10, 0: 0x1})
	if want := "t0=0x1 t2=0x10"; got != want {
		t.Errorf("formatValues = %q, want %q", got, want)
	}
}

// twoThreadsOnWindows spawns a second thread, which the process-detach
// strategy rejects with an assertion once main terminates.
func twoThreadsOnWindows() *machine.Machine {
	m := machine.New(&machine.Config{Target: target.Config{OS: target.Windows}})
	noop := machine.NewGoFunc("noop", func(context.Context, *machine.Machine, []tls.Scalar) error { return nil })
	m.Spawn(machine.NewGoFunc("main", func(_ context.Context, m *machine.Machine, _ []tls.Scalar) error {
		m.Spawn(noop, 0)
		return nil
	}), 0)
	return m
}

func TestGuard_Assertion(t *testing.T) {
	m := twoThreadsOnWindows()
	err := guard(func() error { return m.Run(context.Background()) })
	if errors.KindOf(err) != errors.KindAssertion {
		t.Fatalf("guard err = %v, want assertion", err)
	}
}

func TestGuard_OtherPanicsPropagate(t *testing.T) {
	defer func() {
		if recover() != "boom" {
			t.Fatal("expected the original panic value")
		}
	}()
	_ = guard(func() error { panic("boom") })
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestInteractive_RunInBatches(t *testing.T) {
	m := machine.New(nil)
	var loop *machine.GoFunc
	loop = machine.NewGoFunc("loop", func(ctx context.Context, m *machine.Machine, _ []tls.Scalar) error {
		return m.CallFunction(ctx, loop, []tls.Scalar{0}, tls.CleanupDiscard)
	})
	m.Spawn(loop, 0)

	model := newInteractiveModel(options{})
	model.Update(loadedMsg{session: &session{machine: m}})

	_, cmd := model.Update(runeKey('r'))
	if cmd == nil || !model.running {
		t.Fatal("run key should start a batch")
	}
	_, cmd = model.Update(cmd())
	if got := m.Steps(); got != runBatch {
		t.Fatalf("steps after one batch = %d, want %d", got, runBatch)
	}
	if cmd == nil {
		t.Fatal("an unfinished run should schedule the next batch")
	}

	// Pressing run again pauses; a pending batch message is then ignored.
	model.Update(runeKey('r'))
	model.Update(cmd())
	if got := m.Steps(); got != runBatch {
		t.Fatalf("steps after pause = %d, want %d", got, runBatch)
	}
}

func TestInteractive_StepReportsAssertion(t *testing.T) {
	model := newInteractiveModel(options{})
	model.Update(loadedMsg{session: &session{machine: twoThreadsOnWindows()}})

	_, cmd := model.Update(runeKey('r'))
	for cmd != nil {
		_, cmd = model.Update(cmd())
	}
	if errors.KindOf(model.err) != errors.KindAssertion {
		t.Fatalf("model err = %v, want assertion", model.err)
	}
	if model.running {
		t.Error("run should stop on error")
	}
}
