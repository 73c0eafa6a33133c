package registry

import "testing"

func TestStatus_CanTransitionTo(t *testing.T) {
	valid := []struct {
		from, to Status
	}{
		{StatusCreated, StatusIdle},
		{StatusIdle, StatusBusy},
		{StatusBusy, StatusIdle},
		{StatusIdle, StatusPaused},
		{StatusBusy, StatusPaused},
		{StatusPaused, StatusIdle},
		{StatusIdle, StatusError},
		{StatusBusy, StatusError},
		{StatusPaused, StatusError},
		{StatusError, StatusIdle},
		{StatusCreated, StatusStopped},
		{StatusIdle, StatusStopped},
		{StatusBusy, StatusStopped},
		{StatusPaused, StatusStopped},
		{StatusError, StatusStopped},
	}
	for _, tt := range valid {
		if !tt.from.CanTransitionTo(tt.to) {
			t.Errorf("expected %s -> %s to be valid", tt.from, tt.to)
		}
	}

	invalid := []struct {
		from, to Status
	}{
		{StatusStopped, StatusIdle},
		{StatusStopped, StatusBusy},
		{StatusStopped, StatusError},
		{StatusCreated, StatusBusy},
		{StatusCreated, StatusPaused},
		{StatusPaused, StatusBusy},
		{StatusError, StatusBusy},
		{StatusError, StatusPaused},
		{StatusIdle, StatusCreated},
		{StatusBusy, StatusCreated},
	}
	for _, tt := range invalid {
		if tt.from.CanTransitionTo(tt.to) {
			t.Errorf("expected %s -> %s to be rejected", tt.from, tt.to)
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	if !StatusStopped.IsTerminal() {
		t.Error("stopped should be terminal")
	}
	for _, s := range []Status{StatusCreated, StatusIdle, StatusBusy, StatusPaused, StatusError} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatus_Dispatchable(t *testing.T) {
	for _, s := range []Status{StatusIdle, StatusBusy} {
		if !s.Dispatchable() {
			t.Errorf("%s should accept dispatches", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusPaused, StatusError, StatusStopped} {
		if s.Dispatchable() {
			t.Errorf("%s should not accept dispatches", s)
		}
	}
}

func TestAgentLoad_Utilization(t *testing.T) {
	l := AgentLoad{Active: 1, Capacity: 4}
	if got := l.Utilization(); got != 0.25 {
		t.Errorf("expected 0.25, got %f", got)
	}

	zero := AgentLoad{Active: 0, Capacity: 0}
	if got := zero.Utilization(); got != 1.0 {
		t.Errorf("expected zero capacity to read as fully loaded, got %f", got)
	}

	if !(AgentLoad{Active: 2, Capacity: 2}).Full() {
		t.Error("expected agent at capacity to be full")
	}
	if (AgentLoad{Active: 1, Capacity: 2}).Full() {
		t.Error("expected agent below capacity to not be full")
	}
}
