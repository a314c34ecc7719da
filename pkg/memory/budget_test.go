package memory

import (
	"errors"
	"testing"
)

func TestNewContextBudget_RejectsOverReservation(t *testing.T) {
	_, err := NewContextBudget(100, 60, 50)
	if err == nil {
		t.Fatalf("expected error when reservations exceed max tokens")
	}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestNewContextBudget_Available(t *testing.T) {
	b, err := NewContextBudget(1000, 250, 200)
	if err != nil {
		t.Fatalf("new budget: %v", err)
	}
	if got := b.Available(); got != 550 {
		t.Fatalf("available = %d, want 550", got)
	}
}

func TestDeriveContextBudget(t *testing.T) {
	b := DeriveContextBudget(4096)
	if b.Available() <= 0 {
		t.Fatalf("derived budget has no room: %+v", b)
	}
	if b.ReservedForInstructions == 0 || b.ReservedForOutput == 0 {
		t.Fatalf("derived budget missing reservations: %+v", b)
	}
}
