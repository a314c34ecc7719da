package memory

import "fmt"

// ContextBudget bounds assembled context. Available tokens are what is
// left after instruction and output reservations.
type ContextBudget struct {
	MaxTokens               int
	ReservedForInstructions int
	ReservedForOutput       int
}

// NewContextBudget validates reservations against the maximum. A negative
// available window is a caller configuration error.
func NewContextBudget(maxTokens, reservedInstructions, reservedOutput int) (ContextBudget, error) {
	b := ContextBudget{
		MaxTokens:               maxTokens,
		ReservedForInstructions: reservedInstructions,
		ReservedForOutput:       reservedOutput,
	}
	if b.Available() < 0 {
		return ContextBudget{}, fmt.Errorf("%w: max=%d instructions=%d output=%d",
			ErrBudgetExceeded, maxTokens, reservedInstructions, reservedOutput)
	}
	return b, nil
}

func (b ContextBudget) Available() int {
	return b.MaxTokens - b.ReservedForInstructions - b.ReservedForOutput
}

// DeriveContextBudget allocates a total window with default reservations:
// a quarter for instructions and a fifth for generated output.
func DeriveContextBudget(total int) ContextBudget {
	if total <= 0 {
		total = 8192
	}
	return ContextBudget{
		MaxTokens:               total,
		ReservedForInstructions: total * 25 / 100,
		ReservedForOutput:       total * 20 / 100,
	}
}
