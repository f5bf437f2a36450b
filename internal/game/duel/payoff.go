// Package duel implements the paired two-choice game: payoff matrix,
// automated-opponent strategies, block scheduling, and the session state
// machine that drives a pair through its rounds.
package duel

import "fmt"

// Choice is one side's play for a round.
type Choice string

const (
	Cooperate Choice = "cooperate"
	Defect    Choice = "defect"
)

// ParseChoice validates a wire choice string.
//
// Postcondition: Returns Cooperate or Defect, or an error for anything else.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case Cooperate, Defect:
		return Choice(s), nil
	}
	return "", fmt.Errorf("invalid choice %q", s)
}

// Payoff maps a pair of choices to a pair of scores. Deterministic, no
// side effects.
//
//	cooperate/cooperate → 3,3
//	cooperate/defect    → 0,5
//	defect/cooperate    → 5,0
//	defect/defect       → 1,1
func Payoff(a, b Choice) (int, int) {
	if a == Cooperate {
		if b == Cooperate {
			return 3, 3
		}
		return 0, 5
	}
	if b == Cooperate {
		return 5, 0
	}
	return 1, 1
}
