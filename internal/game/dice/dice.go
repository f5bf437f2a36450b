// Package dice provides the random source used for strategy and block
// parameter draws. Routing every draw through a Source keeps game scheduling
// reproducible under test.
package dice

// Source produces uniform random integers.
type Source interface {
	// Intn returns a random int in [0, n).
	//
	// Precondition: n > 0.
	Intn(n int) int
}

// Pick returns a uniformly drawn element of choices.
//
// Precondition: choices must be non-empty; src must be non-nil.
func Pick[T any](src Source, choices []T) T {
	return choices[src.Intn(len(choices))]
}

// Range returns a uniform draw in [min, max] inclusive.
//
// Precondition: min <= max; src must be non-nil.
func Range(src Source, min, max int) int {
	if min == max {
		return min
	}
	return min + src.Intn(max-min+1)
}
