// Package quorum decides whether a set of distinct approvals is enough to
// move a task forward. Policies are pure functions of the committee size.
package quorum

import "fmt"

// Policy maps a committee size to the number of distinct approvals required.
type Policy interface {
	Threshold(committeeSize int) int
	Name() string
}

// Approved reports whether approvals meets the policy threshold for a
// committee of the given size. An empty committee can never approve.
func Approved(p Policy, committeeSize, approvals int) bool {
	if committeeSize <= 0 {
		return false
	}
	return approvals >= p.Threshold(committeeSize)
}

// Majority requires floor(N/2)+1 approvals.
type Majority struct{}

func (Majority) Threshold(n int) int {
	if n <= 0 {
		return 1
	}
	return n/2 + 1
}

func (Majority) Name() string { return "majority" }

// Supermajority requires strictly more than Numerator/Denominator of the
// committee, capped at the committee size.
type Supermajority struct {
	Numerator   int
	Denominator int
}

func (s Supermajority) Threshold(n int) int {
	if n <= 0 {
		return 1
	}
	t := n*s.Numerator/s.Denominator + 1
	if t > n {
		t = n
	}
	return t
}

func (s Supermajority) Name() string {
	return fmt.Sprintf("supermajority(%d/%d)", s.Numerator, s.Denominator)
}

// New builds a policy from its configured name.
func New(name string, numerator, denominator int) (Policy, error) {
	switch name {
	case "", "majority":
		return Majority{}, nil
	case "supermajority":
		if denominator <= 0 || numerator <= 0 || numerator >= denominator {
			return nil, fmt.Errorf("supermajority needs 0 < numerator < denominator, got %d/%d", numerator, denominator)
		}
		return Supermajority{Numerator: numerator, Denominator: denominator}, nil
	default:
		return nil, fmt.Errorf("unknown quorum policy %q", name)
	}
}
