// Package models defines the core domain entities: observables, position
// solutions, assurance levels, and the diagnostics produced by each check.
package models

import (
	"fmt"
	"strings"
	"time"
)

// AssuranceLevel is the graded trust output of a check for one evaluation
// cycle. Values are ordered by increasing distrust, with Unavailable below
// Assured, so the maximum of a set of levels is the most distrustful one.
type AssuranceLevel int

const (
	Unavailable AssuranceLevel = iota
	Assured
	Inconsistent
	Unassured
)

func (l AssuranceLevel) String() string {
	switch l {
	case Unavailable:
		return "unavailable"
	case Assured:
		return "assured"
	case Inconsistent:
		return "inconsistent"
	case Unassured:
		return "unassured"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseAssuranceLevel is the inverse of String.
func ParseAssuranceLevel(s string) (AssuranceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unavailable":
		return Unavailable, nil
	case "assured":
		return Assured, nil
	case "inconsistent":
		return Inconsistent, nil
	case "unassured":
		return Unassured, nil
	}
	return Unavailable, fmt.Errorf("unknown assurance level %q", s)
}

// MaxLevel returns the most distrustful level in levels, or Unavailable
// when levels is empty.
func MaxLevel(levels []AssuranceLevel) AssuranceLevel {
	max := Unavailable
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// LevelTransition records one level change made by a check.
type LevelTransition struct {
	ID         string
	Check      string
	Previous   AssuranceLevel
	Level      AssuranceLevel
	CheckTime  float64
	RecordedAt time.Time
}
