// SPDX-License-Identifier: GPL-2.0-or-later

package demux

import "fmt"

// Verdict result of a counter check.
type Verdict struct {
	Accept bool

	// Frames missing between the previous and this frame.
	Lost int

	// The baseline was reset after too many consecutive violations.
	Resync bool
}

// Policy decides whether a frame is accepted based on its stream counter.
// One policy instance tracks a single stream.
type Policy interface {
	Check(counter uint16) Verdict
	LastValid() (uint16, bool)
}

// PolicyName selects a Policy.
type PolicyName string

// Policy names.
const (
	PolicyWindow PolicyName = "window"
	PolicyLoss   PolicyName = "loss"
)

// Valid reports whether the name selects a known policy.
func (n PolicyName) Valid() bool {
	return n == PolicyWindow || n == PolicyLoss
}

// Window defaults.
const (
	DefaultTolerance  = 20
	DefaultMaxInvalid = 40
)

// NewPolicy returns a fresh policy by name.
func NewPolicy(name PolicyName) (Policy, error) {
	switch name {
	case PolicyWindow:
		return &WindowPolicy{
			Tolerance:  DefaultTolerance,
			MaxInvalid: DefaultMaxInvalid,
		}, nil
	case PolicyLoss:
		return &LossPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown resync policy: %q", name)
}

// WindowPolicy accepts counters at most Tolerance steps ahead of the last
// valid counter. Parameter sets share the counter of their frame, so an
// unchanged counter is accepted. Other counters are rejected until more
// than MaxInvalid consecutive violations are seen, the baseline is then
// reset to the current counter.
type WindowPolicy struct {
	Tolerance  int
	MaxInvalid int

	last    uint16
	valid   bool
	invalid int
}

// Check implements Policy.
func (p *WindowPolicy) Check(counter uint16) Verdict {
	if !p.valid || int(counter-p.last) <= p.Tolerance {
		p.last = counter
		p.valid = true
		p.invalid = 0
		return Verdict{Accept: true}
	}

	p.invalid++
	if p.invalid > p.MaxInvalid {
		p.last = counter
		p.invalid = 0
		return Verdict{Accept: true, Resync: true}
	}
	return Verdict{}
}

// LastValid implements Policy.
func (p *WindowPolicy) LastValid() (uint16, bool) {
	return p.last, p.valid
}

// LossPolicy accepts every frame and counts the gaps.
type LossPolicy struct {
	last  uint16
	valid bool
}

// Check implements Policy.
func (p *LossPolicy) Check(counter uint16) Verdict {
	v := Verdict{Accept: true}
	if p.valid {
		v.Lost = max(int(counter-p.last)-1, 0)
	}
	p.last = counter
	p.valid = true
	return v
}

// LastValid implements Policy.
func (p *LossPolicy) LastValid() (uint16, bool) {
	return p.last, p.valid
}
