package viva

import (
	"errors"
	"fmt"

	"github.com/pavelanni/viva/internal/model"
)

// DefaultHardCap is the number of completed turns after which a concept
// always advances.
const DefaultHardCap = 2

// Mastery and remediation thresholds on the running-mean scores.
const (
	masteryThreshold     = 8
	remediationThreshold = 6
)

var (
	// ErrInvalidTurnCount is returned for a turn count below 1.
	ErrInvalidTurnCount = errors.New("turn count must be at least 1")
	// ErrUnknownCategory is returned for an error category outside the closed set.
	ErrUnknownCategory = errors.New("unknown error category")
)

// Directive steers the next question, or ends the concept.
type Directive string

const (
	// DirectiveNone is the directive before the first turn.
	DirectiveNone Directive = "none"
	// AdvanceToNextConcept ends the current concept session.
	AdvanceToNextConcept Directive = "advance to next concept"

	DirectiveGoDeeper         Directive = "Ask one slightly deeper or application-oriented question on this concept."
	DirectiveRephraseFact     Directive = "Ask another question on the same factual point, phrased differently."
	DirectiveStepByStep       Directive = "Ask a question that tests the same procedure in a more step-by-step way."
	DirectiveRealWorld        Directive = "Give a simple real-world example of this concept in use, then ask a follow-up question about it."
	DirectiveProbeReasoning   Directive = "Ask a 'why' or 'how' question about the reasoning behind the previous answer."
	DirectiveFoundational     Directive = "Ask a foundational question that breaks the concept into simpler parts, using an analogy if useful."
	DirectiveReexplain        Directive = "Ask the student to explain the same answer again in clearer, simpler terms."
	DirectiveDescribeStrategy Directive = "Ask the student how they arrived at the answer or what strategy they used."
	DirectiveAlternate        Directive = "Test this concept with a different question or approach."
)

// Terminal reports whether the directive ends the concept session.
func (d Directive) Terminal() bool { return d == AdvanceToNextConcept }

// Input is a snapshot of the state the policy decides on.
type Input struct {
	Error     model.ErrorCategory
	Scores    model.ScoreTriple
	TurnCount int
}

// Rule is one entry of the ordered policy table.
type Rule struct {
	Name string
	When func(Input) bool
	Then func(Input) Directive
}

// Policy maps an evaluated turn to the next directive. It holds no state
// between calls.
type Policy struct {
	HardCap int
	rules   []Rule
}

// NewPolicy builds the rule table. A hardCap below 1 uses DefaultHardCap.
func NewPolicy(hardCap int) *Policy {
	if hardCap < 1 {
		hardCap = DefaultHardCap
	}
	p := &Policy{HardCap: hardCap}
	p.rules = []Rule{
		{
			Name: "hard-cap",
			When: func(in Input) bool { return in.TurnCount > p.HardCap },
			Then: func(Input) Directive { return AdvanceToNextConcept },
		},
		{
			Name: "mastery",
			When: func(in Input) bool {
				s := in.Scores
				return in.Error == model.ErrorNone &&
					s.Correctness > masteryThreshold && s.Depth > masteryThreshold && s.Clarity > masteryThreshold
			},
			Then: func(in Input) Directive {
				if in.TurnCount >= 2 {
					return AdvanceToNextConcept
				}
				return DirectiveGoDeeper
			},
		},
		remediate("factual", model.ErrorFactual, correctnessBelow, DirectiveRephraseFact),
		remediate("procedural", model.ErrorProcedural, correctnessBelow, DirectiveStepByStep),
		remediate("application", model.ErrorApplication, depthBelow, DirectiveRealWorld),
		remediate("reasoning", model.ErrorReasoning, always, DirectiveProbeReasoning),
		remediate("conceptual", model.ErrorConceptual, depthBelow, DirectiveFoundational),
		remediate("communication", model.ErrorCommunication, clarityBelow, DirectiveReexplain),
		remediate("metacognitive", model.ErrorMetacognitive, always, DirectiveDescribeStrategy),
		{
			Name: "default",
			When: always,
			Then: onceThenAdvance(DirectiveAlternate),
		},
	}
	return p
}

// Rules returns a copy of the ordered rule table.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Decide returns the directive for the next turn.
func (p *Policy) Decide(in Input) (Directive, error) {
	d, _, err := p.Trace(in)
	return d, err
}

// Trace is Decide plus the name of the rule that matched.
func (p *Policy) Trace(in Input) (Directive, string, error) {
	if in.TurnCount < 1 {
		return "", "", fmt.Errorf("%w: got %d", ErrInvalidTurnCount, in.TurnCount)
	}
	if !in.Error.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownCategory, in.Error)
	}
	for _, r := range p.rules {
		if r.When(in) {
			return r.Then(in), r.Name, nil
		}
	}
	// The default rule always matches.
	panic("viva: policy table has no catch-all rule")
}

func remediate(name string, cat model.ErrorCategory, gate func(Input) bool, d Directive) Rule {
	return Rule{
		Name: name,
		When: func(in Input) bool { return in.Error == cat && gate(in) },
		Then: onceThenAdvance(d),
	}
}

// onceThenAdvance issues d on the first turn and advances afterwards.
func onceThenAdvance(d Directive) func(Input) Directive {
	return func(in Input) Directive {
		if in.TurnCount == 1 {
			return d
		}
		return AdvanceToNextConcept
	}
}

func always(Input) bool { return true }

func correctnessBelow(in Input) bool { return in.Scores.Correctness < remediationThreshold }
func depthBelow(in Input) bool       { return in.Scores.Depth < remediationThreshold }
func clarityBelow(in Input) bool     { return in.Scores.Clarity < remediationThreshold }
