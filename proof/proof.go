package proof

import (
	"github.com/teranos/certifier/dominance"
	"github.com/teranos/certifier/vse"
)

// Step is one application of a rule.
type Step struct {
	S1         *vse.Clause
	S2         *vse.Clause
	Conclusion *vse.Clause
	Rule       Rule
}

// Proof is an ordered list of steps.
type Proof struct {
	Steps []Step
}

// Add appends a step.
func (p *Proof) Add(rule Rule, s1, s2, conclusion *vse.Clause) {
	p.Steps = append(p.Steps, Step{S1: s1, S2: s2, Conclusion: conclusion, Rule: rule})
}

// Statements is an ordered set of proved clauses.
type Statements struct {
	proved []*vse.Clause
}

// NewStatements returns a set holding the given clauses.
func NewStatements(clauses ...*vse.Clause) *Statements {
	s := &Statements{}
	for _, c := range clauses {
		s.Add(c)
	}
	return s
}

// InitAxiom returns the statements every proof starts from:
// "policyKey is-trusted".
func InitAxiom(policyKey *vse.Key) (*Statements, error) {
	policy, err := vse.NewKeyEntity(policyKey)
	if err != nil {
		return nil, err
	}
	axiom, err := vse.NewUnaryClause(policy, vse.VerbIsTrusted)
	if err != nil {
		return nil, err
	}
	return NewStatements(axiom), nil
}

// Add inserts c unless an equal clause is already present.
func (s *Statements) Add(c *vse.Clause) {
	if c == nil || s.Contains(c) {
		return
	}
	s.proved = append(s.proved, c)
}

// Contains reports whether an equal clause has been proved.
func (s *Statements) Contains(c *vse.Clause) bool {
	for _, p := range s.proved {
		if p.Equal(c) {
			return true
		}
	}
	return false
}

// Len returns the number of proved clauses.
func (s *Statements) Len() int { return len(s.proved) }

// All returns the proved clauses in the order they were added.
func (s *Statements) All() []*vse.Clause {
	return append([]*vse.Clause(nil), s.proved...)
}

// Find returns the first proved clause matching fn.
func (s *Statements) Find(fn func(*vse.Clause) bool) *vse.Clause {
	for _, p := range s.proved {
		if fn(p) {
			return p
		}
	}
	return nil
}

// Clone returns an independent copy of the set.
func (s *Statements) Clone() *Statements {
	return &Statements{proved: s.All()}
}

// VerifyProof checks p against the already proved statements and reports
// whether toProve is derived. Steps whose premises are not proved yet are
// skipped; a step whose rule does not admit its conclusion fails the proof.
// proved is extended with every conclusion reached.
func VerifyProof(idx *dominance.Index, toProve *vse.Clause, p *Proof, proved *Statements) bool {
	if toProve == nil || p == nil || proved == nil {
		return false
	}
	for _, step := range p.Steps {
		if !proved.Contains(step.S1) || !proved.Contains(step.S2) {
			continue
		}
		if !VerifyRule(idx, step.Rule, step.S1, step.S2, step.Conclusion) {
			return false
		}
		proved.Add(step.Conclusion)
		if step.Conclusion.Equal(toProve) {
			return true
		}
	}
	return false
}
