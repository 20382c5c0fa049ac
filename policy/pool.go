package policy

import (
	"encoding/hex"
	"sync"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/vse"
)

// Kind classifies a policy statement.
type Kind string

const (
	KindMeasurement Kind = "measurement"
	KindPlatform    Kind = "platform"
)

// Entry is one classified policy statement.
type Entry struct {
	Kind   Kind
	Clause *vse.Clause
	Signed *claims.SignedClaim
}

// Pool indexes the policy statements by measurement and platform key.
// It is safe for concurrent use and can be swapped wholesale on reload.
type Pool struct {
	policyKey *vse.Key

	mu           sync.RWMutex
	entries      []Entry
	measurements map[string]*claims.SignedClaim
	platforms    map[string]*claims.SignedClaim
}

// NewPool classifies statements. Every statement must verify under
// policyKey and be one of
//
//	policyKey says (M is-trusted)
//	policyKey says (K is-trusted-for-attestation)
func NewPool(policyKey *vse.Key, statements []*claims.SignedClaim) (*Pool, error) {
	if policyKey == nil {
		return nil, errors.NewValidationf("policy pool requires a policy key")
	}
	p := &Pool{policyKey: policyKey.Public()}
	if err := p.Replace(statements); err != nil {
		return nil, err
	}
	return p, nil
}

// Replace rebuilds the pool from statements. On error the pool is unchanged.
func (p *Pool) Replace(statements []*claims.SignedClaim) error {
	policy, err := vse.NewKeyEntity(p.policyKey)
	if err != nil {
		return err
	}

	entries := make([]Entry, 0, len(statements))
	measurements := make(map[string]*claims.SignedClaim)
	platforms := make(map[string]*claims.SignedClaim)
	for i, sc := range statements {
		if !claims.Verify(sc, p.policyKey) {
			return errors.NewSignaturef("policy statement %d is not signed by the policy key", i)
		}
		c, err := sc.Claim()
		if err != nil {
			return errors.Wrapf(err, "policy statement %d", i)
		}
		clause, err := c.Clause()
		if err != nil {
			return errors.Wrapf(err, "policy statement %d", i)
		}
		kind, err := classify(policy, clause)
		if err != nil {
			return errors.Wrapf(err, "policy statement %d", i)
		}
		inner := clause.Clause.Subject
		switch kind {
		case KindMeasurement:
			measurements[hex.EncodeToString(inner.Measurement)] = sc
		case KindPlatform:
			platforms[inner.Key.Fingerprint()] = sc
		}
		entries = append(entries, Entry{Kind: kind, Clause: clause, Signed: sc})
	}

	p.mu.Lock()
	p.entries, p.measurements, p.platforms = entries, measurements, platforms
	p.mu.Unlock()
	return nil
}

func classify(policy *vse.Entity, c *vse.Clause) (Kind, error) {
	if c.Shape() != vse.ShapeIndirect || c.Verb != vse.VerbSays || !c.Subject.Equal(policy) {
		return "", errors.NewValidationf("%s is not a statement by the policy key", c)
	}
	inner := c.Clause
	if inner.Shape() != vse.ShapeUnary {
		return "", errors.NewValidationf("unsupported policy statement %s", c)
	}
	switch {
	case inner.Subject.IsMeasurement() && inner.Verb == vse.VerbIsTrusted:
		return KindMeasurement, nil
	case inner.Subject.IsKey() && inner.Verb == vse.VerbIsTrustedForAttestation:
		return KindPlatform, nil
	}
	return "", errors.NewValidationf("unsupported policy statement %s", c)
}

// ForMeasurement returns "policyKey says (M is-trusted)" or nil.
func (p *Pool) ForMeasurement(measurement []byte) *claims.SignedClaim {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.measurements[hex.EncodeToString(measurement)]
}

// ForPlatformKey returns "policyKey says (K is-trusted-for-attestation)" or nil.
func (p *Pool) ForPlatformKey(key *vse.Key) *claims.SignedClaim {
	if key == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.platforms[key.Fingerprint()]
}

// Entries returns the classified statements in file order.
func (p *Pool) Entries() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Entry(nil), p.entries...)
}

// Len returns the number of statements.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// PolicyKey returns the key every statement is signed by.
func (p *Pool) PolicyKey() *vse.Key { return p.policyKey }
