// Package policy holds the statements a policy authority certifies against:
// the signed policy file, the in-memory pool built from it, the TOML
// manifest compiled into it and a watcher that reloads the pool on change.
package policy

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/teranos/certifier/claims"
	"github.com/teranos/certifier/errors"
	"github.com/teranos/certifier/internal/wire"
)

// MaxStatements bounds the number of signed claims in one policy file.
const MaxStatements = 4096

// Encode writes statements as a sequence of length-prefixed signed claims.
func Encode(w io.Writer, statements []*claims.SignedClaim) error {
	if len(statements) > MaxStatements {
		return errors.NewValidationf("policy of %d statements exceeds %d", len(statements), MaxStatements)
	}
	for i, sc := range statements {
		data, err := sc.Marshal()
		if err != nil {
			return errors.Wrapf(err, "statement %d", i)
		}
		if err := wire.WriteFrame(w, data, claims.MaxSignedClaimSize); err != nil {
			return errors.Wrapf(err, "statement %d", i)
		}
	}
	return nil
}

// Decode reads a sequence written by Encode until EOF.
func Decode(r io.Reader) ([]*claims.SignedClaim, error) {
	br := bufio.NewReader(r)
	var out []*claims.SignedClaim
	for {
		if _, err := br.Peek(1); err == io.EOF {
			return out, nil
		}
		if len(out) >= MaxStatements {
			return nil, errors.NewValidationf("policy exceeds %d statements", MaxStatements)
		}
		data, err := wire.ReadFrame(br, claims.MaxSignedClaimSize)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "statement %d", len(out)), errors.ErrValidation)
		}
		sc, err := claims.UnmarshalSignedClaim(data)
		if err != nil {
			return nil, errors.Wrapf(err, "statement %d", len(out))
		}
		out = append(out, sc)
	}
}

// Load reads a policy file.
func Load(path string) ([]*claims.SignedClaim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithHint(errors.MarkIO(err, "failed to read policy file"),
			"compile one with 'certifier policy compile'")
	}
	return Decode(bytes.NewReader(data))
}

// Save writes a policy file atomically.
func Save(path string, statements []*claims.SignedClaim) error {
	var buf bytes.Buffer
	if err := Encode(&buf, statements); err != nil {
		return err
	}
	return writeAtomic(path, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.MarkIO(err, "failed to create policy directory")
	}
	tmp, err := os.CreateTemp(dir, ".policy-*")
	if err != nil {
		return errors.MarkIO(err, "failed to create temporary policy file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.MarkIO(err, "failed to write policy file")
	}
	if err := tmp.Close(); err != nil {
		return errors.MarkIO(err, "failed to close policy file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.MarkIO(err, "failed to replace policy file")
	}
	return nil
}
