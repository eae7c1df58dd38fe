package messaging

import (
	"github.com/a2a-core/agenthub/internal/identity"
)

// signatureSigner canonicalizes and signs Messages using a caller's
// identity, and verifies signatures on inbound Messages.
type signatureSigner struct {
	identities *identity.Store
}

func newSigner(identities *identity.Store) *signatureSigner {
	return &signatureSigner{identities: identities}
}

// Sign canonicalizes m and attaches the hex-encoded RSA-PSS signature
// to m.Metadata["signature"].
func (s *signatureSigner) Sign(m *Message) error {
	canonical, err := m.Canonicalize()
	if err != nil {
		return err
	}

	sig, err := s.identities.SignData(m.SenderID, canonical)
	if err != nil {
		return err
	}

	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	m.Metadata["signature"] = sig
	return nil
}

// Verify checks m's attached signature against its sender's identity.
// It returns false (never an error about the signature itself) when
// the signature is absent, malformed, or does not match - callers drop
// the message rather than propagate a verification error.
func (s *signatureSigner) Verify(m *Message) bool {
	sig, ok := m.Metadata["signature"]
	if !ok || sig == "" {
		return false
	}

	canonical, err := m.Canonicalize()
	if err != nil {
		return false
	}

	ok, err = s.identities.VerifySignature(m.SenderID, canonical, sig)
	if err != nil {
		return false
	}
	return ok
}
