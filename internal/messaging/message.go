// Package messaging implements the A2A messaging service: message
// construction and signing, AES-256-GCM end-to-end encryption, a
// type-routed handler registry, and per-agent mailboxes bounded by one
// shared capacity.
package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Errors surfaced to callers per the messaging service's taxonomy.
var (
	ErrSignatureInvalid = errors.New("messaging: signature invalid")
	ErrDecryptionFailed = errors.New("messaging: decryption failed")
	ErrQueueOverflow    = errors.New("messaging: queue overflow")
	ErrNotFound         = errors.New("messaging: receiver not found")
)

// Message is a plain (unencrypted) A2A message. Payload is an arbitrary
// JSON object; Metadata carries the hex-encoded signature alongside any
// caller-supplied metadata.
type Message struct {
	MessageID     string                 `json:"message_id"`
	SenderID      string                 `json:"sender_id"`
	ReceiverID    string                 `json:"receiver_id"`
	MessageType   string                 `json:"message_type"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	TTL           int64                  `json:"ttl,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// NewMessage constructs a Message with a fresh id and the current
// timestamp. Payload is stored as given, not copied.
func NewMessage(senderID, receiverID, messageType string, payload map[string]interface{}) *Message {
	return &Message{
		MessageID:   uuid.NewString(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: messageType,
		Payload:     payload,
		Timestamp:   time.Now(),
		Metadata:    make(map[string]string),
	}
}

// IsExpired reports whether the message's TTL (if any) has elapsed
// since its timestamp.
func (m *Message) IsExpired() bool {
	if m.TTL <= 0 {
		return false
	}
	return time.Now().After(m.Timestamp.Add(time.Duration(m.TTL) * time.Second))
}

// CreateResponse builds a reply to m: sender/receiver are swapped,
// correlation_id is set to m's message id, and metadata records
// response_to for good measure.
func (m *Message) CreateResponse(messageType string, payload map[string]interface{}) *Message {
	resp := NewMessage(m.ReceiverID, m.SenderID, messageType, payload)
	resp.CorrelationID = m.MessageID
	resp.Metadata["response_to"] = m.MessageID
	return resp
}

// Canonicalize produces a deterministic, byte-for-byte reproducible
// JSON encoding of the message's signable fields (everything except
// Metadata, which holds the signature), with map keys sorted. It is the exact byte string
// that Signer signs and verifies.
func (m *Message) Canonicalize() ([]byte, error) {
	signable := map[string]interface{}{
		"message_id":   m.MessageID,
		"sender_id":    m.SenderID,
		"receiver_id":  m.ReceiverID,
		"message_type": m.MessageType,
		"payload":      m.Payload,
		"timestamp":    m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if m.CorrelationID != "" {
		signable["correlation_id"] = m.CorrelationID
	}
	if m.TTL != 0 {
		signable["ttl"] = m.TTL
	}

	return canonicalJSON(signable)
}

// canonicalJSON marshals v to JSON with object keys sorted at every
// level, so two structurally identical values always produce identical
// bytes regardless of map iteration order.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// EncryptedMessage is the wire shape of an AES-256-GCM sealed Message.
// Metadata carries the hex-encoded signature of the plaintext message,
// computed before sealing.
type EncryptedMessage struct {
	EncryptedData string            `json:"encrypted_data"`
	IV            string            `json:"iv"`
	AuthTag       string            `json:"auth_tag"`
	SenderID      string            `json:"sender_id"`
	ReceiverID    string            `json:"receiver_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Algorithm     string            `json:"algorithm"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}
