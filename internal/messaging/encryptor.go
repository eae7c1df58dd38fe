package messaging

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const sessionKeyBucketSeconds = 300 // time-bucket width for session-key derivation

// deriveSessionKey computes the deterministic AES-256 session key
// shared by an ordered (a, b) agent pair for the current time bucket.
// It is not forward-secret and is never persisted: both ends recompute
// it independently from their clocks. Isolated in its own function per
// the design note that this derivation may need to be replaced by a
// real handshake later.
func deriveSessionKey(a, b string, bucket int64) [32]byte {
	material := fmt.Sprintf("%s:%s:%d", a, b, bucket)
	return sha256.Sum256([]byte(material))
}

func timeBucket(t time.Time) int64 {
	return t.Unix() / sessionKeyBucketSeconds
}

func orderedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// sessionTable lazily derives and caches per-pair, per-bucket session
// keys so repeated sends within the same bucket avoid recomputation.
type sessionTable struct {
	mu   sync.Mutex
	keys map[string][32]byte
}

func newSessionTable() *sessionTable {
	return &sessionTable{keys: make(map[string][32]byte)}
}

func (st *sessionTable) keyFor(sender, receiver string, at time.Time) [32]byte {
	a, b := orderedPair(sender, receiver)
	bucket := timeBucket(at)
	cacheKey := fmt.Sprintf("%s|%s|%d", a, b, bucket)

	st.mu.Lock()
	defer st.mu.Unlock()
	if k, ok := st.keys[cacheKey]; ok {
		return k
	}
	k := deriveSessionKey(a, b, bucket)
	st.keys[cacheKey] = k
	return k
}

// encryptor seals and opens Messages with AES-256-GCM using the
// sessionTable's per-pair key.
type encryptor struct {
	sessions *sessionTable
}

func newEncryptor() *encryptor {
	return &encryptor{sessions: newSessionTable()}
}

// Encrypt serializes the message payload envelope (message type,
// payload, correlation id) to JSON and seals it under the sender/
// receiver pair's current session key, with the agent ids as
// additional authenticated data.
func (e *encryptor) Encrypt(m *Message) (*EncryptedMessage, error) {
	key := e.sessions.keyFor(m.SenderID, m.ReceiverID, m.Timestamp)

	plaintext, err := envelopeJSON(m)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize()) // 12 bytes
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	aad := []byte(m.SenderID + ":" + m.ReceiverID)
	sealed := gcm.Seal(nil, nonce, plaintext, aad)

	tagSize := gcm.Overhead() // 16 bytes for standard GCM
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return &EncryptedMessage{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(nonce),
		AuthTag:       base64.StdEncoding.EncodeToString(tag),
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Timestamp:     m.Timestamp,
		Algorithm:     "AES-256-GCM",
		Metadata:      m.Metadata,
	}, nil
}

// Decrypt opens an EncryptedMessage and reconstructs the plaintext
// Message envelope. Any failure - wrong key, tampered ciphertext, bad
// tag - returns ErrDecryptionFailed with no partial plaintext ever
// returned to the caller.
func (e *encryptor) Decrypt(em *EncryptedMessage) (*Message, error) {
	key := e.sessions.keyFor(em.SenderID, em.ReceiverID, em.Timestamp)

	ciphertext, err := base64.StdEncoding.DecodeString(em.EncryptedData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(em.IV)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	tag, err := base64.StdEncoding.DecodeString(em.AuthTag)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aad := []byte(em.SenderID + ":" + em.ReceiverID)
	sealed := append(append([]byte{}, ciphertext...), tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	m, err := messageFromEnvelope(plaintext, em)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return m, nil
}

type envelope struct {
	MessageID     string                 `json:"message_id"`
	MessageType   string                 `json:"message_type"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func envelopeJSON(m *Message) ([]byte, error) {
	env := envelope{
		MessageID:     m.MessageID,
		MessageType:   m.MessageType,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func messageFromEnvelope(plaintext []byte, em *EncryptedMessage) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, err
	}

	return &Message{
		MessageID:     env.MessageID,
		SenderID:      em.SenderID,
		ReceiverID:    em.ReceiverID,
		MessageType:   env.MessageType,
		Payload:       env.Payload,
		Timestamp:     em.Timestamp,
		CorrelationID: env.CorrelationID,
		Metadata:      em.Metadata,
	}, nil
}
