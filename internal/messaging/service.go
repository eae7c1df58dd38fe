package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/a2a-core/agenthub/internal/identity"
	"github.com/a2a-core/agenthub/internal/observability"
)

// Sender delivers a signed (and optionally encrypted) message to its
// receiver. Implementations adapt Service onto whatever Transport is in
// use (HTTP/2 request, stream frame, or an in-process shortcut for
// agents colocated in one process, used heavily by tests).
type Sender interface {
	SendMessage(ctx context.Context, m *Message) error
	SendEncryptedMessage(ctx context.Context, em *EncryptedMessage) error
}

// Service implements the A2A messaging service: it signs and optionally
// seals outbound messages, verifies and opens inbound ones, and holds
// the per-agent mailboxes messages are dequeued from.
type Service struct {
	identities *identity.Store
	signer     *signatureSigner
	encryptor  *encryptor
	router     *router
	queue      *mailboxQueue

	trace   *observability.TraceManager
	metrics *observability.MetricsManager
	logger  *slog.Logger
}

// NewService builds a Service backed by identities for signing and
// verification. queueCapacity bounds the combined number of messages
// across all mailboxes (0 selects the default of 1000).
func NewService(identities *identity.Store, queueCapacity int, trace *observability.TraceManager, metrics *observability.MetricsManager, logger *slog.Logger) *Service {
	return &Service{
		identities: identities,
		signer:     newSigner(identities),
		encryptor:  newEncryptor(),
		router:     newRouter(),
		queue:      newMailboxQueue(queueCapacity),
		trace:      trace,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterHandler wires a handler for inbound messages of messageType,
// invoked from DeliverInbound/Dispatch.
func (s *Service) RegisterHandler(messageType string, h Handler) {
	s.router.RegisterHandler(messageType, h)
}

// PrepareOutbound signs m in place and, if it is a reply to a tracked
// request, leaves its correlation id untouched. Callers hand the result
// to a Transport.
func (s *Service) PrepareOutbound(ctx context.Context, m *Message) error {
	_, span := s.trace.StartSpan(ctx, "messaging.sign")
	defer span.End()

	if err := s.signer.Sign(m); err != nil {
		s.trace.RecordError(span, err)
		return err
	}
	s.router.TrackOutstanding(m)
	s.trace.SetSpanSuccess(span)
	return nil
}

// PrepareOutboundEncrypted signs m, then seals it into an
// EncryptedMessage ready for the encrypted transport path.
func (s *Service) PrepareOutboundEncrypted(ctx context.Context, m *Message) (*EncryptedMessage, error) {
	if err := s.PrepareOutbound(ctx, m); err != nil {
		return nil, err
	}
	return s.encryptor.Encrypt(m)
}

// Enqueue delivers m into the receiver's mailbox without verifying its
// signature - used by in-process transports where PrepareOutbound and
// Enqueue are both performed by this same Service instance. Dequeue does
// not verify signatures either, so a message enqueued here reaches
// ReceiveMessages unverified. Transports that cross a wire boundary
// should call DeliverInbound instead.
func (s *Service) Enqueue(m *Message) error {
	return s.queue.Enqueue(m.ReceiverID, m)
}

// DeliverInbound verifies m's signature and, if valid, enqueues it for
// m.ReceiverID. An invalid signature causes the message to be silently
// dropped (logged at WARN), per the messaging service's error
// taxonomy - signature failures are never surfaced to the sender.
func (s *Service) DeliverInbound(ctx context.Context, m *Message) error {
	if !s.signer.Verify(m) {
		s.logger.WarnContext(ctx, "dropping message with invalid signature",
			"message_id", m.MessageID, "sender_id", m.SenderID)
		if s.metrics != nil {
			s.metrics.IncrementEventErrors(ctx, m.MessageType, m.SenderID, "signature_invalid")
		}
		return ErrSignatureInvalid
	}
	return s.queue.Enqueue(m.ReceiverID, m)
}

// Open decrypts em without touching the mailbox or verifying its
// signature - callers that need the plaintext Message before deciding
// how to handle it (e.g. the transport layer, which also wants to
// dispatch synchronously) use this instead of DeliverInboundEncrypted.
func (s *Service) Open(ctx context.Context, em *EncryptedMessage) (*Message, error) {
	m, err := s.encryptor.Decrypt(em)
	if err != nil {
		s.logger.WarnContext(ctx, "dropping message that failed to decrypt",
			"sender_id", em.SenderID, "receiver_id", em.ReceiverID)
		if s.metrics != nil {
			s.metrics.IncrementEventErrors(ctx, "encrypted", em.SenderID, "decryption_failed")
		}
		return nil, ErrDecryptionFailed
	}
	return m, nil
}

// DeliverInboundEncrypted decrypts em and, on success, verifies and
// enqueues the resulting message exactly like DeliverInbound. Failed
// decryption is logged and dropped; it never reaches the handler layer.
func (s *Service) DeliverInboundEncrypted(ctx context.Context, em *EncryptedMessage) error {
	m, err := s.Open(ctx, em)
	if err != nil {
		return err
	}
	return s.DeliverInbound(ctx, m)
}

// ReceiveMessages drains and returns every message currently queued for
// agentID.
func (s *Service) ReceiveMessages(agentID string) []*Message {
	return s.queue.Dequeue(agentID)
}

// QueueSize reports how many messages are currently queued for agentID.
func (s *Service) QueueSize(agentID string) int {
	return s.queue.Size(agentID)
}

// TotalQueueSize reports the sum of every agent's queue size.
func (s *Service) TotalQueueSize() int {
	return s.queue.TotalSize()
}

// Dispatch invokes the handlers registered for m.MessageType in
// registration order and stops at the first one that returns a non-nil
// response or an error; later handlers are not invoked. If a handler
// builds a response,
// the caller MUST transmit it back over the transport the inbound
// message arrived on, with the response's correlation id set to m's
// message id - Dispatch only builds the response, it does not send it.
func (s *Service) Dispatch(ctx context.Context, m *Message) (*Message, error) {
	handlers := s.router.HandlersFor(m.MessageType)
	if len(handlers) == 0 {
		return nil, fmt.Errorf("messaging: %w: no handler for message type %q", ErrNotFound, m.MessageType)
	}

	for _, h := range handlers {
		resp, err := h(m)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			if resp.CorrelationID == "" {
				resp.CorrelationID = m.MessageID
			}
			return resp, nil
		}
	}
	return nil, nil
}

// ResolveCorrelation reports whether correlationID refers to a message
// this service previously sent and is still awaiting a response for.
func (s *Service) ResolveCorrelation(correlationID string) (*Message, bool) {
	return s.router.ResolveCorrelation(correlationID)
}
