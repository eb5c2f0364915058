// Package chat sends CHAT frames and, on the relay, re-addresses "TO:" payloads to their target
// connection as "FROM:" payloads.
package chat

import (
	"strings"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/sessamekesh/spanreed-relay/pkg/events"
	"github.com/sessamekesh/spanreed-relay/pkg/message/chattext"
	"github.com/sessamekesh/spanreed-relay/pkg/message/frame"
	"go.uber.org/zap"
)

type Sender interface {
	Send(connectionId string, data []byte) error
}

// Message is the Data of a chat MESSAGE_RECEIVED event.
type Message struct {
	// Source is the connection the frame arrived on.
	Source string `json:"source"`
	// Sender is the originating peer: the FROM: id when present, otherwise Source.
	Sender        string `json:"sender"`
	Text          string `json:"text"`
	CorrelationId uint32 `json:"correlationId"`
}

type RouterParams struct {
	Sender      Sender
	Publisher   events.Publisher
	Correlation *frame.CorrelationSource
	Logger      *zap.Logger
}

type Router struct {
	sender      Sender
	publisher   events.Publisher
	correlation *frame.CorrelationSource
	log         *zap.Logger
}

func CreateRouter(params RouterParams) (*Router, error) {
	if params.Sender == nil {
		return nil, &errors.MissingFieldError{MessageName: "RouterParams", FieldName: "Sender"}
	}
	if params.Publisher == nil {
		return nil, &errors.MissingFieldError{MessageName: "RouterParams", FieldName: "Publisher"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	correlation := params.Correlation
	if correlation == nil {
		correlation = &frame.CorrelationSource{}
	}

	return &Router{
		sender:      params.Sender,
		publisher:   params.Publisher,
		correlation: correlation,
		log:         logger.With(zap.String("handler", "ChatRouter")),
	}, nil
}

// Send emits one CHAT frame on connectionId. With a peerAddress the text is addressed "TO:<peer>" for the
// relay to forward; without one, a non-empty senderId produces an already-forwarded "FROM:<sender>"
// payload (the relay talking to a client directly), and an empty senderId sends the bare text.
func (r *Router) Send(connectionId, text, senderId, peerAddress string) (uint32, error) {
	var payload string
	switch {
	case peerAddress != "":
		payload = chattext.Address(peerAddress, text)
	case senderId != "":
		payload = chattext.From(senderId, chattext.Encode(text))
	default:
		payload = text
	}

	correlationId := r.correlation.Next()
	if err := r.sender.Send(connectionId, frame.Encode(frame.KindChat, correlationId, []byte(payload))); err != nil {
		return 0, err
	}

	r.log.Debug("Sent chat message",
		zap.String("connectionId", connectionId),
		zap.String("peerAddress", peerAddress),
		zap.Uint32("correlationId", correlationId))
	return correlationId, nil
}

// SendFrom delivers text to a client as if the relay had forwarded it from senderId.
func (r *Router) SendFrom(connectionId, senderId, text string) error {
	_, err := r.Send(connectionId, text, senderId, "")
	return err
}

// HandleRelay forwards "TO:" payloads to their target and delivers anything else to the local operator.
func (r *Router) HandleRelay(source string, f *frame.Frame) {
	text := string(f.Payload)
	if !strings.HasPrefix(text, chattext.ToPrefix) {
		r.publish(Message{Source: source, Sender: source, Text: text, CorrelationId: f.Header.CorrelationId})
		return
	}

	target, encoded, err := chattext.ParseTo(text)
	if err != nil {
		r.log.Warn("Dropping malformed chat address", zap.String("source", source), zap.Error(err))
		return
	}

	rewritten := []byte(chattext.From(source, encoded))
	if err := r.sender.Send(target, frame.Encode(frame.KindChat, f.Header.CorrelationId, rewritten)); err != nil {
		r.log.Warn("Failed to forward chat message",
			zap.String("source", source),
			zap.String("target", target),
			zap.Uint32("correlationId", f.Header.CorrelationId),
			zap.Error(err))
		return
	}

	r.log.Debug("Forwarded chat message", zap.String("source", source), zap.String("target", target))
}

// HandleClient unwraps "FROM:" payloads; other text is taken as already-addressed content from source.
func (r *Router) HandleClient(source string, f *frame.Frame) {
	text := string(f.Payload)
	if !strings.HasPrefix(text, chattext.FromPrefix) {
		r.publish(Message{Source: source, Sender: source, Text: text, CorrelationId: f.Header.CorrelationId})
		return
	}

	sender, decoded, err := chattext.ParseFrom(text)
	if err != nil {
		r.log.Warn("Dropping undecodable chat message", zap.String("source", source), zap.Error(err))
		return
	}

	r.publish(Message{Source: source, Sender: sender, Text: decoded, CorrelationId: f.Header.CorrelationId})
}

func (r *Router) publish(msg Message) {
	r.publisher.Publish(events.Event{
		Type:   events.MessageReceived,
		Data:   msg,
		Source: msg.Source,
	})
}
