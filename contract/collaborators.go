//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=../mocks/mock_collaborators.go -package=mocks
package contract

import (
	"chat-core/domain"
	"chat-core/domain/event"
	"context"
)

type IBus interface {
	Publish(ctx context.Context, env event.Envelope) error
}

type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, env event.Envelope)
}

type IAttachmentStore interface {
	Store(ctx context.Context, data []byte, name string) (domain.Attachment, error)
}

type BotResponder interface {
	Respond(ctx context.Context, msg domain.Message) (string, bool)
}

type Authenticator interface {
	Authenticate(token string) (domain.Identity, error)
}
