package mirror

import (
	"context"
	"errors"

	"github.com/example/service-matching/internal/dispatch"
)

// Pusher delivers a value to a connected provider.
type Pusher interface {
	Push(providerID string, v any) error
}

// WSMirror forwards incoming-request documents to providers connected over a
// websocket. Providers without a live session are skipped; they read the
// document from the durable mirror when they reconnect.
type WSMirror struct {
	Pusher Pusher
}

type wsDocument struct {
	Type       string            `json:"type"`
	DocumentID string            `json:"document_id"`
	Fields     map[string]string `json:"fields"`
}

func (w *WSMirror) UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error {
	providerKey, ok := ProviderFromPath(collectionPath)
	if !ok {
		return nil
	}
	err := w.Pusher.Push(providerKey, wsDocument{Type: "incoming_request", DocumentID: documentID, Fields: fields})
	if errors.Is(err, dispatch.ErrNoSession) {
		return nil
	}
	return err
}
