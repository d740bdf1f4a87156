package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultWriteTimeout bounds one mirror write.
const DefaultWriteTimeout = 5 * time.Second

// RedisMirror stores each document as a hash at "<collection>/<id>" and
// publishes the change on "mirror:<collection>" for live listeners.
type RedisMirror struct {
	client  redis.UniversalClient
	ttl     time.Duration
	timeout time.Duration
}

func NewRedisMirror(client redis.UniversalClient, ttl, timeout time.Duration) *RedisMirror {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &RedisMirror{client: client, ttl: ttl, timeout: timeout}
}

type changeEvent struct {
	Collection string            `json:"collection"`
	DocumentID string            `json:"document_id"`
	Fields     map[string]string `json:"fields"`
}

func (r *RedisMirror) UpsertDocument(ctx context.Context, collectionPath, documentID string, fields map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := collectionPath + "/" + documentID
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	event, err := json.Marshal(changeEvent{Collection: collectionPath, DocumentID: documentID, Fields: fields})
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, values)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		p.Publish(ctx, ChannelFor(collectionPath), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror write %s: %w", key, err)
	}
	return nil
}

// ChannelFor is the pub/sub channel carrying changes for a collection.
func ChannelFor(collectionPath string) string { return "mirror:" + collectionPath }
