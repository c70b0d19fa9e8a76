package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Dhoot/fluidrelay/pkg/protocol"
)

// RedisRegistry stores client membership in a Redis hash per document, so
// presence is shared across gateway instances and survives restarts.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

var _ ClientRegistry = (*RedisRegistry)(nil)

func redisDocKey(tenantID, documentID string) string {
	return "doc:" + tenantID + "/" + documentID + ":clients"
}

func (r *RedisRegistry) GetClients(ctx context.Context, tenantID, documentID string) ([]protocol.SignalClient, error) {
	entries, err := r.client.HGetAll(ctx, redisDocKey(tenantID, documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]protocol.SignalClient, 0, len(entries))
	for clientID, raw := range entries {
		var desc protocol.ClientDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err != nil {
			return nil, fmt.Errorf("decoding client %q: %w", clientID, err)
		}
		out = append(out, protocol.SignalClient{ClientID: clientID, Client: desc})
	}
	return out, nil
}

func (r *RedisRegistry) AddClient(ctx context.Context, tenantID, documentID, clientID string, client protocol.ClientDescriptor) error {
	raw, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("encoding client descriptor: %w", err)
	}
	if err := r.client.HSet(ctx, redisDocKey(tenantID, documentID), clientID, raw).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

func (r *RedisRegistry) RemoveClient(ctx context.Context, tenantID, documentID, clientID string) error {
	if err := r.client.HDel(ctx, redisDocKey(tenantID, documentID), clientID).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}
