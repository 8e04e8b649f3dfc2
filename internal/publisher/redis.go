package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/model"
)

// Redis keys and channels used by RedisPublisher.
const (
	PositionKey     = "hedge:position:latest"
	PositionChannel = "hedge:position"
	AlertChannel    = "hedge:alerts:lost"
)

// RedisPublisher stores the latest snapshot under a key and publishes every
// event on a pub/sub channel.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

// NewRedisPublisher creates a publisher over rdb.
func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) PublishPosition(ctx context.Context, snap model.PositionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	pipe := p.rdb.TxPipeline()
	pipe.Set(ctx, PositionKey, data, 0)
	pipe.Publish(ctx, PositionChannel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish position: %w", err)
	}
	return nil
}

func (p *RedisPublisher) PublishAlert(ctx context.Context, alert model.LostRecordAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, AlertChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish alert: %w", err)
	}
	return nil
}

// LatestPosition reads the snapshot stored by the last PublishPosition.
func (p *RedisPublisher) LatestPosition(ctx context.Context) (model.PositionSnapshot, error) {
	var snap model.PositionSnapshot
	data, err := p.rdb.Get(ctx, PositionKey).Bytes()
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(data, &snap)
	return snap, err
}
