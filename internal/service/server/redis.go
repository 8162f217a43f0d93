package server

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"roomcrypt/internal/model"
	"roomcrypt/internal/utils/log"
)

func (c *HttpServer) GetMessagesFromCache(ctx context.Context, to string) ([]*model.RelayMessage, error) {
	key := fmt.Sprintf("to: %s", to)
	vals, err := c.redisService.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	// Messages were read; a failed delete only means they may be replayed.
	if err := c.redisService.Del(ctx, key); err != nil {
		log.Warn("delete drained queue failed", zap.String("key", key), zap.Error(err))
	}

	var res []*model.RelayMessage
	for _, v := range vals {
		var m model.RelayMessage
		err := json.Unmarshal([]byte(v), &m)
		if err != nil {
			return nil, err
		}

		res = append(res, &m)
	}

	return res, nil
}

func (c *HttpServer) PutMessagesToCache(ctx context.Context, to string, messages []*model.RelayMessage) error {
	key := fmt.Sprintf("to: %s", to)
	var vals []interface{}
	for _, m := range messages {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal cached message: %w", err)
		}
		vals = append(vals, data)
	}

	return c.redisService.RPush(ctx, key, vals)
}
