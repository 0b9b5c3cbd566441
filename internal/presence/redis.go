package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// keyTTL bounds how long a session key survives if the server dies without
// removing it.
const keyTTL = 24 * time.Hour

type redisTracker struct {
	client *redis.Client
	log    logrus.FieldLogger
}

// NewRedis returns a tracker that stores one key per live session in Redis.
// The connection is verified with a ping before the tracker is returned.
func NewRedis(addr, password string, db int, log logrus.FieldLogger) (Tracker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisTracker{client: client, log: log}, nil
}

func sessionKey(id uint64) string {
	return "session:" + strconv.FormatUint(id, 10)
}

func (t *redisTracker) Connected(ctx context.Context, s Session) {
	data, err := json.Marshal(s)
	if err != nil {
		t.log.WithError(err).Error("presence: marshal session")
		return
	}
	if err := t.client.Set(ctx, sessionKey(s.ID), data, keyTTL).Err(); err != nil {
		t.log.WithError(err).WithField("conn", s.ID).Error("presence: record connect")
	}
}

func (t *redisTracker) Disconnected(ctx context.Context, id uint64) {
	if err := t.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		t.log.WithError(err).WithField("conn", id).Error("presence: record disconnect")
	}
}

func (t *redisTracker) Close() error {
	return t.client.Close()
}
