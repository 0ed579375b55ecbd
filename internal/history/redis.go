package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/messages"
	"github.com/relyce/chatstream/pkg/logger"
)

const keyPrefix = "chat:"

// RedisStore keeps each session as a JSON list with a pub/sub channel that
// announces appends. Subscribers re-read the list on every announcement.
type RedisStore struct {
	client *redis.Client
	limit  int
	log    zerolog.Logger
}

func NewRedisStore(client *redis.Client, limit int) *RedisStore {
	return &RedisStore{
		client: client,
		limit:  limit,
		log:    logger.With(logger.HISTORY),
	}
}

// OpenRedis connects to addr, which is either host:port or a redis:// URL,
// and checks the connection.
func OpenRedis(ctx context.Context, addr, password string, limit int) (*RedisStore, error) {
	log := logger.With(logger.HISTORY)
	if addr == "" {
		log.Warn().Msg("Redis URL not configured - using in-memory history")
		return nil, ErrInvalidConfig
	}

	opts := &redis.Options{Addr: addr, Password: password, DB: 0}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Str("addr", opts.Addr).Msg("Failed to establish Redis connection")
		client.Close()
		return nil, fmt.Errorf("history: connecting to redis: %w", err)
	}

	return NewRedisStore(client, limit), nil
}

func (s *RedisStore) Subscribe(ctx context.Context, userID, sessionID string, fn UpdateFunc) (func(), error) {
	pubsub := s.client.Subscribe(ctx, s.channel(userID, sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("history: subscribing: %w", err)
	}

	current, err := s.load(ctx, userID, sessionID)
	if err != nil {
		pubsub.Close()
		return nil, err
	}
	fn(current)

	subCtx, cancel := context.WithCancel(context.Background())
	updates := pubsub.Channel()
	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				list, err := s.load(subCtx, userID, sessionID)
				if err != nil {
					if subCtx.Err() != nil {
						return
					}
					s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to reload history")
					continue
				}
				fn(list)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			pubsub.Close()
		})
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, userID, sessionID string, msg messages.Message) (string, error) {
	msg = persisted(msg)
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.messagesKey(userID, sessionID), data)
		pipe.Publish(ctx, s.channel(userID, sessionID), msg.ID)
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("session_id", sessionID).Msg("Critical Redis append failed")
		return "", fmt.Errorf("history: appending message: %w", err)
	}
	return msg.ID, nil
}

func (s *RedisStore) EnsureSessionName(ctx context.Context, userID, sessionID, title string) (bool, error) {
	key := s.metaKey(userID, sessionID)
	renamed := false

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		name, err := tx.HGet(ctx, key, "name").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if name != "" && name != DefaultSessionName {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "name", title)
			return nil
		})
		renamed = err == nil
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Renamed concurrently by someone else.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("history: renaming session: %w", err)
	}
	return renamed, nil
}

func (s *RedisStore) SessionName(ctx context.Context, userID, sessionID string) (string, error) {
	name, err := s.client.HGet(ctx, s.metaKey(userID, sessionID), "name").Result()
	if err == redis.Nil || (err == nil && name == "") {
		return DefaultSessionName, nil
	}
	if err != nil {
		return "", err
	}
	return name, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) load(ctx context.Context, userID, sessionID string) ([]messages.Message, error) {
	start := int64(0)
	if s.limit > 0 {
		start = int64(-s.limit)
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(userID, sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history: loading messages: %w", err)
	}

	list := make([]messages.Message, 0, len(raw))
	for _, item := range raw {
		var m messages.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID).Msg("Skipping unreadable history entry")
			continue
		}
		list = append(list, m)
	}
	return list, nil
}

func (s *RedisStore) base(userID, sessionID string) string {
	return keyPrefix + userID + ":" + sessionID
}

func (s *RedisStore) messagesKey(userID, sessionID string) string {
	return s.base(userID, sessionID) + ":messages"
}

func (s *RedisStore) metaKey(userID, sessionID string) string {
	return s.base(userID, sessionID) + ":meta"
}

func (s *RedisStore) channel(userID, sessionID string) string {
	return s.base(userID, sessionID) + ":updates"
}
