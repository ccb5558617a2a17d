package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "dmchat:presence:"
	natsSubjectBase = "presence.event."
)

// Mirror receives registry changes so processes other than the gateway can
// observe who is online. Mirrors are best effort and never consulted by the
// relay itself.
type Mirror interface {
	Online(ctx context.Context, user, conn string) error
	Offline(ctx context.Context, user string) error
}

// Mirrors fans a change out to several mirrors and joins their errors.
type Mirrors []Mirror

func (m Mirrors) Online(ctx context.Context, user, conn string) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.Online(ctx, user, conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Mirrors) Offline(ctx context.Context, user string) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.Offline(ctx, user); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type redisCmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisMirror stores user -> connection keys with a TTL. Online must be
// called again before the TTL lapses to keep a user listed.
type RedisMirror struct {
	rdb redisCmdable
	ttl time.Duration
}

func NewRedisMirror(rdb redisCmdable, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func presenceKey(user string) string { return redisKeyPrefix + user }

func (m *RedisMirror) Online(ctx context.Context, user, conn string) error {
	if err := m.rdb.Set(ctx, presenceKey(user), conn, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set presence: %w", err)
	}
	return nil
}

func (m *RedisMirror) Offline(ctx context.Context, user string) error {
	if err := m.rdb.Del(ctx, presenceKey(user)).Err(); err != nil {
		return fmt.Errorf("redis del presence: %w", err)
	}
	return nil
}

// Lookup returns the connection a user is mirrored on.
func (m *RedisMirror) Lookup(ctx context.Context, user string) (string, bool, error) {
	conn, err := m.rdb.Get(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get presence: %w", err)
	}
	return conn, true, nil
}

type publisher interface {
	Publish(subj string, data []byte) error
}

type Event struct {
	UserId    string    `json:"user_id"`
	ConnId    string    `json:"conn_id,omitempty"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// NatsMirror publishes presence events on presence.event.online and
// presence.event.offline.
type NatsMirror struct {
	nc publisher
}

func NewNatsMirror(nc publisher) *NatsMirror {
	return &NatsMirror{nc: nc}
}

func DialNats(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("dmchat-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

func (m *NatsMirror) Online(_ context.Context, user, conn string) error {
	return m.publish("online", Event{UserId: user, ConnId: conn, Online: true, Timestamp: time.Now().UTC()})
}

func (m *NatsMirror) Offline(_ context.Context, user string) error {
	return m.publish("offline", Event{UserId: user, Online: false, Timestamp: time.Now().UTC()})
}

func (m *NatsMirror) publish(state string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	if err := m.nc.Publish(natsSubjectBase+state, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
