package state

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/metrics"
	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const writeQueueSize = 1024

// RoomSummary is the mirrored description of a room on one instance.
type RoomSummary struct {
	room.Summary
	InstanceID string    `json:"instance_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type write struct {
	roomID string
	data   []byte // nil deletes
}

// Manager mirrors room summaries into Redis so that any instance can list
// the rooms of every other. The local map answers reads for this instance;
// Redis writes go through a single queue to keep their order.
type Manager struct {
	local      *sync.Map // roomID -> RoomSummary
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *zap.Logger

	writes  chan write
	pending sync.WaitGroup
	done    chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewManager creates a new state manager with Redis connection
func NewManager(redisAddr, redisPassword string, redisDB int, ttl time.Duration, instanceID string, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Redis connection established",
		zap.String("addr", redisAddr),
		zap.Int("db", redisDB),
	)

	return NewManagerFromClient(client, ttl, instanceID, logger), nil
}

// NewManagerFromClient wraps an already configured client.
func NewManagerFromClient(client *redis.Client, ttl time.Duration, instanceID string, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		local:      &sync.Map{},
		redis:      client,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
		writes:     make(chan write, writeQueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go m.writeLoop()
	return m
}

// SaveRoomSummary records s locally and queues it for Redis. It never blocks.
func (m *Manager) SaveRoomSummary(s room.Summary) {
	rs := RoomSummary{Summary: s, InstanceID: m.instanceID, UpdatedAt: time.Now()}
	m.local.Store(s.RoomID, rs)
	m.persist(rs)
}

func (m *Manager) persist(rs RoomSummary) {
	data, err := json.Marshal(rs)
	if err != nil {
		m.logger.Error("Failed to marshal room summary",
			zap.String("room_id", rs.RoomID),
			zap.Error(err),
		)
		return
	}
	m.enqueue(write{roomID: rs.RoomID, data: data})
}

// DeleteRoomSummary forgets a retired room locally and in Redis.
func (m *Manager) DeleteRoomSummary(roomID string) {
	m.local.Delete(roomID)
	m.enqueue(write{roomID: roomID})
}

func (m *Manager) enqueue(w write) {
	select {
	case <-m.done:
		return
	default:
	}

	m.pending.Add(1)
	select {
	case m.writes <- w:
	default:
		m.pending.Done()
		metrics.RedisErrorsTotal.Inc()
		m.logger.Warn("Room summary write queue full, dropping update",
			zap.String("room_id", w.roomID),
		)
	}
}

func (m *Manager) writeLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case w := <-m.writes:
			m.apply(w)
			m.pending.Done()
		}
	}
}

func (m *Manager) apply(w write) {
	// drop a SET for a room deleted since it was queued
	if w.data != nil {
		if _, live := m.local.Load(w.roomID); !live {
			return
		}
	}

	key := RoomSummaryKey(w.roomID, m.instanceID)
	start := time.Now()

	var err error
	if w.data == nil {
		err = m.redis.Del(m.ctx, key).Err()
	} else {
		err = m.redis.Set(m.ctx, key, w.data, m.ttl).Err()
	}

	metrics.RedisLatencyMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RedisErrorsTotal.Inc()
		m.logger.Error("Failed to persist room summary to Redis",
			zap.String("room_id", w.roomID),
			zap.Bool("delete", w.data == nil),
			zap.Error(err),
		)
	}
}

// Flush waits until every queued write has reached Redis.
func (m *Manager) Flush() {
	m.pending.Wait()
}

// Refresh rewrites every local summary so that long-lived rooms do not
// expire from the mirror.
func (m *Manager) Refresh() int {
	refreshed := 0
	m.local.Range(func(key, value any) bool {
		next := value.(RoomSummary)
		next.UpdatedAt = time.Now()
		// skip rooms updated or deleted since Range read them
		if m.local.CompareAndSwap(key, value, next) {
			m.persist(next)
			refreshed++
		}
		return true
	})
	return refreshed
}

// RunRefresher calls Refresh every interval until ctx ends.
func (m *Manager) RunRefresher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := m.Refresh()
			m.logger.Debug("Room summaries refreshed", zap.Int("rooms", n))
		}
	}
}

// LocalSummaries returns this instance's view without touching Redis.
func (m *Manager) LocalSummaries() []RoomSummary {
	var out []RoomSummary
	m.local.Range(func(_, value any) bool {
		out = append(out, value.(RoomSummary))
		return true
	})
	sortSummaries(out)
	return out
}

// GetRoomSummary reads this instance's mirrored summary of roomID.
func (m *Manager) GetRoomSummary(ctx context.Context, roomID string) (*RoomSummary, error) {
	return m.get(ctx, RoomSummaryKey(roomID, m.instanceID))
}

func (m *Manager) get(ctx context.Context, key string) (*RoomSummary, error) {
	data, err := m.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		metrics.RedisErrorsTotal.Inc()
		return nil, err
	}

	var rs RoomSummary
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// ListRoomSummaries returns the summaries written by every instance.
func (m *Manager) ListRoomSummaries(ctx context.Context) ([]RoomSummary, error) {
	var (
		out    []RoomSummary
		cursor uint64
	)
	for {
		keys, next, err := m.redis.Scan(ctx, cursor, RoomSummaryPattern(), 100).Result()
		if err != nil {
			metrics.RedisErrorsTotal.Inc()
			return nil, err
		}

		for _, key := range keys {
			rs, err := m.get(ctx, key)
			if err != nil {
				return nil, err
			}
			// expired between SCAN and GET
			if rs == nil {
				continue
			}
			out = append(out, *rs)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sortSummaries(out)
	return out, nil
}

func sortSummaries(s []RoomSummary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].RoomID != s[j].RoomID {
			return s[i].RoomID < s[j].RoomID
		}
		return s[i].InstanceID < s[j].InstanceID
	})
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Client exposes the Redis client for the pub/sub relay.
func (m *Manager) Client() *redis.Client {
	return m.redis
}

// Close drains queued writes and closes the Redis connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		m.Flush()
		m.cancel()
		err = m.redis.Close()
		m.logger.Info("State manager closed")
	})
	return err
}
