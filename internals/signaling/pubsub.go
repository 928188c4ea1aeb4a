package signaling

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel prefixes for Redis pub/sub
const (
	RoomChannelPrefix = "echo:room:"
)

// PubSubMessage wraps a room broadcast with its origin instance.
type PubSubMessage struct {
	InstanceID string  `json:"instance_id"`
	RoomID     string  `json:"room_id"`
	Message    Message `json:"message"`
}

// PubSubManager relays room broadcasts between instances. Room state stays
// local to each instance; only the outbound notifications travel.
type PubSubManager struct {
	redis      *redis.Client
	instanceID string
	logger     *zap.Logger

	// OnRemoteMessage receives broadcasts published by other instances.
	OnRemoteMessage func(roomID string, msg Message)

	mu   sync.RWMutex
	subs map[string]*redis.PubSub // roomID -> subscription

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPubSubManager(redisClient *redis.Client, instanceID string, logger *zap.Logger) *PubSubManager {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &PubSubManager{
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]*redis.PubSub),
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("PubSub manager initialized",
		zap.String("instance_id", pm.instanceID),
	)

	return pm
}

// InstanceID identifies this process among instances sharing a Redis.
func InstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func RoomChannel(roomID string) string {
	return RoomChannelPrefix + roomID
}

// PublishToRoom publishes a room broadcast for other instances.
func (p *PubSubManager) PublishToRoom(roomID string, msg Message) error {
	data, err := json.Marshal(PubSubMessage{
		InstanceID: p.instanceID,
		RoomID:     roomID,
		Message:    msg,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.redis.Publish(p.ctx, RoomChannel(roomID), data).Err()
	metrics.RedisLatencyMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RedisErrorsTotal.Inc()
		p.logger.Warn("Failed to publish to Redis",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordRelay(true)
	return nil
}

// SubscribeToRoom starts listening to a room's channel. It returns once the
// subscription is confirmed by the server.
func (p *PubSubManager) SubscribeToRoom(roomID string) error {
	p.mu.Lock()
	if _, exists := p.subs[roomID]; exists {
		p.mu.Unlock()
		return nil
	}

	sub := p.redis.Subscribe(p.ctx, RoomChannel(roomID))
	p.subs[roomID] = sub
	p.mu.Unlock()

	if _, err := sub.Receive(p.ctx); err != nil {
		p.UnsubscribeFromRoom(roomID)
		metrics.RedisErrorsTotal.Inc()
		return err
	}

	p.logger.Debug("Subscribed to room channel", zap.String("room_id", roomID))

	go p.listenToChannel(roomID, sub)
	return nil
}

func (p *PubSubManager) UnsubscribeFromRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subs[roomID]
	if !exists {
		return
	}

	if err := sub.Close(); err != nil {
		p.logger.Warn("Error closing subscription",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
	}

	delete(p.subs, roomID)
	p.logger.Debug("Unsubscribed from room channel", zap.String("room_id", roomID))
}

func (p *PubSubManager) listenToChannel(roomID string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.handlePubSubMessage(roomID, msg)
		}
	}
}

func (p *PubSubManager) handlePubSubMessage(roomID string, redisMsg *redis.Message) {
	var pubMsg PubSubMessage
	if err := json.Unmarshal([]byte(redisMsg.Payload), &pubMsg); err != nil {
		p.logger.Warn("Failed to unmarshal pub/sub message",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	// Ignore our own broadcasts, they were delivered locally
	if pubMsg.InstanceID == p.instanceID {
		return
	}

	metrics.RecordRelay(false)
	p.logger.Debug("Received cross-instance message",
		zap.String("room_id", roomID),
		zap.String("from_instance", pubMsg.InstanceID),
		zap.String("type", string(pubMsg.Message.Type)),
	)

	if p.OnRemoteMessage != nil {
		p.OnRemoteMessage(roomID, pubMsg.Message)
	}
}

func (p *PubSubManager) GetInstanceID() string {
	return p.instanceID
}

func (p *PubSubManager) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for roomID, sub := range p.subs {
		if err := sub.Close(); err != nil {
			p.logger.Warn("Error closing subscription during shutdown",
				zap.String("room_id", roomID),
				zap.Error(err),
			)
		}
	}

	p.subs = make(map[string]*redis.PubSub)
	p.logger.Info("PubSub manager closed")

	return nil
}
