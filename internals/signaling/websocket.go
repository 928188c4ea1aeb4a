package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type MessageType string

// Inbound
const (
	MessageTypeJoinRoom       MessageType = "join_room"
	MessageTypeLeaveRoom      MessageType = "leave_room"
	MessageTypeUpdatePosition MessageType = "update_position"
	MessageTypeSendSoundWave  MessageType = "send_sound_wave"
	MessageTypeMusicControl   MessageType = "music_control"
	MessageTypeSyncPlayback   MessageType = "sync_playback"
	MessageTypePing           MessageType = "ping"
)

// Outbound
const (
	MessageTypeConnected         MessageType = "connected"
	MessageTypeRoomJoined        MessageType = "room_joined"
	MessageTypeUserJoined        MessageType = "user_joined"
	MessageTypeUserLeft          MessageType = "user_left"
	MessageTypePositionUpdated   MessageType = "position_updated"
	MessageTypeSoundWaveReceived MessageType = "sound_wave_received"
	MessageTypeMusicPlayPause    MessageType = "music_play_pause"
	MessageTypeMusicSkip         MessageType = "music_skip"
	MessageTypeSongUpdated       MessageType = "song_updated"
	MessageTypePlaybackSeeked    MessageType = "playback_seeked"
	MessageTypePlaybackSynced    MessageType = "playback_synced"
	MessageTypePong              MessageType = "pong"
	MessageTypeError             MessageType = "error"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage marshals payload into a timestamped envelope.
func NewMessage(msgType MessageType, payload interface{}, now time.Time) (Message, error) {
	msg := Message{Type: msgType, Timestamp: now}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Data = data
	return msg, nil
}

type ClientOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = (o.PongTimeout * 9) / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan Message

	ConnectedAt time.Time

	opts      ClientOptions
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

func NewClient(id string, conn *websocket.Conn, opts ClientOptions, logger *zap.Logger) *Client {
	opts = opts.withDefaults()
	return &Client{
		ID:          id,
		Conn:        conn,
		Send:        make(chan Message, opts.SendBuffer),
		ConnectedAt: time.Now(),
		opts:        opts,
		logger:      logger.With(zap.String("connID", id)),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

// ReadPump decodes inbound frames until the connection fails. A frame that
// is not a JSON envelope is still handed to OnMessage with an empty type so
// the sender gets an error reply instead of being dropped.
func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.closeSend()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.opts.ReadLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.logger.Debug("Undecodable frame", zap.Error(err))
			message = Message{}
		}
		message.From = c.ID
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) SendMessage(message Message) (delivered bool) {
	if c.closed.Load() {
		return false
	}
	defer func() {
		// closeSend may win the race after the check above
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case c.Send <- message:
		return true
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("type", string(message.Type)),
		)
		return false
	}
}

// Close stops both pumps; ReadPump reports the disconnect.
func (c *Client) Close() error {
	return c.Conn.Close()
}
