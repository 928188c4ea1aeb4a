package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/echo-chamber/internals/metrics"
	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/adityaadpandey/echo-chamber/internals/session"
	"github.com/adityaadpandey/echo-chamber/internals/signaling"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error codes sent to clients in error envelopes.
const (
	CodeAlreadyBound     = "already_bound"
	CodeNotAMember       = "not_a_member"
	CodeTargetNotFound   = "target_not_found"
	CodeUnknownAction    = "unknown_action"
	CodeMalformedPayload = "malformed_payload"
	CodeRateLimited      = "rate_limited"
	CodeRoomFull         = "room_full"
	CodeInternal         = "internal"
)

// Sender delivers one message to one connection without blocking.
type Sender interface {
	Send(connID string, msg signaling.Message) bool
}

// Relay carries room broadcasts to other instances.
type Relay interface {
	PublishToRoom(roomID string, msg signaling.Message) error
	SubscribeToRoom(roomID string) error
	UnsubscribeFromRoom(roomID string)
}

// Mirror records room summaries outside the process.
type Mirror interface {
	SaveRoomSummary(s room.Summary)
	DeleteRoomSummary(roomID string)
}

type Options struct {
	WaveTTL            time.Duration
	DefaultWaveColor   string
	DefaultAvatarColor string
	// PositionBound clamps each position component to [-bound, bound]; 0 disables it.
	PositionBound   float64
	RateLimitPerSec float64
	RateLimitBurst  int
}

func (o Options) withDefaults() Options {
	if o.WaveTTL <= 0 {
		o.WaveTTL = 3 * time.Second
	}
	if o.DefaultWaveColor == "" {
		o.DefaultWaveColor = "#3b82f6"
	}
	if o.DefaultAvatarColor == "" {
		o.DefaultAvatarColor = "#3b82f6"
	}
	if o.RateLimitPerSec > 0 && o.RateLimitBurst <= 0 {
		o.RateLimitBurst = int(o.RateLimitPerSec) + 1
	}
	return o
}

// Router turns inbound client events into room mutations and the
// notifications that follow them. Every mutation and its broadcast run
// inside one Store.Run call for the room.
type Router struct {
	store    *room.Store
	registry *session.Registry
	sender   Sender
	relay    Relay
	mirror   Mirror
	opts     Options
	logger   *zap.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

func New(store *room.Store, registry *session.Registry, sender Sender, opts Options, logger *zap.Logger) *Router {
	r := &Router{
		store:    store,
		registry: registry,
		sender:   sender,
		opts:     opts.withDefaults(),
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	store.OnRoomRetired = r.onRoomRetired
	return r
}

// SetRelay enables cross-instance delivery. Call before serving traffic.
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

// SetMirror enables room summary mirroring. Call before serving traffic.
func (r *Router) SetMirror(mirror Mirror) {
	r.mirror = mirror
}

// HandleConnect greets a newly registered connection.
func (r *Router) HandleConnect(connID string) {
	metrics.ConnectionsTotal.Inc()
	msg, err := r.message(signaling.MessageTypeConnected, connectedPayload{
		ConnectionID: connID,
		Message:      "Connected to Echo Chamber server",
	})
	if err != nil {
		r.logger.Error("Failed to build greeting", zap.Error(err))
		return
	}
	r.send(connID, msg)
	r.logger.Debug("Connection greeted", zap.String("connID", connID))
}

// HandleMessage processes one inbound event. Any failure, including a panic,
// becomes an error reply to connID alone.
func (r *Router) HandleMessage(connID string, msg signaling.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Panic while handling event",
				zap.String("connID", connID),
				zap.String("type", string(msg.Type)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			r.sendError(connID, fmt.Errorf("panic: %v", rec))
		}
	}()

	if !r.allow(connID) {
		r.sendError(connID, ErrRateLimited)
		return
	}

	ev, err := Decode(msg)
	if err != nil {
		r.sendError(connID, err)
		return
	}
	metrics.RecordEvent(string(ev.Kind()))

	if err := r.dispatch(connID, ev); err != nil {
		r.sendError(connID, err)
	}
}

func (r *Router) dispatch(connID string, ev Event) error {
	switch e := ev.(type) {
	case JoinEvent:
		return r.join(connID, e)
	case LeaveEvent:
		return r.leave(connID)
	case UpdatePositionEvent:
		return r.updatePosition(connID, e)
	case SendWaveEvent:
		return r.sendWave(connID, e)
	case PlaybackControlEvent:
		return r.playbackControl(connID, e)
	case SyncPlaybackEvent:
		return r.syncPlayback(connID, e)
	case PingEvent:
		msg, err := r.message(signaling.MessageTypePong, nil)
		if err != nil {
			return err
		}
		r.send(connID, msg)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, ev.Kind())
	}
}

// HandleDisconnect releases everything held by a closed connection. It is
// safe after an explicit leave; the departure is announced once.
func (r *Router) HandleDisconnect(connID string) {
	connectedFor := r.registry.ConnectedFor(connID)
	r.release(connID)
	r.registry.Forget(connID)

	r.limitersMu.Lock()
	delete(r.limiters, connID)
	r.limitersMu.Unlock()

	r.logger.Info("Connection closed",
		zap.String("connID", connID),
		zap.Duration("connected_for", connectedFor),
	)
}

// DeliverRemote fans a broadcast published by another instance out to this
// instance's members of roomID.
func (r *Router) DeliverRemote(roomID string, msg signaling.Message) {
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		r.broadcast(sess, msg, "")
		return nil
	})
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		r.logger.Warn("Failed to deliver relayed message",
			zap.String("roomID", roomID),
			zap.Error(err),
		)
	}
}

func (r *Router) join(connID string, e JoinEvent) error {
	if current, ok := r.registry.RoomOf(connID); ok && current != e.RoomID {
		return fmt.Errorf("%w: in %s", room.ErrAlreadyBound, current)
	}

	attrs := session.Attributes{
		Username:    e.Username,
		AvatarColor: e.AvatarColor,
	}
	if attrs.AvatarColor == "" {
		attrs.AvatarColor = r.opts.DefaultAvatarColor
	}
	if e.Position != nil {
		attrs.Position = r.clamp(*e.Position)
	}

	var announced signaling.Message
	err := r.store.Run(e.RoomID, true, func(sess *room.Session) error {
		p, refreshed, err := r.registry.Attach(sess, connID, e.UserID, attrs)
		if err != nil {
			return err
		}

		joined, err := r.message(signaling.MessageTypeRoomJoined, NewRoomState(sess.View(r.store.Now())))
		if err != nil {
			return err
		}
		if announced, err = r.message(signaling.MessageTypeUserJoined, p); err != nil {
			return err
		}

		r.send(connID, joined)
		r.broadcast(sess, announced, connID)
		r.saveSummary(sess)

		r.logger.Info("User joined room",
			zap.String("connID", connID),
			zap.String("roomID", sess.ID),
			zap.String("userID", p.UserID),
			zap.String("username", p.Username),
			zap.Bool("refreshed", refreshed),
		)
		return nil
	})
	if err != nil {
		return err
	}

	r.updateRoomGauge()
	if r.relay != nil {
		if err := r.relay.SubscribeToRoom(e.RoomID); err != nil {
			r.logger.Warn("Failed to subscribe to room relay",
				zap.String("roomID", e.RoomID),
				zap.Error(err),
			)
		}
	}
	r.publish(e.RoomID, announced)
	return nil
}

func (r *Router) leave(connID string) error {
	if !r.release(connID) {
		return room.ErrNotAMember
	}
	return nil
}

// release unbinds connID and announces its departure. It reports false when
// the connection was not bound, which includes losing a race with another
// release for the same connection.
func (r *Router) release(connID string) bool {
	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return false
	}

	var (
		left     signaling.Message
		released bool
	)
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		p, removed := r.registry.Detach(sess, connID)
		if !removed {
			return nil
		}
		released = true

		var err error
		if left, err = r.message(signaling.MessageTypeUserLeft, userLeftPayload{
			UserID:   p.UserID,
			Username: p.Username,
		}); err != nil {
			return err
		}
		r.broadcast(sess, left, connID)
		if sess.MemberCount() > 0 {
			r.saveSummary(sess)
		}

		r.logger.Info("User left room",
			zap.String("connID", connID),
			zap.String("roomID", roomID),
			zap.String("userID", p.UserID),
			zap.String("username", p.Username),
		)
		return nil
	})
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		r.logger.Error("Failed to release connection",
			zap.String("connID", connID),
			zap.String("roomID", roomID),
			zap.Error(err),
		)
	}
	if !released {
		return false
	}

	r.updateRoomGauge()
	if left.Type != "" {
		r.publish(roomID, left)
	}
	return true
}

func (r *Router) updatePosition(connID string, e UpdatePositionEvent) error {
	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return room.ErrNotAMember
	}

	var out signaling.Message
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		p, err := r.store.UpdatePresence(connID, r.clamp(*e.Position))
		if err != nil {
			return err
		}
		if out, err = r.message(signaling.MessageTypePositionUpdated, positionUpdatedPayload{
			UserID:   p.UserID,
			Position: p.Position,
		}); err != nil {
			return err
		}
		r.broadcast(sess, out, connID)
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(roomID, out)
	return nil
}

func (r *Router) sendWave(connID string, e SendWaveEvent) error {
	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return room.ErrNotAMember
	}

	var out signaling.Message
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		sender, ok := sess.Member(connID)
		if !ok {
			return room.ErrNotAMember
		}
		if !sess.HasUser(e.ToUserID) {
			return fmt.Errorf("%w: %s", room.ErrTargetNotFound, e.ToUserID)
		}

		now := r.store.Now()
		wave := room.SoundWave{
			ID:         uuid.NewString(),
			FromUserID: sender.UserID,
			ToUserID:   e.ToUserID,
			Color:      e.Color,
			Intensity:  1.0,
			Message:    e.Message,
			CreatedAt:  now,
			ExpiresAt:  now.Add(r.opts.WaveTTL),
		}
		if wave.Color == "" {
			wave.Color = r.opts.DefaultWaveColor
		}
		if e.Intensity != nil {
			wave.Intensity = *e.Intensity
		}

		var err error
		if out, err = r.message(signaling.MessageTypeSoundWaveReceived, wave); err != nil {
			return err
		}
		sess.AddWave(wave)
		r.broadcast(sess, out, "")

		r.logger.Debug("Sound wave sent",
			zap.String("roomID", roomID),
			zap.String("from", wave.FromUserID),
			zap.String("to", wave.ToUserID),
		)
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(roomID, out)
	return nil
}

func (r *Router) playbackControl(connID string, e PlaybackControlEvent) error {
	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return room.ErrNotAMember
	}

	var out signaling.Message
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		member, ok := sess.Member(connID)
		if !ok {
			return room.ErrNotAMember
		}

		var (
			msgType signaling.MessageType
			payload any
		)
		switch e.Action {
		case ActionPlayPause:
			pb, err := r.store.UpdatePlayback(roomID, room.TogglePlaying{})
			if err != nil {
				return err
			}
			msgType = signaling.MessageTypeMusicPlayPause
			payload = playPausePayload{
				UserID:   member.UserID,
				Playing:  pb.Playing,
				Position: pb.Position.Seconds(),
			}
		case ActionSkip:
			msgType = signaling.MessageTypeMusicSkip
			payload = skipPayload{UserID: member.UserID}
		case ActionUpdateSong:
			if _, err := r.store.UpdatePlayback(roomID, room.SetTrack{Track: e.SongData}); err != nil {
				return err
			}
			msgType = signaling.MessageTypeSongUpdated
			payload = songUpdatedPayload{SongData: e.SongData, UserID: member.UserID}
		case ActionSeek:
			pb, err := r.store.UpdatePlayback(roomID, room.SetPosition{Position: seconds(*e.Position)})
			if err != nil {
				return err
			}
			msgType = signaling.MessageTypePlaybackSeeked
			payload = seekedPayload{UserID: member.UserID, Position: pb.Position.Seconds()}
		default:
			return fmt.Errorf("%w: music_control %q", ErrUnknownAction, e.Action)
		}

		var err error
		if out, err = r.message(msgType, payload); err != nil {
			return err
		}
		r.broadcast(sess, out, "")
		if e.Action != ActionSkip {
			r.saveSummary(sess)
		}

		r.logger.Info("Music control",
			zap.String("roomID", roomID),
			zap.String("action", string(e.Action)),
			zap.String("userID", member.UserID),
		)
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(roomID, out)
	return nil
}

func (r *Router) syncPlayback(connID string, e SyncPlaybackEvent) error {
	roomID, ok := r.registry.RoomOf(connID)
	if !ok {
		return room.ErrNotAMember
	}

	var out signaling.Message
	err := r.store.Run(roomID, false, func(sess *room.Session) error {
		if _, ok := sess.Member(connID); !ok {
			return room.ErrNotAMember
		}
		pb, err := r.store.UpdatePlayback(roomID, room.SetPosition{Position: seconds(*e.Position)})
		if err != nil {
			return err
		}
		if out, err = r.message(signaling.MessageTypePlaybackSynced, syncedPayload{
			Position:  pb.Position.Seconds(),
			Timestamp: pb.LastSyncedAt,
		}); err != nil {
			return err
		}
		r.broadcast(sess, out, connID)
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(roomID, out)
	return nil
}

// broadcast sends msg to every current member of sess except the given
// connection. Callers hold the room's serial lock.
func (r *Router) broadcast(sess *room.Session, msg signaling.Message, except string) int {
	n := 0
	for _, id := range sess.ConnectionIDs() {
		if id == except {
			continue
		}
		r.send(id, msg)
		n++
	}
	metrics.FanoutSize.Observe(float64(n))
	return n
}

func (r *Router) send(connID string, msg signaling.Message) bool {
	delivered := r.sender.Send(connID, msg)
	metrics.RecordSent(string(msg.Type), delivered)
	if !delivered {
		r.logger.Debug("Message not delivered",
			zap.String("connID", connID),
			zap.String("type", string(msg.Type)),
		)
	}
	return delivered
}

func (r *Router) publish(roomID string, msg signaling.Message) {
	if r.relay == nil {
		return
	}
	if err := r.relay.PublishToRoom(roomID, msg); err != nil {
		r.logger.Warn("Failed to relay room broadcast",
			zap.String("roomID", roomID),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
	}
}

func (r *Router) sendError(connID string, err error) {
	code := ErrorCode(err)
	metrics.RecordError(code)

	text := err.Error()
	if code == CodeInternal {
		text = "internal error"
	}
	r.logger.Debug("Event rejected",
		zap.String("connID", connID),
		zap.String("code", code),
		zap.Error(err),
	)

	msg, mErr := r.message(signaling.MessageTypeError, signaling.ErrorMessage{Code: code, Message: text})
	if mErr != nil {
		return
	}
	r.send(connID, msg)
}

// ErrorCode classifies err into the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrAlreadyBound):
		return CodeAlreadyBound
	case errors.Is(err, room.ErrNotAMember), errors.Is(err, room.ErrRoomNotFound):
		return CodeNotAMember
	case errors.Is(err, room.ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.Is(err, room.ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrUnknownAction):
		return CodeUnknownAction
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

func (r *Router) allow(connID string) bool {
	if r.opts.RateLimitPerSec <= 0 {
		return true
	}

	r.limitersMu.Lock()
	limiter, ok := r.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(r.opts.RateLimitPerSec), r.opts.RateLimitBurst)
		r.limiters[connID] = limiter
	}
	r.limitersMu.Unlock()

	return limiter.Allow()
}

func (r *Router) clamp(p room.Position) room.Position {
	b := r.opts.PositionBound
	if b <= 0 {
		return p
	}
	c := func(v float64) float64 {
		if v > b {
			return b
		}
		if v < -b {
			return -b
		}
		return v
	}
	return room.Position{X: c(p.X), Y: c(p.Y), Z: c(p.Z)}
}

func (r *Router) saveSummary(sess *room.Session) {
	if r.mirror != nil {
		r.mirror.SaveRoomSummary(sess.Summary())
	}
}

// onRoomRetired runs with the retired room's serial lock held.
func (r *Router) onRoomRetired(roomID string) {
	metrics.RoomsTornDownTotal.Inc()
	if r.mirror != nil {
		r.mirror.DeleteRoomSummary(roomID)
	}
	if r.relay != nil {
		r.relay.UnsubscribeFromRoom(roomID)
	}
}

func (r *Router) updateRoomGauge() {
	rooms, _ := r.store.Stats()
	metrics.ActiveRooms.Set(float64(rooms))
}

func (r *Router) message(t signaling.MessageType, payload any) (signaling.Message, error) {
	return signaling.NewMessage(t, payload, r.store.Now())
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

type connectedPayload struct {
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// RoomState is the full room description sent to a joining client.
type RoomState struct {
	RoomID           string           `json:"room_id"`
	Users            []room.Presence  `json:"users"`
	CurrentSong      json.RawMessage  `json:"current_song"`
	PlaybackPosition float64          `json:"playback_position"`
	IsPlaying        bool             `json:"is_playing"`
	Waves            []room.SoundWave `json:"waves"`
}

func NewRoomState(v room.View) RoomState {
	if v.Members == nil {
		v.Members = []room.Presence{}
	}
	if v.Waves == nil {
		v.Waves = []room.SoundWave{}
	}
	p := RoomState{
		RoomID:           v.RoomID,
		Users:            v.Members,
		PlaybackPosition: v.Position.Seconds(),
		IsPlaying:        v.Playback.Playing,
		Waves:            v.Waves,
	}
	if v.Playback.HasTrack() {
		p.CurrentSong = v.Playback.Track
	}
	return p
}

type userLeftPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

type positionUpdatedPayload struct {
	UserID   string        `json:"user_id"`
	Position room.Position `json:"position"`
}

type playPausePayload struct {
	UserID   string  `json:"user_id"`
	Playing  bool    `json:"playing"`
	Position float64 `json:"position"`
}

type skipPayload struct {
	UserID string `json:"user_id"`
}

type songUpdatedPayload struct {
	SongData json.RawMessage `json:"song_data"`
	UserID   string          `json:"user_id"`
}

type seekedPayload struct {
	UserID   string  `json:"user_id"`
	Position float64 `json:"position"`
}

type syncedPayload struct {
	Position  float64   `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}
