package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/adityaadpandey/echo-chamber/internals/room"
	"github.com/adityaadpandey/echo-chamber/internals/signaling"
	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrRateLimited      = errors.New("rate limited")
)

// Event is one decoded inbound client event. The set of implementations is
// closed; dispatch switches over the concrete types.
type Event interface {
	Kind() signaling.MessageType
	isEvent()
}

type JoinEvent struct {
	RoomID      string         `json:"room_id" validate:"required"`
	UserID      string         `json:"user_id" validate:"required"`
	Username    string         `json:"username" validate:"required"`
	AvatarColor string         `json:"avatar_color"`
	Position    *room.Position `json:"position"`
}

type LeaveEvent struct{}

type UpdatePositionEvent struct {
	Position *room.Position `json:"position" validate:"required"`
}

type SendWaveEvent struct {
	ToUserID  string   `json:"to_user_id" validate:"required"`
	Color     string   `json:"color"`
	Intensity *float64 `json:"intensity" validate:"omitempty,gte=0"`
	Message   string   `json:"message"`
}

type PlaybackAction string

const (
	ActionPlayPause  PlaybackAction = "play_pause"
	ActionSkip       PlaybackAction = "skip"
	ActionUpdateSong PlaybackAction = "update_song"
	ActionSeek       PlaybackAction = "seek"
)

// MaxPositionSeconds bounds client playback positions so they convert to a
// time.Duration without overflowing.
const MaxPositionSeconds = 1e9

type PlaybackControlEvent struct {
	Action   PlaybackAction  `json:"action"`
	SongData json.RawMessage `json:"song_data"`
	Position *float64        `json:"position"` // seconds, seek only
}

type SyncPlaybackEvent struct {
	Position *float64 `json:"position" validate:"required,gte=0,lte=1000000000"` // seconds, at most MaxPositionSeconds
}

type PingEvent struct{}

func (JoinEvent) Kind() signaling.MessageType            { return signaling.MessageTypeJoinRoom }
func (LeaveEvent) Kind() signaling.MessageType           { return signaling.MessageTypeLeaveRoom }
func (UpdatePositionEvent) Kind() signaling.MessageType  { return signaling.MessageTypeUpdatePosition }
func (SendWaveEvent) Kind() signaling.MessageType        { return signaling.MessageTypeSendSoundWave }
func (PlaybackControlEvent) Kind() signaling.MessageType { return signaling.MessageTypeMusicControl }
func (SyncPlaybackEvent) Kind() signaling.MessageType    { return signaling.MessageTypeSyncPlayback }
func (PingEvent) Kind() signaling.MessageType            { return signaling.MessageTypePing }

func (JoinEvent) isEvent()            {}
func (LeaveEvent) isEvent()           {}
func (UpdatePositionEvent) isEvent()  {}
func (SendWaveEvent) isEvent()        {}
func (PlaybackControlEvent) isEvent() {}
func (SyncPlaybackEvent) isEvent()    {}
func (PingEvent) isEvent()            {}

// Decode validates msg and returns its typed event.
func Decode(msg signaling.Message) (Event, error) {
	switch msg.Type {
	case "":
		return nil, fmt.Errorf("%w: frame is not an event envelope", ErrMalformedPayload)

	case signaling.MessageTypeJoinRoom:
		var e JoinEvent
		if err := decodeData(msg, &e); err != nil {
			return nil, err
		}
		return e, nil

	case signaling.MessageTypeLeaveRoom:
		return LeaveEvent{}, nil

	case signaling.MessageTypeUpdatePosition:
		var e UpdatePositionEvent
		if err := decodeData(msg, &e); err != nil {
			return nil, err
		}
		return e, nil

	case signaling.MessageTypeSendSoundWave:
		var e SendWaveEvent
		if err := decodeData(msg, &e); err != nil {
			return nil, err
		}
		return e, nil

	case signaling.MessageTypeMusicControl:
		var e PlaybackControlEvent
		if err := decodeData(msg, &e); err != nil {
			return nil, err
		}
		if err := validatePlaybackControl(e); err != nil {
			return nil, err
		}
		return e, nil

	case signaling.MessageTypeSyncPlayback:
		var e SyncPlaybackEvent
		if err := decodeData(msg, &e); err != nil {
			return nil, err
		}
		return e, nil

	case signaling.MessageTypePing:
		return PingEvent{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Type)
	}
}

func validatePlaybackControl(e PlaybackControlEvent) error {
	switch e.Action {
	case ActionPlayPause, ActionSkip:
		return nil
	case ActionUpdateSong:
		if len(e.SongData) == 0 || bytes.Equal(e.SongData, []byte("null")) {
			return fmt.Errorf("%w: song_data is required", ErrMalformedPayload)
		}
		return nil
	case ActionSeek:
		if e.Position == nil || *e.Position < 0 {
			return fmt.Errorf("%w: position must be a non-negative number of seconds", ErrMalformedPayload)
		}
		if *e.Position > MaxPositionSeconds {
			return fmt.Errorf("%w: position exceeds %g seconds", ErrMalformedPayload, MaxPositionSeconds)
		}
		return nil
	case "":
		return fmt.Errorf("%w: action is required", ErrMalformedPayload)
	default:
		return fmt.Errorf("%w: music_control %q", ErrUnknownAction, e.Action)
	}
}

var validate = newValidator()

// newValidator reports fields by their wire names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeData unmarshals the event body into v and checks its field rules.
// A missing body decodes as an empty object.
func decodeData(msg signaling.Message, v any) error {
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Type, err)
		}
	}
	if err := validate.Struct(v); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			problems := make([]string, 0, len(fields))
			for _, fe := range fields {
				problems = append(problems, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s: %s", ErrMalformedPayload, msg.Type, strings.Join(problems, ", "))
		}
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Type, err)
	}
	return nil
}
