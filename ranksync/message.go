package ranksync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wire protocol: json text frames
// inbound  {"type": "initial"|"update"|"heartbeat", "username", "changed", "snapshot", "data", "timestamp"}
// outbound {"type": "pong", "timestamp"}

type MessageType string

const (
	MessageTypeInitial   MessageType = "initial"
	MessageTypeUpdate    MessageType = "update"
	MessageTypeHeartbeat MessageType = "heartbeat"
	MessageTypePong      MessageType = "pong"
)

var ErrUnknownMessageType = errors.New("unknown message type")
var ErrMalformedMessage = errors.New("malformed message")

// matches the browser `toISOString` output the endpoint was written against
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var timestampParseLayouts = []string{
	time.RFC3339Nano,
	// python `isoformat` without an offset
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// timestamps without an offset are utc
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampParseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// accepts json booleans and the 0/1 integers the profile api uses
type Flag bool

func (self *Flag) UnmarshalJSON(src []byte) error {
	switch string(src) {
	case "true":
		*self = true
	case "false":
		*self = false
	default:
		var n float64
		if err := json.Unmarshal(src, &n); err != nil {
			return fmt.Errorf("invalid flag %s", src)
		}
		*self = Flag(n != 0)
	}
	return nil
}

// a partial profile. nil fields were not present in the frame and are not touched by a merge.
// numeric metrics decode as float64. out of range values are clamped, not rejected.
type ProfileSnapshot struct {
	Username       *string  `json:"username,omitempty"`
	DisplayName    *string  `json:"display_name,omitempty"`
	Bio            *string  `json:"bio,omitempty"`
	ProfilePicUrl  *string  `json:"profile_pic_url,omitempty"`
	Followers      *float64 `json:"followers,omitempty"`
	Following      *float64 `json:"following,omitempty"`
	Posts          *float64 `json:"posts,omitempty"`
	EngagementRate *float64 `json:"engagement_rate,omitempty"`
	Verified       *Flag    `json:"is_verified,omitempty"`
	Private        *Flag    `json:"is_private,omitempty"`
	FetchedAt      *string  `json:"fetched_at,omitempty"`
}

// a json number that decodes even when it does not fit a float64.
// out of range values decode as +-Inf, which the merge clamps to 0.
type wireNumber float64

func (self *wireNumber) UnmarshalJSON(src []byte) error {
	v, err := strconv.ParseFloat(string(src), 64)
	if err != nil {
		var numErr *strconv.NumError
		if !errors.As(err, &numErr) || numErr.Err != strconv.ErrRange {
			return fmt.Errorf("invalid number %s", src)
		}
	}
	*self = wireNumber(v)
	return nil
}

func (self *wireNumber) float64Ptr() *float64 {
	if self == nil {
		return nil
	}
	v := float64(*self)
	return &v
}

func (self *ProfileSnapshot) UnmarshalJSON(src []byte) error {
	type snapshotFields ProfileSnapshot
	wire := struct {
		*snapshotFields
		Followers      *wireNumber `json:"followers"`
		Following      *wireNumber `json:"following"`
		Posts          *wireNumber `json:"posts"`
		EngagementRate *wireNumber `json:"engagement_rate"`
	}{
		snapshotFields: (*snapshotFields)(self),
	}
	if err := json.Unmarshal(src, &wire); err != nil {
		return err
	}
	self.Followers = wire.Followers.float64Ptr()
	self.Following = wire.Following.float64Ptr()
	self.Posts = wire.Posts.float64Ptr()
	self.EngagementRate = wire.EngagementRate.float64Ptr()
	return nil
}

// closed set: *InitialMessage, *UpdateMessage, *HeartbeatMessage
type InboundMessage interface {
	Type() MessageType
	Timestamp() time.Time
	inboundMessage()
}

type InitialMessage struct {
	Profiles map[string]ProfileSnapshot
	SentAt   time.Time
}

func (self *InitialMessage) Type() MessageType    { return MessageTypeInitial }
func (self *InitialMessage) Timestamp() time.Time { return self.SentAt }
func (self *InitialMessage) inboundMessage()      {}

type UpdateMessage struct {
	Username string
	Changed  []string
	Snapshot ProfileSnapshot
	SentAt   time.Time
}

func (self *UpdateMessage) Type() MessageType    { return MessageTypeUpdate }
func (self *UpdateMessage) Timestamp() time.Time { return self.SentAt }
func (self *UpdateMessage) inboundMessage()      {}

type HeartbeatMessage struct {
	SentAt time.Time
}

func (self *HeartbeatMessage) Type() MessageType    { return MessageTypeHeartbeat }
func (self *HeartbeatMessage) Timestamp() time.Time { return self.SentAt }
func (self *HeartbeatMessage) inboundMessage()      {}

type inboundFrame struct {
	Type      MessageType                `json:"type"`
	Username  string                     `json:"username,omitempty"`
	Changed   []string                   `json:"changed,omitempty"`
	Snapshot  *ProfileSnapshot           `json:"snapshot,omitempty"`
	Data      map[string]ProfileSnapshot `json:"data,omitempty"`
	Timestamp string                     `json:"timestamp,omitempty"`
}

type pongFrame struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// any error returned here is a protocol error. the frame should be dropped and the connection kept.
func DecodeInboundMessage(frameBytes []byte) (InboundMessage, error) {
	var frame inboundFrame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
	}

	var sentAt time.Time
	if frame.Timestamp != "" {
		var err error
		sentAt, err = ParseTimestamp(frame.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedMessage, err)
		}
	}

	switch frame.Type {
	case MessageTypeInitial:
		profiles := map[string]ProfileSnapshot{}
		for username, snapshot := range frame.Data {
			if username == "" {
				return nil, fmt.Errorf("%w: initial profile without username", ErrMalformedMessage)
			}
			profiles[username] = snapshot
		}
		return &InitialMessage{
			Profiles: profiles,
			SentAt:   sentAt,
		}, nil
	case MessageTypeUpdate:
		if frame.Snapshot == nil {
			return nil, fmt.Errorf("%w: update without snapshot", ErrMalformedMessage)
		}
		username := frame.Username
		if username == "" && frame.Snapshot.Username != nil {
			username = *frame.Snapshot.Username
		}
		if username == "" {
			return nil, fmt.Errorf("%w: update without username", ErrMalformedMessage)
		}
		return &UpdateMessage{
			Username: username,
			Changed:  frame.Changed,
			Snapshot: *frame.Snapshot,
			SentAt:   sentAt,
		}, nil
	case MessageTypeHeartbeat:
		return &HeartbeatMessage{
			SentAt: sentAt,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, frame.Type)
	}
}

func EncodePong(t time.Time) ([]byte, error) {
	return json.Marshal(&pongFrame{
		Type:      MessageTypePong,
		Timestamp: FormatTimestamp(t),
	})
}
