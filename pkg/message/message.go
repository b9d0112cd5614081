// Package message defines the three inbound message categories and the
// decoders that turn raw event payloads into typed messages.
package message

import (
	"bytes"
	"maps"
)

// Category identifies one of the three kinds of inbound traffic.
type Category int

const (
	CategoryFriend Category = iota
	CategoryGroup
	CategoryEvent
)

// Categories lists every category in dispatch order.
var Categories = []Category{CategoryFriend, CategoryGroup, CategoryEvent}

const (
	EventFriendMessages = "OnFriendMsgs"
	EventGroupMessages  = "OnGroupMsgs"
	EventEvents         = "OnEvents"
)

func (c Category) String() string {
	switch c {
	case CategoryFriend:
		return "FriendMessage"
	case CategoryGroup:
		return "GroupMessage"
	case CategoryEvent:
		return "EventMessage"
	default:
		return "UnknownMessage"
	}
}

// EventName returns the inbound transport event bound to the category.
func (c Category) EventName() string {
	switch c {
	case CategoryFriend:
		return EventFriendMessages
	case CategoryGroup:
		return EventGroupMessages
	case CategoryEvent:
		return EventEvents
	default:
		return ""
	}
}

// CategoryForEvent maps an inbound transport event name to its category.
func CategoryForEvent(name string) (Category, bool) {
	switch name {
	case EventFriendMessages:
		return CategoryFriend, true
	case EventGroupMessages:
		return CategoryGroup, true
	case EventEvents:
		return CategoryEvent, true
	default:
		return 0, false
	}
}

// FriendMessage is a direct message from one user.
type FriendMessage struct {
	CurrentAccount int64  `json:"CurrentQQ"`
	WebConnID      string `json:"WebConnId"`
	FromUin        int64  `json:"FromUin"`
	ToUin          int64  `json:"ToUin"`
	MsgType        string `json:"MsgType"`
	MsgSeq         int64  `json:"MsgSeq"`
	Content        string `json:"Content"`
	Raw            []byte `json:"-"`
}

// GroupMessage is a message posted in a group chat.
type GroupMessage struct {
	CurrentAccount int64  `json:"CurrentQQ"`
	WebConnID      string `json:"WebConnId"`
	FromGroupID    int64  `json:"FromGroupId"`
	FromGroupName  string `json:"FromGroupName"`
	FromUserID     int64  `json:"FromUserId"`
	FromNickName   string `json:"FromNickName"`
	Content        string `json:"Content"`
	MsgType        string `json:"MsgType"`
	MsgTime        int64  `json:"MsgTime"`
	MsgSeq         int64  `json:"MsgSeq"`
	MsgRandom      int64  `json:"MsgRandom"`
	Raw            []byte `json:"-"`
}

// EventMessage is any non-message notification (member joins, revokes, ...).
type EventMessage struct {
	CurrentAccount int64          `json:"CurrentQQ"`
	WebConnID      string         `json:"WebConnId"`
	EventName      string         `json:"EventName"`
	EventData      map[string]any `json:"EventData"`
	EventMsg       EventBody      `json:"EventMsg"`
	Raw            []byte         `json:"-"`
}

// EventBody is the message-like part carried by some events.
type EventBody struct {
	FromUin int64  `json:"FromUin"`
	ToUin   int64  `json:"ToUin"`
	MsgType string `json:"MsgType"`
	MsgSeq  int64  `json:"MsgSeq"`
	Content string `json:"Content"`
}

func (m *FriendMessage) Clone() *FriendMessage {
	if m == nil {
		return nil
	}
	out := *m
	out.Raw = bytes.Clone(m.Raw)
	return &out
}

func (m *GroupMessage) Clone() *GroupMessage {
	if m == nil {
		return nil
	}
	out := *m
	out.Raw = bytes.Clone(m.Raw)
	return &out
}

func (m *EventMessage) Clone() *EventMessage {
	if m == nil {
		return nil
	}
	out := *m
	out.Raw = bytes.Clone(m.Raw)
	out.EventData = cloneMap(m.EventData)
	return &out
}

// Data returns the CurrentPacket.Data section of the raw payload.
func (m *FriendMessage) Data() string { return packetData(m.Raw) }

func (m *GroupMessage) Data() string { return packetData(m.Raw) }

func (m *EventMessage) Data() string { return packetData(m.Raw) }

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(typed)
	case []byte:
		return bytes.Clone(typed)
	default:
		return typed
	}
}
