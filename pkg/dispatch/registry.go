package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"eventbot/pkg/message"
)

type (
	FriendHandler    = Handler[message.FriendMessage]
	GroupHandler     = Handler[message.GroupMessage]
	EventHandler     = Handler[message.EventMessage]
	FriendMiddleware = Middleware[message.FriendMessage]
	GroupMiddleware  = Middleware[message.GroupMessage]
	EventMiddleware  = Middleware[message.EventMessage]
)

// PluginSource supplies dynamically loaded handlers. Each call returns a snapshot.
type PluginSource interface {
	FriendHandlers() []FriendHandler
	GroupHandlers() []GroupHandler
	EventHandlers() []EventHandler
}

// Filters holds the sender filters. Events are never filtered.
type Filters struct {
	Friend *Filter
	Group  *Filter
}

// Counts is the per-category handler population.
type Counts struct {
	Friend int `json:"friend"`
	Group  int `json:"group"`
	Event  int `json:"event"`
}

// Total returns the sum over all categories.
func (c Counts) Total() int {
	return c.Friend + c.Group + c.Event
}

// Registry aggregates the three category lanes.
type Registry struct {
	Friend *Lane[message.FriendMessage]
	Group  *Lane[message.GroupMessage]
	Event  *Lane[message.EventMessage]
}

// NewRegistry builds the three lanes with the given filters.
func NewRegistry(filters Filters, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dispatch.registry")

	return &Registry{
		Friend: NewLane(LaneConfig[message.FriendMessage]{
			Category: message.CategoryFriend,
			Decode:   decoderFor[message.FriendMessage](message.CategoryFriend),
			Clone:    (*message.FriendMessage).Clone,
			Data:     (*message.FriendMessage).Data,
			SenderID: func(m *message.FriendMessage) int64 { return m.FromUin },
			Filter:   filters.Friend,
		}, log),
		Group: NewLane(LaneConfig[message.GroupMessage]{
			Category: message.CategoryGroup,
			Decode:   decoderFor[message.GroupMessage](message.CategoryGroup),
			Clone:    (*message.GroupMessage).Clone,
			Data:     (*message.GroupMessage).Data,
			SenderID: func(m *message.GroupMessage) int64 { return m.FromGroupID },
			Filter:   filters.Group,
		}, log),
		Event: NewLane(LaneConfig[message.EventMessage]{
			Category: message.CategoryEvent,
			Decode:   decoderFor[message.EventMessage](message.CategoryEvent),
			Clone:    (*message.EventMessage).Clone,
			Data:     (*message.EventMessage).Data,
		}, log),
	}
}

// SetPlugins wires a plugin collaborator into every lane.
func (r *Registry) SetPlugins(src PluginSource) {
	if src == nil {
		r.Friend.SetPluginSource(nil)
		r.Group.SetPluginSource(nil)
		r.Event.SetPluginSource(nil)
		return
	}

	r.Friend.SetPluginSource(src.FriendHandlers)
	r.Group.SetPluginSource(src.GroupHandlers)
	r.Event.SetPluginSource(src.EventHandlers)
}

// Counts returns the current handler population.
func (r *Registry) Counts() Counts {
	return Counts{
		Friend: r.Friend.Count(),
		Group:  r.Group.Count(),
		Event:  r.Event.Count(),
	}
}

// Dispatch routes a raw payload to the lane of its category.
func (r *Registry) Dispatch(ctx context.Context, category message.Category, raw []byte, submitter Submitter) error {
	switch category {
	case message.CategoryFriend:
		return r.Friend.Dispatch(ctx, raw, submitter)
	case message.CategoryGroup:
		return r.Group.Dispatch(ctx, raw, submitter)
	case message.CategoryEvent:
		return r.Event.Dispatch(ctx, raw, submitter)
	default:
		return fmt.Errorf("unknown category %d", category)
	}
}

// decoderFor adapts the category entry of message.Decoders to a typed lane decoder.
func decoderFor[T any](category message.Category) func(raw []byte) (*T, error) {
	return func(raw []byte) (*T, error) {
		v, err := message.Decode(category, raw)
		if err != nil {
			return nil, err
		}
		msg, ok := v.(*T)
		if !ok {
			return nil, fmt.Errorf("%s decoder returned %T", category, v)
		}
		return msg, nil
	}
}
