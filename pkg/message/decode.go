package message

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned when an inbound payload is not a JSON object.
var ErrInvalidPayload = errors.New("invalid message payload")

const (
	pathAccount   = "CurrentQQ"
	pathWebConnID = "CurrentPacket.WebConnId"
	pathData      = "CurrentPacket.Data"
)

// Decoder turns one raw inbound payload into a typed message.
type Decoder func(raw []byte) (any, error)

// Decoders is the category-keyed constructor table.
var Decoders = map[Category]Decoder{
	CategoryFriend: func(raw []byte) (any, error) { return DecodeFriend(raw) },
	CategoryGroup:  func(raw []byte) (any, error) { return DecodeGroup(raw) },
	CategoryEvent:  func(raw []byte) (any, error) { return DecodeEvent(raw) },
}

// Decode looks up the decoder for the category and applies it.
func Decode(category Category, raw []byte) (any, error) {
	decoder, ok := Decoders[category]
	if !ok {
		return nil, fmt.Errorf("no decoder for %s", category)
	}
	return decoder(raw)
}

func DecodeFriend(raw []byte) (*FriendMessage, error) {
	root, data, err := parse(raw)
	if err != nil {
		return nil, err
	}

	return &FriendMessage{
		CurrentAccount: root.Get(pathAccount).Int(),
		WebConnID:      root.Get(pathWebConnID).String(),
		FromUin:        data.Get("FromUin").Int(),
		ToUin:          data.Get("ToUin").Int(),
		MsgType:        data.Get("MsgType").String(),
		MsgSeq:         data.Get("MsgSeq").Int(),
		Content:        data.Get("Content").String(),
		Raw:            bytes.Clone(raw),
	}, nil
}

func DecodeGroup(raw []byte) (*GroupMessage, error) {
	root, data, err := parse(raw)
	if err != nil {
		return nil, err
	}

	return &GroupMessage{
		CurrentAccount: root.Get(pathAccount).Int(),
		WebConnID:      root.Get(pathWebConnID).String(),
		FromGroupID:    data.Get("FromGroupId").Int(),
		FromGroupName:  data.Get("FromGroupName").String(),
		FromUserID:     data.Get("FromUserId").Int(),
		FromNickName:   data.Get("FromNickName").String(),
		Content:        data.Get("Content").String(),
		MsgType:        data.Get("MsgType").String(),
		MsgTime:        data.Get("MsgTime").Int(),
		MsgSeq:         data.Get("MsgSeq").Int(),
		MsgRandom:      data.Get("MsgRandom").Int(),
		Raw:            bytes.Clone(raw),
	}, nil
}

func DecodeEvent(raw []byte) (*EventMessage, error) {
	root, data, err := parse(raw)
	if err != nil {
		return nil, err
	}

	eventMsg := data.Get("EventMsg")
	msg := &EventMessage{
		CurrentAccount: root.Get(pathAccount).Int(),
		WebConnID:      root.Get(pathWebConnID).String(),
		EventName:      data.Get("EventName").String(),
		EventMsg: EventBody{
			FromUin: eventMsg.Get("FromUin").Int(),
			ToUin:   eventMsg.Get("ToUin").Int(),
			MsgType: eventMsg.Get("MsgType").String(),
			MsgSeq:  eventMsg.Get("MsgSeq").Int(),
			Content: eventMsg.Get("Content").String(),
		},
		Raw: bytes.Clone(raw),
	}

	if eventData := data.Get("EventData"); eventData.IsObject() {
		if values, ok := eventData.Value().(map[string]any); ok {
			msg.EventData = values
		}
	}

	return msg, nil
}

func parse(raw []byte) (gjson.Result, gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, gjson.Result{}, ErrInvalidPayload
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return gjson.Result{}, gjson.Result{}, ErrInvalidPayload
	}

	return root, root.Get(pathData), nil
}

func packetData(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return gjson.GetBytes(raw, pathData).Raw
}
