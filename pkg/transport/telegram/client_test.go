package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"eventbot/pkg/config"
	"eventbot/pkg/message"
	"eventbot/pkg/transport"

	"github.com/mymmrac/telego"
)

const selfID = 777

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(config.TelegramConfig{Token: "  "}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestEmitBeforeConnect(t *testing.T) {
	client, err := New(config.TelegramConfig{Token: "123:abc"}, nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := client.Emit(context.Background(), transport.EventGetWebConn, "1", nil); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Emit = %v, want ErrNotConnected", err)
	}
	if err := client.Wait(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Wait = %v, want ErrNotConnected", err)
	}

	_ = client.Disconnect()
	if err := client.Connect(context.Background(), ""); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Connect after Disconnect = %v, want ErrClosed", err)
	}
}

func TestEncodePrivateMessage(t *testing.T) {
	update := telego.Update{
		UpdateID: 5,
		Message: &telego.Message{
			MessageID: 42,
			From:      &telego.User{ID: 1001, FirstName: "Ann"},
			Chat:      telego.Chat{ID: 1001, Type: telego.ChatTypePrivate},
			Text:      "hello",
		},
	}

	event, data, ok := encodeUpdate(update, selfID)
	if !ok || event != message.EventFriendMessages {
		t.Fatalf("encodeUpdate = (%q, %v), want friend event", event, ok)
	}

	msg, err := message.DecodeFriend(data)
	if err != nil {
		t.Fatalf("DecodeFriend error: %v", err)
	}
	if msg.FromUin != 1001 || msg.ToUin != selfID || msg.Content != "hello" || msg.MsgSeq != 42 {
		t.Fatalf("decoded friend message = %+v", msg)
	}
	if msg.CurrentAccount != selfID || msg.WebConnID != webConnID {
		t.Fatalf("envelope fields = (%d, %q)", msg.CurrentAccount, msg.WebConnID)
	}
}

func TestEncodeGroupMessage(t *testing.T) {
	update := telego.Update{
		UpdateID: 9,
		Message: &telego.Message{
			MessageID: 7,
			Date:      1700000000,
			From:      &telego.User{ID: 55, Username: "bob"},
			Chat:      telego.Chat{ID: -2002, Type: telego.ChatTypeSupergroup, Title: "devs"},
			Text:      "ping",
		},
	}

	event, data, ok := encodeUpdate(update, selfID)
	if !ok || event != message.EventGroupMessages {
		t.Fatalf("encodeUpdate = (%q, %v), want group event", event, ok)
	}

	msg, err := message.DecodeGroup(data)
	if err != nil {
		t.Fatalf("DecodeGroup error: %v", err)
	}
	if msg.FromGroupID != -2002 || msg.FromGroupName != "devs" || msg.FromUserID != 55 || msg.FromNickName != "bob" {
		t.Fatalf("decoded group message = %+v", msg)
	}
	if msg.MsgTime != 1700000000 || msg.MsgRandom != 9 {
		t.Fatalf("decoded group timing = %+v", msg)
	}
}

func TestEncodeMemberEvents(t *testing.T) {
	chat := telego.Chat{ID: -3003, Type: telego.ChatTypeGroup}

	joined := telego.Update{Message: &telego.Message{
		Chat:           chat,
		NewChatMembers: []telego.User{{ID: 9, FirstName: "New", LastName: "Member"}},
	}}
	event, data, ok := encodeUpdate(joined, selfID)
	if !ok || event != message.EventEvents {
		t.Fatalf("join encodeUpdate = (%q, %v)", event, ok)
	}
	msg, err := message.DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	if msg.EventName != EventGroupJoin || msg.EventMsg.FromUin != -3003 {
		t.Fatalf("join event = %+v", msg)
	}
	if msg.EventData["UserName"] != "New Member" {
		t.Fatalf("join user name = %v", msg.EventData["UserName"])
	}

	left := telego.Update{Message: &telego.Message{Chat: chat, LeftChatMember: &telego.User{ID: 9}}}
	_, data, ok = encodeUpdate(left, selfID)
	if !ok {
		t.Fatal("expected exit event")
	}
	msg, _ = message.DecodeEvent(data)
	if msg.EventName != EventGroupExit {
		t.Fatalf("exit event name = %q", msg.EventName)
	}
}

func TestEncodeSkipsUnsupportedUpdates(t *testing.T) {
	cases := []telego.Update{
		{},
		{Message: &telego.Message{Chat: telego.Chat{Type: telego.ChatTypePrivate}, From: &telego.User{ID: 1}, Text: "   "}},
		{Message: &telego.Message{Chat: telego.Chat{Type: telego.ChatTypePrivate}, Text: "no sender"}},
		{Message: &telego.Message{Chat: telego.Chat{Type: telego.ChatTypeChannel}, From: &telego.User{ID: 1}, Text: "post"}},
	}

	for i, update := range cases {
		if _, _, ok := encodeUpdate(update, selfID); ok {
			t.Fatalf("case %d: expected update to be skipped", i)
		}
	}
}

func TestOutboundText(t *testing.T) {
	chatID, text, err := outboundText([]byte(`{"ToUserUid":1001,"SendToType":1,"Content":" hi "}`))
	if err != nil {
		t.Fatalf("outboundText error: %v", err)
	}
	if chatID != 1001 || text != "hi" {
		t.Fatalf("outboundText = (%d, %q)", chatID, text)
	}

	if _, _, err := outboundText([]byte(`{"Content":"hi"}`)); err == nil {
		t.Fatal("expected error without ToUserUid")
	}
	if _, _, err := outboundText([]byte(`{"ToUserUid":1}`)); err == nil {
		t.Fatal("expected error without Content")
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if allowFromSet([]string{" "}) != nil {
		t.Fatal("expected nil set for blank entries")
	}
}

func TestSenderAllowed(t *testing.T) {
	client := &Client{allowFrom: map[string]struct{}{"1": {}}}
	if !client.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if client.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	client.allowFrom = nil
	if !client.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText(" hello "); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	got := previewText(strings.Repeat("a", messagePreviewLimit+20))
	if len(got) != messagePreviewLimit+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q", got)
	}

	got = previewText(strings.Repeat("群", messagePreviewLimit))
	if !utf8.ValidString(got) || len(got) > messagePreviewLimit+3 {
		t.Fatalf("previewText multibyte = %q", got)
	}
}
