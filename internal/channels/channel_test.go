package channels

import (
	"context"
	"testing"
)

func TestNotifierFunc(t *testing.T) {
	var got Notification
	n := NotifierFunc(func(ctx context.Context, notif Notification) error {
		got = notif
		return nil
	})
	want := Notification{Target: "42", Text: "reminder", DeepLink: "tg://resolve?domain=x"}
	if err := n.Notify(context.Background(), want); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got != want {
		t.Errorf("notification = %+v, want %+v", got, want)
	}
}

func TestTelegramChannel_OwnerAlwaysAllowed(t *testing.T) {
	ch := NewTelegramChannel("token", 99, []int64{1, 2}, nil, nil)
	for _, id := range []int64{1, 2, 99} {
		if _, ok := ch.allowedIDs[id]; !ok {
			t.Errorf("id %d missing from allow list", id)
		}
	}
	if _, ok := ch.allowedIDs[3]; ok {
		t.Error("id 3 should not be allowed")
	}
	if ch.OwnerTarget() != "99" {
		t.Errorf("owner target = %q, want 99", ch.OwnerTarget())
	}
}

func TestTelegramChannel_NotifyBeforeStart(t *testing.T) {
	ch := NewTelegramChannel("token", 99, nil, nil, nil)
	if err := ch.Notify(context.Background(), Notification{Text: "x"}); err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestMessageLink(t *testing.T) {
	cases := []struct {
		name   string
		chatID int64
		msgID  int64
		want   string
	}{
		{"supergroup", -1001234567890, 42, "https://t.me/c/1234567890/42"},
		{"supergroup no msg", -1001234567890, 0, ""},
		{"private chat", 777000, 5, "tg://user?id=777000"},
		{"basic group", -4567, 5, ""},
		{"zero chat", 0, 5, ""},
	}
	for _, tc := range cases {
		if got := MessageLink(tc.chatID, tc.msgID); got != tc.want {
			t.Errorf("%s: MessageLink(%d, %d) = %q, want %q", tc.name, tc.chatID, tc.msgID, got, tc.want)
		}
	}
}
