package event

import "testing"

func TestParseTopic(t *testing.T) {
	scope, err := ParseTopic(MessagesTopic("c1"))
	if err != nil {
		t.Fatalf("ParseTopic err: %v", err)
	}
	if scope.ConversationID != "c1" || scope.Kind != "messages" {
		t.Fatalf("unexpected scope: %+v", scope)
	}

	scope, err = ParseTopic(PresenceTopic("u1"))
	if err != nil {
		t.Fatalf("ParseTopic err: %v", err)
	}
	if scope.UserID != "u1" {
		t.Fatalf("expected user u1, got %q", scope.UserID)
	}

	for _, bad := range []string{"", "messages", "messages:", "bogus:x"} {
		if _, err := ParseTopic(bad); err == nil {
			t.Fatalf("expected error for topic %q", bad)
		}
	}
}

func TestEventRoundTripPayload(t *testing.T) {
	ev, err := New(MessageCreated, MessagesTopic("c1"), map[string]string{"id": "m1"})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}

	var payload map[string]string
	if err := ev.Decode(&payload); err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	if payload["id"] != "m1" {
		t.Fatalf("expected id m1, got %q", payload["id"])
	}
}
