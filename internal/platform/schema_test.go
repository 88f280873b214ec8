package platform

import (
	"errors"
	"testing"
)

func TestDecodeInboundFrameFileEvent(t *testing.T) {
	raw := []byte(`{
		"eventId": "evt_1",
		"type": "message.file",
		"chatId": "chat_1",
		"messageId": "msg_1",
		"file": {"resourceId": "res_1", "name": "photo.jpg", "kind": "image"}
	}`)
	frame, err := decodeInboundFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.EventID != "evt_1" || frame.File.ResourceID != "res_1" || frame.File.Kind != "image" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestDecodeInboundFrameAllowsNonFileEvents(t *testing.T) {
	raw := []byte(`{"eventId": "evt_2", "type": "ping"}`)
	frame, err := decodeInboundFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != "ping" {
		t.Fatalf("unexpected type %q", frame.Type)
	}
}

func TestDecodeInboundFrameRejectsInvalidFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{broken`},
		{"missing eventId", `{"type": "ping"}`},
		{"file event without file", `{"eventId": "e", "type": "message.file", "chatId": "c", "messageId": "m"}`},
		{"file without resourceId", `{"eventId": "e", "type": "message.file", "chatId": "c", "messageId": "m", "file": {"name": "x"}}`},
		{"unknown kind", `{"eventId": "e", "type": "message.file", "chatId": "c", "messageId": "m", "file": {"resourceId": "r", "kind": "hologram"}}`},
	}
	for _, tc := range cases {
		if _, err := decodeInboundFrame([]byte(tc.raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: expected ErrInvalidFrame, got %v", tc.name, err)
		}
	}
}
