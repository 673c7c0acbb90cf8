package protocol_test

import (
	"testing"

	"github.com/lenslab/lenscloud/internal/protocol"
)

func TestDecodeGlassesFrame(t *testing.T) {
	t.Parallel()

	frame, err := protocol.DecodeGlassesFrame([]byte(`{"type":"vad","status":true}`))
	if err != nil {
		t.Fatalf("DecodeGlassesFrame: %v", err)
	}
	vad, ok := frame.(protocol.VAD)
	if !ok || !vad.Status {
		t.Fatalf("frame = %#v, want VAD{Status:true}", frame)
	}

	frame, err = protocol.DecodeGlassesFrame([]byte(`{"type":"head_position","position":"up"}`))
	if err != nil {
		t.Fatalf("DecodeGlassesFrame: %v", err)
	}
	if hp, ok := frame.(protocol.HeadPosition); !ok || hp.Position != "up" {
		t.Fatalf("frame = %#v, want HeadPosition up", frame)
	}
}

func TestDecodeGlassesFrame_UnknownTypeIsNotAnError(t *testing.T) {
	t.Parallel()

	frame, err := protocol.DecodeGlassesFrame([]byte(`{"type":"hologram_request"}`))
	if err != nil {
		t.Fatalf("DecodeGlassesFrame: %v", err)
	}
	unk, ok := frame.(protocol.UnknownFrame)
	if !ok || unk.Type != "hologram_request" {
		t.Fatalf("frame = %#v, want UnknownFrame", frame)
	}
}

func TestDecodeGlassesFrame_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{"no":"type"}`, `{"type":"vad","status":"yes"}`} {
		if _, err := protocol.DecodeGlassesFrame([]byte(raw)); err == nil {
			t.Errorf("DecodeGlassesFrame(%q) succeeded, want error", raw)
		}
	}
}

func TestDecodeAppFrame(t *testing.T) {
	t.Parallel()

	frame, err := protocol.DecodeAppFrame([]byte(`{"type":"subscription_update","packageName":"com.a","subscriptions":["transcription"]}`))
	if err != nil {
		t.Fatalf("DecodeAppFrame: %v", err)
	}
	sub, ok := frame.(protocol.SubscriptionUpdate)
	if !ok || len(sub.Subscriptions) != 1 {
		t.Fatalf("frame = %#v", frame)
	}

	// connection_init is a valid frame on both links but must decode to the
	// App shape here.
	frame, err = protocol.DecodeAppFrame([]byte(`{"type":"connection_init","packageName":"com.a","apiKey":"k","sessionId":"u-com.a"}`))
	if err != nil {
		t.Fatalf("DecodeAppFrame: %v", err)
	}
	init, ok := frame.(protocol.AppInit)
	if !ok || init.SessionID != "u-com.a" {
		t.Fatalf("frame = %#v, want AppInit", frame)
	}
}
