package realtime

import (
	"testing"
)

func TestDecodeEvent_SessionCreated(t *testing.T) {
	t.Parallel()
	event, err := DecodeEvent([]byte(`{"type":"session.created","session":{"id":"sess_1"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	if _, ok := event.(SessionCreated); !ok {
		t.Fatalf("event type = %T, want SessionCreated", event)
	}
}

func TestDecodeEvent_AudioDelta(t *testing.T) {
	t.Parallel()
	event, err := DecodeEvent([]byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"YXVkaW8="}`))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	delta, ok := event.(AudioDelta)
	if !ok {
		t.Fatalf("event type = %T, want AudioDelta", event)
	}
	if delta.ItemID != "item_1" || delta.Delta != "YXVkaW8=" {
		t.Fatalf("delta = %#v", delta)
	}
}

func TestDecodeEvent_SpeechStarted(t *testing.T) {
	t.Parallel()
	event, err := DecodeEvent([]byte(`{"type":"input_audio_buffer.speech_started","audio_start_ms":740,"item_id":"item_2"}`))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	speech, ok := event.(SpeechStarted)
	if !ok {
		t.Fatalf("event type = %T, want SpeechStarted", event)
	}
	if speech.AudioStartMS != 740 || speech.ItemID != "item_2" {
		t.Fatalf("speech = %#v", speech)
	}
}

func TestDecodeEvent_ItemCreated(t *testing.T) {
	t.Parallel()
	raw := `{"type":"conversation.item.created","item":{"id":"item_3","object":"realtime.item","type":"message","status":"completed","role":"user","content":[{"type":"input_audio","transcript":"hello"}]}}`
	event, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	created, ok := event.(ConversationItemCreated)
	if !ok {
		t.Fatalf("event type = %T, want ConversationItemCreated", event)
	}
	if created.Item.ID != "item_3" || created.Item.Role != "user" {
		t.Fatalf("item = %#v", created.Item)
	}
	if len(created.Item.Content) != 1 || created.Item.Content[0].Transcript != "hello" {
		t.Fatalf("content = %#v", created.Item.Content)
	}
}

func TestDecodeEvent_FunctionCallArguments(t *testing.T) {
	t.Parallel()
	raw := `{"type":"response.function_call_arguments.done","name":"get_rates","call_id":"call_9","arguments":"{\"x\":1}"}`
	event, err := DecodeEvent([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	fn, ok := event.(FunctionCallArgumentsDone)
	if !ok {
		t.Fatalf("event type = %T, want FunctionCallArgumentsDone", event)
	}
	if fn.Name != "get_rates" || fn.CallID != "call_9" {
		t.Fatalf("fn = %#v", fn)
	}
	if string(fn.Arguments) != `{"x":1}` {
		t.Fatalf("arguments = %s", fn.Arguments)
	}
}

func TestDecodeEvent_Error(t *testing.T) {
	t.Parallel()
	event, err := DecodeEvent([]byte(`{"type":"error","error":{"code":"rate_limited","message":"slow down"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	svcErr, ok := event.(ErrorEvent)
	if !ok {
		t.Fatalf("event type = %T, want ErrorEvent", event)
	}
	if svcErr.Code != "rate_limited" || svcErr.Message != "slow down" {
		t.Fatalf("error event = %#v", svcErr)
	}
}

func TestDecodeEvent_UnknownAndMalformed(t *testing.T) {
	t.Parallel()

	event, err := DecodeEvent([]byte(`{"type":"response.created"}`))
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	unknown, ok := event.(UnknownEvent)
	if !ok || unknown.Type != "response.created" {
		t.Fatalf("event = %#v, want UnknownEvent response.created", event)
	}

	if _, err := DecodeEvent([]byte(`nope`)); err == nil {
		t.Fatal("DecodeEvent accepted malformed JSON")
	}
	if _, err := DecodeEvent([]byte(`{"item_id":"x"}`)); err == nil {
		t.Fatal("DecodeEvent accepted event without type")
	}
}
