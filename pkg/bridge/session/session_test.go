package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devize-ai/callbridge/pkg/bridge/tools"
	"github.com/devize-ai/callbridge/pkg/bridge/transcript"
)

type readResult struct {
	data []byte
	err  error
}

// fakeConn is a scriptable Conn: tests inject inbound frames and inspect
// recorded writes.
type fakeConn struct {
	reads chan readResult

	mu       sync.Mutex
	frames   [][]byte
	controls []int

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	c.controls = append(c.controls, messageType)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) inject(frame string) {
	c.reads <- readResult{data: []byte(frame)}
}

func (c *fakeConn) fail(err error) {
	c.reads <- readResult{err: err}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) closeControls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, mt := range c.controls {
		if mt == websocket.CloseMessage {
			n++
		}
	}
	return n
}

func waitWrites(t *testing.T, c *fakeConn, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := c.writes()
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d writes, have %d", n, len(frames))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func frameType(t *testing.T, frame []byte) string {
	t.Helper()
	var probe struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		t.Fatalf("frame %s: %v", frame, err)
	}
	if probe.Type != "" {
		return probe.Type
	}
	return probe.Event
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, cfg Config, store transcript.Store, executors ...tools.Executor) (*CallSession, *fakeConn, *fakeConn, chan error) {
	t.Helper()
	tel := newFakeConn()
	ai := newFakeConn()

	sess, err := New(Dependencies{
		Telephony: tel,
		AI:        ai,
		Logger:    testLogger(),
		Tools:     tools.NewDispatcher(tools.NewRegistry(executors...)),
		Store:     store,
		SessionID: "+15551230000",
		Caller:    "+15551230000",
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run() }()
	return sess, tel, ai, errCh
}

func waitDone(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSession_ConfiguresAndGreetsOnSessionCreated(t *testing.T) {
	t.Parallel()
	sess, tel, ai, errCh := newTestSession(t, Config{
		Voice:         "alloy",
		Temperature:   0.8,
		TurnThreshold: 0.6,
		TurnSilenceMS: 800,
		Greeting:      "Say hello to the caller.",
	}, nil, tools.NewGetRates(tools.StaticRates("6.8")), tools.NewEndCall())

	ai.inject(`{"type":"session.created"}`)

	frames := waitWrites(t, ai, 2)
	if got := frameType(t, frames[0]); got != "session.update" {
		t.Fatalf("first ai write = %q, want session.update", got)
	}
	if got := frameType(t, frames[1]); got != "response.create" {
		t.Fatalf("second ai write = %q, want response.create", got)
	}

	var update struct {
		Session struct {
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			Voice             string `json:"voice"`
			TurnDetection     struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMS int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
	}
	if err := json.Unmarshal(frames[0], &update); err != nil {
		t.Fatalf("unmarshal session.update: %v", err)
	}
	if update.Session.InputAudioFormat != "g711_ulaw" || update.Session.OutputAudioFormat != "g711_ulaw" {
		t.Fatalf("audio formats = %q/%q", update.Session.InputAudioFormat, update.Session.OutputAudioFormat)
	}
	if update.Session.TurnDetection.Type != "server_vad" || update.Session.TurnDetection.SilenceDurationMS != 800 {
		t.Fatalf("turn detection = %+v", update.Session.TurnDetection)
	}
	if len(update.Session.Tools) != 2 {
		t.Fatalf("advertised %d tools, want 2", len(update.Session.Tools))
	}

	var create struct {
		Response struct {
			Instructions string `json:"instructions"`
		} `json:"response"`
	}
	if err := json.Unmarshal(frames[1], &create); err != nil {
		t.Fatalf("unmarshal response.create: %v", err)
	}
	if create.Response.Instructions != "Say hello to the caller." {
		t.Fatalf("greeting = %q", create.Response.Instructions)
	}

	tel.fail(io.EOF)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("State = %v, want closed", sess.State())
	}
	if sess.Attached() != 0 {
		t.Fatalf("Attached = %d, want 0", sess.Attached())
	}
	if ai.closeControls() != 1 {
		t.Fatalf("ai close controls = %d, want normal closure sent", ai.closeControls())
	}
}

func TestSession_ReplaysHistoryBeforeGreeting(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemoryStore()
	if err := store.Append(context.Background(), "+15551230000", transcript.Item{
		ID: "prev_1", Type: "message", Role: "user",
		Content:     []byte(`[{"type":"audio","transcript":"hi again"}]`),
		TimestampMS: 10,
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	_, tel, ai, errCh := newTestSession(t, Config{ReplayHistory: true, Greeting: "Welcome back."}, store)

	ai.inject(`{"type":"session.created"}`)

	frames := waitWrites(t, ai, 3)
	if got := frameType(t, frames[1]); got != "conversation.item.create" {
		t.Fatalf("second ai write = %q, want replayed item", got)
	}
	if got := frameType(t, frames[2]); got != "response.create" {
		t.Fatalf("third ai write = %q, want greeting after replay", got)
	}

	tel.fail(io.EOF)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestSession_AudioRelayAndBargeIn(t *testing.T) {
	t.Parallel()
	_, tel, ai, errCh := newTestSession(t, Config{}, nil)

	tel.inject(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)
	tel.inject(`{"event":"media","media":{"payload":"QUFB","timestamp":"100"}}`)
	aiFrames := waitWrites(t, ai, 1)
	if got := frameType(t, aiFrames[0]); got != "input_audio_buffer.append" {
		t.Fatalf("ai write = %q, want caller audio forwarded", got)
	}

	ai.inject(`{"type":"response.audio.delta","item_id":"item_a","delta":"QkJC"}`)
	telFrames := waitWrites(t, tel, 2)
	if frameType(t, telFrames[0]) != "media" || frameType(t, telFrames[1]) != "mark" {
		t.Fatalf("tel writes = %q,%q, want media then mark", frameType(t, telFrames[0]), frameType(t, telFrames[1]))
	}
	var media struct {
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(telFrames[0], &media); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if media.StreamSID != "MZ1" || media.Media.Payload != "QkJC" {
		t.Fatalf("media frame = %+v", media)
	}

	ai.inject(`{"type":"response.audio.delta","item_id":"item_a","delta":"Q0ND"}`)
	waitWrites(t, tel, 4)

	// Advance the caller media clock, then interrupt.
	tel.inject(`{"event":"media","media":{"payload":"RERE","timestamp":"600"}}`)
	waitWrites(t, ai, 2)
	ai.inject(`{"type":"input_audio_buffer.speech_started"}`)

	aiFrames = waitWrites(t, ai, 3)
	var truncate struct {
		Type       string `json:"type"`
		ItemID     string `json:"item_id"`
		AudioEndMS int64  `json:"audio_end_ms"`
	}
	if err := json.Unmarshal(aiFrames[2], &truncate); err != nil {
		t.Fatalf("unmarshal truncate: %v", err)
	}
	if truncate.Type != "conversation.item.truncate" || truncate.ItemID != "item_a" {
		t.Fatalf("truncate = %+v", truncate)
	}
	if truncate.AudioEndMS != 500 {
		t.Fatalf("audio_end_ms = %d, want media clock delta 500", truncate.AudioEndMS)
	}

	telFrames = waitWrites(t, tel, 5)
	if got := frameType(t, telFrames[4]); got != "clear" {
		t.Fatalf("tel write after barge-in = %q, want clear", got)
	}

	// A second speech start with nothing in flight is a no-op; prove it by
	// sequencing another observable event behind it.
	ai.inject(`{"type":"input_audio_buffer.speech_started"}`)
	tel.inject(`{"event":"media","media":{"payload":"RUVF","timestamp":"700"}}`)
	aiFrames = waitWrites(t, ai, 4)
	if got := frameType(t, aiFrames[3]); got != "input_audio_buffer.append" {
		t.Fatalf("ai write = %q, want plain append with no second truncate", got)
	}

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestSession_MediaBeforeStartStillForwards(t *testing.T) {
	t.Parallel()
	_, tel, ai, errCh := newTestSession(t, Config{}, nil)

	tel.inject(`{"event":"media","media":{"payload":"QQ==","timestamp":"50"}}`)
	frames := waitWrites(t, ai, 1)
	if got := frameType(t, frames[0]); got != "input_audio_buffer.append" {
		t.Fatalf("ai write = %q", got)
	}

	// Outbound audio before start goes out without a mark, since marks need
	// the stream identifier.
	ai.inject(`{"type":"response.audio.delta","item_id":"item_a","delta":"Qg=="}`)
	telFrames := waitWrites(t, tel, 1)
	if got := frameType(t, telFrames[0]); got != "media" {
		t.Fatalf("tel write = %q", got)
	}

	tel.inject(`{"event":"media","media":{"payload":"Qw==","timestamp":"60"}}`)
	waitWrites(t, ai, 2)
	if len(tel.writes()) != 1 {
		t.Fatalf("tel writes = %d, want no mark before start", len(tel.writes()))
	}

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestSession_MalformedAndUnknownFramesAreTolerated(t *testing.T) {
	t.Parallel()
	_, tel, ai, errCh := newTestSession(t, Config{}, nil)

	tel.inject(`{broken`)
	tel.inject(`{"event":"dtmf","dtmf":{"digit":"1"}}`)
	ai.inject(`garbage`)
	ai.inject(`{"type":"response.created"}`)
	ai.inject(`{"type":"error","error":{"code":"x","message":"y"}}`)
	tel.inject(`{"event":"mark","mark":{"name":"responsePart"}}`)

	// The session is still alive and relaying.
	tel.inject(`{"event":"media","media":{"payload":"QQ==","timestamp":"10"}}`)
	frames := waitWrites(t, ai, 1)
	if got := frameType(t, frames[0]); got != "input_audio_buffer.append" {
		t.Fatalf("ai write = %q", got)
	}

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestSession_ToolCallRoundTrip(t *testing.T) {
	t.Parallel()
	_, tel, ai, errCh := newTestSession(t, Config{}, nil,
		tools.NewGetRates(tools.StaticRates("6.8 percent APR")))

	// An unknown tool name is a silent no-op.
	ai.inject(`{"type":"response.function_call_arguments.done","name":"ghost_tool","call_id":"c0","arguments":"{}"}`)
	ai.inject(`{"type":"response.function_call_arguments.done","name":"get_rates","call_id":"c1","arguments":"{}"}`)

	frames := waitWrites(t, ai, 2)
	if got := frameType(t, frames[0]); got != "conversation.item.create" {
		t.Fatalf("first ai write = %q, want function output", got)
	}
	var output struct {
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	if err := json.Unmarshal(frames[0], &output); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if output.Item.Type != "function_call_output" || output.Item.CallID != "c1" {
		t.Fatalf("output item = %+v", output.Item)
	}
	if got := frameType(t, frames[1]); got != "response.create" {
		t.Fatalf("second ai write = %q, want continuation request", got)
	}

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
}

func TestSession_EndCallToolTearsDown(t *testing.T) {
	t.Parallel()
	sess, _, ai, errCh := newTestSession(t, Config{}, nil, tools.NewEndCall())

	ai.inject(`{"type":"response.function_call_arguments.done","name":"end_call","call_id":"c1","arguments":"{}"}`)

	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("State = %v, want closed", sess.State())
	}

	frames := ai.writes()
	if len(frames) != 1 {
		t.Fatalf("ai writes = %d, want only the function output before hang-up", len(frames))
	}
	if got := frameType(t, frames[0]); got != "conversation.item.create" {
		t.Fatalf("ai write = %q", got)
	}
}

func TestSession_AICloseKeepsCallOpenByDefault(t *testing.T) {
	t.Parallel()
	_, tel, ai, errCh := newTestSession(t, Config{}, nil)

	ai.fail(io.EOF)

	// Caller audio after the agent is gone is dropped, not fatal.
	tel.inject(`{"event":"media","media":{"payload":"QQ==","timestamp":"10"}}`)

	select {
	case err := <-errCh:
		t.Fatalf("session ended on ai close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(ai.writes()) != 0 {
		t.Fatalf("ai writes = %d after disconnect, want 0", len(ai.writes()))
	}
	if ai.closeControls() != 0 {
		t.Fatalf("close control sent to already-closed ai connection")
	}
}

func TestSession_TeardownOnAIClose(t *testing.T) {
	t.Parallel()
	sess, _, ai, errCh := newTestSession(t, Config{TeardownOnAIClose: true}, nil)

	ai.fail(io.EOF)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("State = %v, want closed", sess.State())
	}
}

func TestSession_PersistsTranscriptOnTeardown(t *testing.T) {
	t.Parallel()
	store := transcript.NewMemoryStore()
	_, tel, ai, errCh := newTestSession(t, Config{}, store)

	ai.inject(`{"type":"conversation.item.created","item":{"id":"item_1","type":"message","status":"in_progress","role":"assistant"}}`)
	ai.inject(`{"type":"response.audio_transcript.done","item_id":"item_1","transcript":"rates start at 6.8 percent"}`)
	ai.inject(`{"type":"response.audio_transcript.done","item_id":"ghost","transcript":"dropped"}`)

	tel.inject(`{"event":"stop"}`)
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	rows, err := store.ListAll(context.Background(), "+15551230000")
	if err != nil {
		t.Fatalf("ListAll error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("persisted %d rows, want 1", len(rows))
	}
	if rows[0].ID != "item_1" || rows[0].Status != "completed" {
		t.Fatalf("row = %#v", rows[0])
	}
	var content []struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(rows[0].Content, &content); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if len(content) != 1 || content[0].Transcript != "rates start at 6.8 percent" {
		t.Fatalf("content = %#v", content)
	}
}

func TestSession_ShutdownUnblocksRun(t *testing.T) {
	t.Parallel()
	sess, _, _, errCh := newTestSession(t, Config{}, nil)

	sess.Shutdown()
	if err := waitDone(t, errCh); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("State = %v, want closed", sess.State())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	dispatcher := tools.NewDispatcher(tools.NewRegistry())

	_, err := New(Dependencies{AI: newFakeConn(), Tools: dispatcher, SessionID: "s", Caller: "c"})
	if err == nil {
		t.Fatal("New accepted nil telephony conn")
	}
	_, err = New(Dependencies{Telephony: newFakeConn(), AI: newFakeConn(), Tools: dispatcher, Caller: "c"})
	if err == nil {
		t.Fatal("New accepted empty session id")
	}
	_, err = New(Dependencies{Telephony: newFakeConn(), AI: newFakeConn(), SessionID: "s", Caller: "c"})
	if err == nil {
		t.Fatal("New accepted nil dispatcher")
	}
}
