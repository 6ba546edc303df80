// Package session implements the per-call relay between a telephony media
// stream and an AI realtime connection. One CallSession owns both sockets
// exclusively; every piece of mutable call state is touched only by the
// Run loop, so ordering invariants (barge-in reset vs. mark enqueue) hold
// without locks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devize-ai/callbridge/pkg/bridge/realtime"
	"github.com/devize-ai/callbridge/pkg/bridge/tools"
	"github.com/devize-ai/callbridge/pkg/bridge/transcript"
	"github.com/devize-ai/callbridge/pkg/bridge/twilio"
)

// State is the session lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the subset of a WebSocket connection the session needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Config carries the per-session policy and the AI session parameters.
type Config struct {
	Voice         string
	Temperature   float64
	TurnThreshold float64
	TurnSilenceMS int
	Instructions  string
	Greeting      string

	WriteTimeout time.Duration

	// TeardownOnAIClose ends the whole call when the AI side disconnects.
	// When false the call stays up with no agent, matching the historical
	// behavior.
	TeardownOnAIClose bool

	// ReplayHistory seeds a fresh AI session with the caller's stored
	// transcript before the greeting.
	ReplayHistory bool
}

// Dependencies wires a CallSession. Telephony and AI must already be open;
// the AI handshake happens before the session exists so that a failed
// handshake rejects the call instead of holding the line.
type Dependencies struct {
	Telephony Conn
	AI        Conn
	Logger    *slog.Logger
	Tools     *tools.Dispatcher
	Store     transcript.Store
	SessionID string
	Caller    string
	Config    Config
	Now       func() time.Time
}

// CallSession relays one phone call.
type CallSession struct {
	telephony Conn
	ai        Conn
	logger    *slog.Logger
	tools     *tools.Dispatcher
	store     transcript.Store
	sessionID string
	caller    string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	telWriteMu sync.Mutex
	aiWriteMu  sync.Mutex

	state    atomic.Int32
	attached atomic.Int32

	toolCh chan toolOutcome
	toolWG sync.WaitGroup

	// Mutated only by the Run loop.
	streamSID     string
	latestMediaMS int64
	playback      playbackState
	items         *itemLog
	aiClosed      bool
}

type inboundFrame struct {
	data []byte
	err  error
}

type toolOutcome struct {
	name   string
	callID string
	output json.RawMessage
}

func New(deps Dependencies) (*CallSession, error) {
	if deps.Telephony == nil {
		return nil, fmt.Errorf("telephony connection is required")
	}
	if deps.AI == nil {
		return nil, fmt.Errorf("ai connection is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Caller == "" {
		return nil, fmt.Errorf("caller is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		telephony: deps.Telephony,
		ai:        deps.AI,
		logger:    deps.Logger.With("session_id", deps.SessionID, "caller", deps.Caller),
		tools:     deps.Tools,
		store:     deps.Store,
		sessionID: deps.SessionID,
		caller:    deps.Caller,
		cfg:       deps.Config,
		now:       deps.Now,
		ctx:       ctx,
		cancel:    cancel,
		toolCh:    make(chan toolOutcome, 8),
		items:     newItemLog(),
	}
	s.state.Store(int32(StateConnecting))
	return s, nil
}

func (s *CallSession) State() State {
	return State(s.state.Load())
}

// Attached reports the number of client connections currently bound to the
// session.
func (s *CallSession) Attached() int {
	return int(s.attached.Load())
}

// StreamSID is the telephony stream identifier, empty until the start
// frame arrives.
func (s *CallSession) StreamSID() string {
	return s.streamSID
}

// Shutdown asks the session to stop. Safe to call from any goroutine; the
// Run loop notices promptly because closing the context unblocks it and
// teardown closes both sockets, which unblocks the read pumps.
func (s *CallSession) Shutdown() {
	s.cancel()
}

// Run drives the session until the telephony side closes, the AI requests
// a hang-up, or Shutdown is called. It always performs ordered teardown:
// close the AI socket with a normal-closure code, persist the transcript,
// release resources.
func (s *CallSession) Run() error {
	s.attached.Add(1)

	telCh := make(chan inboundFrame, 64)
	aiCh := make(chan inboundFrame, 64)
	go s.readPump(s.telephony, telCh)
	go s.readPump(s.ai, aiCh)

	err := s.loop(telCh, aiCh)

	s.cancel()
	s.toolWG.Wait()
	s.teardown()
	return err
}

func (s *CallSession) readPump(conn Conn, ch chan<- inboundFrame) {
	defer close(ch)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case ch <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case ch <- inboundFrame{data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *CallSession) loop(telCh, aiCh <-chan inboundFrame) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil

		case frame, ok := <-telCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				// Telephony closure is the session end trigger.
				s.logClose("telephony", frame.err)
				return nil
			}
			done, err := s.handleTelephonyFrame(frame.data)
			if err != nil || done {
				return err
			}

		case frame, ok := <-aiCh:
			if !ok || frame.err != nil {
				if ok {
					s.logClose("ai", frame.err)
				}
				s.aiClosed = true
				if s.cfg.TeardownOnAIClose {
					s.logger.Info("ai connection lost, tearing down call")
					return nil
				}
				// The call stays live with no agent responding.
				s.logger.Warn("ai connection lost, keeping call open")
				aiCh = nil
				continue
			}
			done, err := s.handleAIEvent(frame.data)
			if err != nil || done {
				return err
			}

		case outcome := <-s.toolCh:
			done, err := s.handleToolOutcome(outcome)
			if err != nil || done {
				return err
			}
		}
	}
}

func (s *CallSession) logClose(side string, err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Debug("connection closed", "side", side)
		return
	}
	s.logger.Warn("connection error", "side", side, "error", err)
}

func (s *CallSession) handleTelephonyFrame(data []byte) (bool, error) {
	event, err := twilio.DecodeFrame(data)
	if err != nil {
		// One bad frame must not drop an active phone call.
		s.logger.Warn("dropping malformed telephony frame", "error", err)
		return false, nil
	}

	switch event := event.(type) {
	case twilio.StartEvent:
		if s.streamSID == "" {
			s.streamSID = event.StreamSID
			s.logger.Info("media stream started", "stream_sid", event.StreamSID, "call_sid", event.CallSID)
		}
	case twilio.MediaEvent:
		if event.TimestampMS > 0 {
			s.latestMediaMS = event.TimestampMS
		}
		if s.aiClosed {
			return false, nil
		}
		if err := s.sendAI(realtime.NewInputAudioAppend(event.Payload)); err != nil {
			return false, fmt.Errorf("forward caller audio: %w", err)
		}
	case twilio.MarkEvent:
		if !s.playback.AckMark() {
			// Late or duplicate acknowledgment, tolerated.
			s.logger.Debug("mark with empty queue", "name", event.Name)
		}
	case twilio.StopEvent:
		s.logger.Info("media stream stopped")
		return true, nil
	case twilio.UnknownEvent:
		s.logger.Debug("ignoring telephony event", "event", event.Event)
	}
	return false, nil
}

func (s *CallSession) handleAIEvent(data []byte) (bool, error) {
	event, err := realtime.DecodeEvent(data)
	if err != nil {
		s.logger.Warn("dropping malformed ai event", "error", err)
		return false, nil
	}

	switch event := event.(type) {
	case realtime.SessionCreated:
		return false, s.configureSession()
	case realtime.SessionUpdated:
		s.logger.Debug("ai session updated")
	case realtime.ConversationItemCreated:
		s.items.Upsert(event.Item, s.now().UnixMilli())
		s.persistItem(event.Item.ID)
	case realtime.AudioTranscriptDone:
		if s.items.SetTranscript(event.ItemID, event.Transcript) {
			s.persistItem(event.ItemID)
		} else {
			s.logger.Debug("transcript for unknown item", "item_id", event.ItemID)
		}
	case realtime.SpeechStarted:
		return false, s.handleBargeIn()
	case realtime.AudioDelta:
		return false, s.handleAudioDelta(event)
	case realtime.FunctionCallArgumentsDone:
		s.dispatchTool(event)
	case realtime.ResponseDone:
		s.logger.Debug("ai response done")
	case realtime.ErrorEvent:
		// Service errors are informational; teardown is the recovery path
		// and it is driven by socket closure, not by error events.
		s.logger.Error("ai service error", "code", event.Code, "message", event.Message)
	case realtime.UnknownEvent:
		s.logger.Debug("ignoring ai event", "type", event.Type)
	}
	return false, nil
}

// configureSession runs on session.created: push the session configuration,
// optionally replay stored history, then request the greeting response.
func (s *CallSession) configureSession() error {
	defs := s.tools.Definitions()
	sessionTools := make([]realtime.Tool, 0, len(defs))
	for _, def := range defs {
		sessionTools = append(sessionTools, realtime.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	update := realtime.NewSessionUpdate(realtime.SessionConfig{
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         s.cfg.TurnThreshold,
			SilenceDurationMS: s.cfg.TurnSilenceMS,
		},
		Voice:        s.cfg.Voice,
		Tools:        sessionTools,
		Instructions: s.cfg.Instructions,
		Temperature:  s.cfg.Temperature,
	})
	if err := s.sendAI(update); err != nil {
		return fmt.Errorf("configure ai session: %w", err)
	}

	if s.cfg.ReplayHistory && s.store != nil {
		rows, err := s.store.ListAll(s.ctx, s.sessionID)
		if err != nil {
			s.logger.Warn("history replay skipped", "error", err)
		} else {
			for _, event := range replayEvents(rows) {
				if err := s.sendAI(event); err != nil {
					return fmt.Errorf("replay history: %w", err)
				}
			}
			if len(rows) > 0 {
				s.logger.Info("replayed history", "items", len(rows))
			}
		}
	}

	if err := s.sendAI(realtime.NewResponseCreate(s.cfg.Greeting)); err != nil {
		return fmt.Errorf("request greeting: %w", err)
	}

	s.state.Store(int32(StateActive))
	s.logger.Info("session active")
	return nil
}

// handleBargeIn cuts off in-flight playback when the caller starts talking:
// truncate the AI's record of the current assistant item to the audio that
// was actually heard, clear the telephony playback buffer, and reset the
// playback state in one step. A speech-start with nothing in flight is a
// no-op.
func (s *CallSession) handleBargeIn() error {
	if !s.playback.ResponseInFlight() || s.playback.Pending() == 0 {
		return nil
	}

	elapsed := s.latestMediaMS - s.playback.ResponseStartMS()
	if elapsed < 0 {
		elapsed = 0
	}

	if itemID := s.playback.AssistantItemID(); itemID != "" && !s.aiClosed {
		if err := s.sendAI(realtime.NewItemTruncate(itemID, elapsed)); err != nil {
			return fmt.Errorf("truncate assistant item: %w", err)
		}
	}
	if err := s.sendTelephony(twilio.NewClearFrame(s.streamSID)); err != nil {
		return fmt.Errorf("clear playback buffer: %w", err)
	}

	s.playback.Reset()
	s.logger.Info("barge-in", "audio_end_ms", elapsed)
	return nil
}

func (s *CallSession) handleAudioDelta(event realtime.AudioDelta) error {
	if err := s.sendTelephony(twilio.NewMediaFrame(s.streamSID, event.Delta)); err != nil {
		return fmt.Errorf("forward ai audio: %w", err)
	}

	s.playback.BeginResponse(s.latestMediaMS)
	s.playback.SetAssistantItem(event.ItemID)

	// Marks need the stream identifier; deltas arriving before the start
	// frame are forwarded without playback tracking.
	if s.streamSID != "" {
		if err := s.sendTelephony(twilio.NewMarkFrame(s.streamSID, twilio.MarkName)); err != nil {
			return fmt.Errorf("send playback mark: %w", err)
		}
		s.playback.EnqueueMark(twilio.MarkName)
	}
	return nil
}

// dispatchTool runs the handler off the loop so a slow side effect never
// blocks the audio path. The outcome comes back through toolCh, so the
// function-call output is still written to the AI socket by the loop, in
// order, before the continuation request.
func (s *CallSession) dispatchTool(event realtime.FunctionCallArgumentsDone) {
	if !s.tools.Has(event.Name) {
		// Defined soft failure: a schema mismatch must not kill the call.
		s.logger.Warn("ignoring unknown tool call", "tool", event.Name, "call_id", event.CallID)
		return
	}

	s.toolWG.Add(1)
	go func() {
		defer s.toolWG.Done()
		output, err := s.tools.Dispatch(s.ctx, event.Name, event.CallID, event.Arguments)
		if err != nil {
			s.logger.Warn("tool dispatch failed", "tool", event.Name, "error", err)
			return
		}
		select {
		case s.toolCh <- toolOutcome{name: event.Name, callID: event.CallID, output: output}:
		case <-s.ctx.Done():
		}
	}()
}

func (s *CallSession) handleToolOutcome(outcome toolOutcome) (bool, error) {
	if s.aiClosed {
		s.logger.Debug("dropping tool output, ai connection closed", "tool", outcome.name)
		return outcome.name == tools.ToolEndCall, nil
	}

	if err := s.sendAI(realtime.NewFunctionCallOutput(outcome.callID, outcome.output)); err != nil {
		return false, fmt.Errorf("send tool output: %w", err)
	}

	if outcome.name == tools.ToolEndCall {
		s.logger.Info("hang-up requested by agent")
		return true, nil
	}

	if err := s.sendAI(realtime.NewResponseCreate("")); err != nil {
		return false, fmt.Errorf("request tool continuation: %w", err)
	}
	return false, nil
}

func (s *CallSession) persistItem(itemID string) {
	if s.store == nil {
		return
	}
	row, ok := s.items.Row(itemID)
	if !ok {
		return
	}
	if err := s.store.Append(s.ctx, s.sessionID, row); err != nil {
		s.logger.Warn("transcript append failed", "item_id", itemID, "error", err)
	}
}

// teardown is the single exit path: close the AI socket with a normal
// closure code, close telephony, flush the transcript, release the
// attachment.
func (s *CallSession) teardown() {
	s.state.Store(int32(StateClosing))

	if !s.aiClosed {
		deadline := s.now().Add(s.cfg.WriteTimeout)
		_ = s.ai.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), deadline)
	}
	_ = s.ai.Close()
	_ = s.telephony.Close()

	if s.store != nil && s.items.Len() > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, row := range s.items.Rows() {
			if err := s.store.Append(flushCtx, s.sessionID, row); err != nil {
				s.logger.Warn("transcript flush failed", "item_id", row.ID, "error", err)
			}
		}
	}

	s.attached.Add(-1)
	s.state.Store(int32(StateClosed))
	s.logger.Info("session closed", "items", s.items.Len())
}

func (s *CallSession) sendAI(v any) error {
	return s.writeJSON(s.ai, &s.aiWriteMu, v)
}

func (s *CallSession) sendTelephony(v any) error {
	return s.writeJSON(s.telephony, &s.telWriteMu, v)
}

func (s *CallSession) writeJSON(conn Conn, mu *sync.Mutex, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound frame: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(s.now().Add(s.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
