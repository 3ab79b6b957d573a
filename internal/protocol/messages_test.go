package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing message:send
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"type":"message:send","payload":{"recipientId":"bob","content":"hi","kind":"text","idempotencyKey":"k1"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessageSend {
		t.Fatalf("expected type %q, got %q", TypeMessageSend, msgType)
	}

	sm, ok := msg.(SendMsg)
	if !ok {
		t.Fatalf("expected SendMsg, got %T", msg)
	}
	if sm.RecipientID != "bob" || sm.Content != "hi" || sm.Kind != "text" || sm.IdempotencyKey != "k1" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: call:signal keeps its own "type" and an opaque signal blob
// ---------------------------------------------------------------------------

func TestParseClientMessage_CallSignalOpaque(t *testing.T) {
	input := []byte(`{"type":"call:signal","payload":{"type":"offer","target":"bob","callId":"call-1","signal":{"sdp":"v=0\r\n","nested":[1,2,{"x":null}]}}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cs, ok := msg.(CallSignalMsg)
	if !ok {
		t.Fatalf("expected CallSignalMsg, got %T", msg)
	}
	if cs.Type != "offer" || cs.Target != "bob" || cs.CallID != "call-1" {
		t.Errorf("unexpected payload: %+v", cs)
	}
	want := `{"sdp":"v=0\r\n","nested":[1,2,{"x":null}]}`
	if string(cs.Signal) != want {
		t.Errorf("signal not preserved verbatim:\n got %s\nwant %s", cs.Signal, want)
	}
}

// ---------------------------------------------------------------------------
// Test: every client event decodes to its struct
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		input    string
		wantType string
		check    func(t *testing.T, msg interface{})
	}{
		{
			input:    `{"type":"room:join","payload":{"roomId":"g1","roomKind":"group"}}`,
			wantType: TypeRoomJoin,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(RoomMsg); m.RoomID != "g1" || m.RoomKind != "group" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"room:leave","payload":{"roomId":"g1","roomKind":"group"}}`,
			wantType: TypeRoomLeave,
			check:    func(t *testing.T, msg interface{}) { _ = msg.(RoomMsg) },
		},
		{
			input:    `{"type":"message:typing","payload":{"conversationId":"g1","isTyping":true}}`,
			wantType: TypeMessageTyping,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(TypingMsg); !m.IsTyping || m.ConversationID != "g1" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"message:read","payload":{"messageId":"m1","conversationId":"g1"}}`,
			wantType: TypeMessageRead,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(ReadMsg); m.MessageID != "m1" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"notification:read","payload":{"all":true}}`,
			wantType: TypeNotifyRead,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(NotifyReadMsg); !m.All || m.NotificationID != "" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"message:edit","payload":{"messageId":"m1","content":"fixed"}}`,
			wantType: TypeMessageEdit,
			check:    func(t *testing.T, msg interface{}) { _ = msg.(EditMsg) },
		},
		{
			input:    `{"type":"message:delete","payload":{"messageId":"m1"}}`,
			wantType: TypeMessageDelete,
			check:    func(t *testing.T, msg interface{}) { _ = msg.(DeleteMsg) },
		},
		{
			input:    `{"type":"status:update","payload":{"status":"busy","customMessage":"in a session"}}`,
			wantType: TypeStatusUpdate,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(StatusMsg); m.Status != "busy" || m.CustomMessage != "in a session" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"call:start","payload":{"participants":["bob","carol"],"media":"video"}}`,
			wantType: TypeCallStart,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(CallStartMsg); len(m.Participants) != 2 {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"call:control","payload":{"callId":"c1","action":"mute"}}`,
			wantType: TypeCallControl,
			check: func(t *testing.T, msg interface{}) {
				if m := msg.(CallControlMsg); m.Action != "mute" {
					t.Errorf("got %+v", m)
				}
			},
		},
		{
			input:    `{"type":"ping"}`,
			wantType: TypePing,
			check:    func(t *testing.T, msg interface{}) { _ = msg.(PingMsg) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tt.wantType {
				t.Fatalf("type = %q, want %q", msgType, tt.wantType)
			}
			tt.check(t, msg)
		})
	}
}

// ---------------------------------------------------------------------------
// Test: malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"payload":{}}`},
		{"empty type", `{"type":"","payload":{}}`},
		{"unknown type", `{"type":"match:find","payload":{}}`},
		{"server-only type", `{"type":"message:new","payload":{}}`},
		{"missing payload", `{"type":"message:send"}`},
		{"payload wrong shape", `{"type":"message:send","payload":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: server message encoding
// ---------------------------------------------------------------------------

func TestNewServerMessage(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: CodeRateLimited, Message: "slow down", RetryAfter: 1500})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("output is not a valid envelope: %v", err)
	}
	if env.Type != TypeError {
		t.Errorf("type = %q, want %q", env.Type, TypeError)
	}
	if env.Timestamp == 0 {
		t.Error("timestamp should be set")
	}

	var payload ErrorMsg
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Code != CodeRateLimited || payload.RetryAfter != 1500 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestNewServerMessage_SignalRoundTrip(t *testing.T) {
	blob := json.RawMessage(`{"candidate":"a=1","sdpMLineIndex":0}`)
	data := MustServerMessage(TypeCallSignal, CallSignalOutMsg{Type: "ice", Signal: blob, CallID: "c1", From: "alice"})

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var out CallSignalOutMsg
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(out.Signal) != string(blob) {
		t.Errorf("signal = %s, want %s", out.Signal, blob)
	}
	if out.Type != "ice" || out.From != "alice" {
		t.Errorf("payload = %+v", out)
	}
}

func TestNewServerMessage_Unmarshalable(t *testing.T) {
	if _, err := NewServerMessage(TypeError, make(chan int)); err == nil {
		t.Error("expected error for unmarshalable payload")
	}
}
