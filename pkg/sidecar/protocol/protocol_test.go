package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeServerMessage_AwaitingApproval(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"AWAITING_APPROVAL","message":"MANDATORY PAUSE","session_id":"abc123","details":{"action":"wire_transfer","amount":250,"recipient":"Jane Doe","session_id":"abc123"}}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	event, ok := msg.(StatusEvent)
	if !ok {
		t.Fatalf("msg type=%T, want StatusEvent", msg)
	}
	if event.SessionID != "abc123" || event.Status != StatusAwaitingApproval {
		t.Fatalf("event=%+v", event)
	}
	if event.Approval == nil {
		t.Fatalf("expected approval details")
	}
	if event.Approval.Action != "wire_transfer" || event.Approval.Recipient != "Jane Doe" {
		t.Fatalf("approval=%+v", event.Approval)
	}
	if got := event.Approval.FormatAmount(); got != "250.00" {
		t.Fatalf("amount=%q, want %q", got, "250.00")
	}
}

func TestDecodeServerMessage_AwaitingApprovalRequiresDetails(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"absent":           `{"type":"status_update","status":"AWAITING_APPROVAL","session_id":"s1"}`,
		"empty object":     `{"type":"status_update","status":"AWAITING_APPROVAL","session_id":"s1","details":{}}`,
		"null amount":      `{"type":"status_update","status":"AWAITING_APPROVAL","session_id":"s1","details":{"action":"pay","amount":null,"recipient":"Bob"}}`,
		"negative amount":  `{"type":"status_update","status":"AWAITING_APPROVAL","session_id":"s1","details":{"action":"pay","amount":-1,"recipient":"Bob"}}`,
		"missing receiver": `{"type":"status_update","status":"AWAITING_APPROVAL","session_id":"s1","details":{"action":"pay","amount":1}}`,
	}
	for name, raw := range cases {
		name, raw := name, raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeServerMessage([]byte(raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v, want *DecodeError", err)
			}
		})
	}
}

func TestDecodeServerMessage_RejectsApprovalFieldsOnOtherStatus(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"EXECUTING","session_id":"s1","details":{"action":"pay","amount":5,"recipient":"Bob"}}`)
	if _, err := DecodeServerMessage(raw); err == nil {
		t.Fatalf("expected error for approval details on EXECUTING")
	}
}

func TestDecodeServerMessage_EmptyDetailsAreAbsent(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"EXECUTING","message":"Navigating","session_id":"s1","details":{}}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	event := msg.(StatusEvent)
	if event.Approval != nil || event.Transcript != "" {
		t.Fatalf("event=%+v, want no details", event)
	}
	if event.Message != "Navigating" {
		t.Fatalf("message=%q", event.Message)
	}
}

func TestDecodeServerMessage_MissingFields(t *testing.T) {
	t.Parallel()

	if _, err := DecodeServerMessage([]byte(`{"type":"status_update","session_id":"s1"}`)); err == nil {
		t.Fatalf("expected error for missing status")
	}
	if _, err := DecodeServerMessage([]byte(`{"type":"status_update","status":"EXECUTING"}`)); err == nil {
		t.Fatalf("expected error for missing session_id")
	}
	if _, err := DecodeServerMessage([]byte(`{"status":"EXECUTING","session_id":"s1"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := DecodeServerMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := DecodeServerMessage([]byte(`{"type":"status_update","status":"DANCING","session_id":"s1"}`)); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestDecodeServerMessage_SessionIDFromDetails(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"EXECUTING","details":{"session_id":"s9"}}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if got := msg.(StatusEvent).SessionID; got != "s9" {
		t.Fatalf("session_id=%q, want %q", got, "s9")
	}
}

func TestDecodeServerMessage_PhaseAlias(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"SELF_HEALING","session_id":"s1","details":{}}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	event := msg.(StatusEvent)
	if event.Status != StatusExecuting {
		t.Fatalf("status=%q, want %q", event.Status, StatusExecuting)
	}
	if event.Phase != "SELF_HEALING" {
		t.Fatalf("phase=%q, want %q", event.Phase, "SELF_HEALING")
	}
}

func TestDecodeServerMessage_Transcript(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"status_update","status":"PARSING_COMPLETE","session_id":"s1","details":{"transcribed_text":" pay jane "}}`)
	msg, err := DecodeServerMessage(raw)
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if got := msg.(StatusEvent).Transcript; got != "pay jane" {
		t.Fatalf("transcript=%q, want %q", got, "pay jane")
	}
}

func TestDecodeServerMessage_Disconnect(t *testing.T) {
	t.Parallel()

	msg, err := DecodeServerMessage([]byte(`{"type":"disconnect"}`))
	if err != nil {
		t.Fatalf("DecodeServerMessage error: %v", err)
	}
	if _, ok := msg.(Disconnect); !ok {
		t.Fatalf("msg type=%T, want Disconnect", msg)
	}
}

func TestClientFramesRoundTripThroughDecoder(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NewUserDecision(Decision{SessionID: " abc123 ", Outcome: OutcomeApproved}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"user_decision","session_id":"abc123","decision":"approved"}` {
		t.Fatalf("frame=%s", data)
	}
	msg, err := DecodeClientMessage(data)
	if err != nil {
		t.Fatalf("DecodeClientMessage error: %v", err)
	}
	if got := msg.(ClientUserDecision); got.Decision != "approved" {
		t.Fatalf("decision=%q", got.Decision)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"user_decision","session_id":"s1","decision":"maybe"}`)); err == nil {
		t.Fatalf("expected error for invalid decision")
	}
	if _, err := DecodeClientMessage([]byte(`{"type":"halt_session"}`)); err == nil {
		t.Fatalf("expected error for halt without session")
	}
}

func TestEncodeStatusUpdate_NilDetailsSentAsObject(t *testing.T) {
	t.Parallel()

	data, err := EncodeStatusUpdate("s1", "EXECUTING", "go", nil)
	if err != nil {
		t.Fatalf("EncodeStatusUpdate error: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := frame["details"].(map[string]any); !ok {
		t.Fatalf("details=%v, want object", frame["details"])
	}
}

func TestStatusCodeClassification(t *testing.T) {
	t.Parallel()

	if !StatusSuccess.Terminal() || !StatusFailure.Terminal() || StatusResuming.Terminal() {
		t.Fatalf("unexpected Terminal classification")
	}
	if !StatusCriticalHalt.IsError() || StatusIdle.IsError() {
		t.Fatalf("unexpected IsError classification")
	}
	if StatusCode("NOPE").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}
