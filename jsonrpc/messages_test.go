package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestAnyMessage_RoundTrip(t *testing.T) {
	cases := []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`,
		`{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`,
		`{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`,
	}

	for _, raw := range cases {
		var msg AnyMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		out, err := json.Marshal(&msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var again AnyMessage
		if err := json.Unmarshal(out, &again); err != nil {
			t.Fatalf("re-decode %s: %v", out, err)
		}
		if again.Type() != msg.Type() {
			t.Fatalf("type changed across round-trip: %s vs %s", again.Type(), msg.Type())
		}
		if again.Method != msg.Method {
			t.Fatalf("method changed across round-trip: %q vs %q", again.Method, msg.Method)
		}
		if again.ID.String() != msg.ID.String() {
			t.Fatalf("id changed across round-trip: %q vs %q", again.ID.String(), msg.ID.String())
		}
	}
}

func TestAnyMessage_ShapeValidation(t *testing.T) {
	invalid := []string{
		`{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		`{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		`{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`{"jsonrpc":"2.0","id":1}`,
		`{"jsonrpc":"2.0","id":null,"method":"ping"}`,
	}
	for _, raw := range invalid {
		var msg AnyMessage
		if err := json.Unmarshal([]byte(raw), &msg); err == nil {
			t.Fatalf("expected decode of %s to fail", raw)
		}
	}

	// Unknown top-level fields are ignored, not rejected.
	var msg AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","future":"field"}`), &msg); err != nil {
		t.Fatalf("unknown field should be ignored: %v", err)
	}
}

func TestDecode_Batch(t *testing.T) {
	msgs, err := Decode([]byte(`[
		{"jsonrpc":"2.0","id":1,"method":"a"},
		{"jsonrpc":"2.0","method":"b"},
		{"jsonrpc":"2.0","id":2,"result":{}}
	]`))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wantTypes := []string{"request", "notification", "response"}
	for i, want := range wantTypes {
		if got := msgs[i].Type(); got != want {
			t.Fatalf("batch entry %d: expected %s, got %s", i, want, got)
		}
	}

	if _, err := Decode([]byte(`[]`)); err == nil {
		t.Fatal("empty batch should fail")
	}

	_, err = Decode([]byte(`{not json`))
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrorCodeParseError {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestRequestID_StringAndNumber(t *testing.T) {
	var numeric RequestID
	if err := json.Unmarshal([]byte(`42`), &numeric); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if numeric.String() != "42" {
		t.Fatalf("expected 42, got %q", numeric.String())
	}

	var str RequestID
	if err := json.Unmarshal([]byte(`"42"`), &str); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	if !str.Equal(&str) {
		t.Fatal("id must equal itself")
	}
	if str.Equal(&numeric) {
		t.Fatal(`"42" (string) must not equal 42 (number)`)
	}

	var bad RequestID
	if err := json.Unmarshal([]byte(`{"x":1}`), &bad); err == nil {
		t.Fatal("object id should fail")
	}
}

func TestNewResultResponse_NilResult(t *testing.T) {
	id := NewRequestID(1)
	res, err := NewResultResponse(id, nil)
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	if string(res.Result) != "{}" {
		t.Fatalf("nil result should encode as empty object, got %s", res.Result)
	}
}
