package protocol

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestReviewRequestHTTPRoundTrip(t *testing.T) {
	f := Frame{
		Type:    TypeReviewRequest,
		ID:      "req-1",
		Kind:    KindHTTP,
		Method:  "GET",
		URL:     "http://example.test/a",
		Headers: map[string]string{"Host": "example.test"},
		Body:    base64.StdEncoding.EncodeToString([]byte("hello")),
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindHTTP || got.Method != "GET" || got.URL != f.URL {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Headers["Host"] != "example.test" {
		t.Errorf("headers not preserved: %+v", got.Headers)
	}
}

func TestDecisionWithModified(t *testing.T) {
	url := "http://other.test/b"
	f := Frame{
		Type:   TypeDecision,
		ID:     "req-1",
		Action: ActionAccept,
		Modified: &Modified{
			URL: &url,
		},
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Modified == nil || got.Modified.URL == nil || *got.Modified.URL != url {
		t.Fatalf("modified.url not preserved: %+v", got.Modified)
	}
	if got.Modified.Method != nil {
		t.Errorf("expected unset Method to decode as nil, got %v", got.Modified.Method)
	}
}

func TestDecisionReject(t *testing.T) {
	f := Frame{Type: TypeDecision, ID: "req-1", Action: ActionReject, Reason: "blocked"}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Action != ActionReject || got.Reason != "blocked" {
		t.Errorf("reject decision mismatch: %+v", got)
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	f := Frame{
		Type: TypeData,
		ID:   "conn-1",
		Host: "example.test",
		Port: "443",
		Data: base64.StdEncoding.EncodeToString([]byte("ABC")),
	}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(got.Data)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if string(raw) != "ABC" {
		t.Errorf("data = %q, want %q", raw, "ABC")
	}
}

func TestEndFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeEnd, ID: "conn-1"}
	data, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeEnd || got.ID != "conn-1" {
		t.Errorf("end frame mismatch: %+v", got)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected decode error for malformed JSON")
	}
	var de *DecodeError
	if !isDecodeError(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestDecodeUnrecognizedType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus","id":"x"}`))
	if err == nil {
		t.Fatal("expected decode error for unrecognized type")
	}
	if !strings.Contains(err.Error(), "unrecognized type") {
		t.Errorf("error = %q, want mention of unrecognized type", err.Error())
	}
}

func isDecodeError(err error, target **DecodeError) bool {
	de, ok := err.(*DecodeError)
	if ok {
		*target = de
	}
	return ok
}
