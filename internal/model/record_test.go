package model

import (
	"strings"
	"testing"
)

func TestNewRecord_ExtractsID(t *testing.T) {
	raw := []byte(`{"id":"19:abc@thread.tacv2","displayName":"General"}`)
	rec, err := NewRecord(KindChannel, raw)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if rec.ID != "19:abc@thread.tacv2" {
		t.Errorf("ID = %q, want %q", rec.ID, "19:abc@thread.tacv2")
	}
	if string(rec.Payload) != string(raw) {
		t.Error("payload was not preserved verbatim")
	}
}

func TestNewRecord_MissingID(t *testing.T) {
	for _, raw := range []string{`{}`, `{"id":""}`, `{"displayName":"x"}`} {
		if _, err := NewRecord(KindMessage, []byte(raw)); err == nil {
			t.Errorf("NewRecord(%s): expected error for missing id", raw)
		}
	}
}

func TestNewRecord_ErrorNamesKind(t *testing.T) {
	_, err := NewRecord(KindReply, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "reply") {
		t.Errorf("error %q does not name the record kind", err)
	}
}

func TestAccessors(t *testing.T) {
	rec := Record{Payload: []byte(`{
		"id": "1",
		"displayName": "Platform Team",
		"topic": "Release planning",
		"createdDateTime": "2026-08-14T09:30:00Z"
	}`)}

	if got := rec.DisplayName(); got != "Platform Team" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := rec.Topic(); got != "Release planning" {
		t.Errorf("Topic = %q", got)
	}
	if got := rec.CreatedDateTime(); got != "2026-08-14T09:30:00Z" {
		t.Errorf("CreatedDateTime = %q", got)
	}
}

func TestAccessors_AbsentFields(t *testing.T) {
	rec := Record{Payload: []byte(`{"id":"1"}`)}
	if rec.DisplayName() != "" || rec.Topic() != "" || rec.CreatedDateTime() != "" {
		t.Error("accessors should return empty strings for absent fields")
	}
}

func TestMemberDisplayName_Fallbacks(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"id":"m1","displayName":"Ada Lovelace","email":"ada@example.com"}`, "Ada Lovelace"},
		{`{"id":"m2","email":"grace@example.com"}`, "grace@example.com"},
		{`{"id":"m3"}`, "m3"},
	}
	for _, tt := range tests {
		rec, err := NewRecord(KindMember, []byte(tt.payload))
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		if got := rec.MemberDisplayName(); got != tt.want {
			t.Errorf("MemberDisplayName(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}
