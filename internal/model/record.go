// Package model defines the shared record type passed between the Graph
// fetcher, the sync engine, and the state store.
package model

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies which Graph collection a record came from. It is used for
// logging and error context only — the payload itself is never interpreted
// beyond the few accessor fields below.
type Kind int

const (
	KindTeam Kind = iota
	KindChannel
	KindChat
	KindMember
	KindMessage
	KindReply
)

// String returns the lowercase collection name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTeam:
		return "team"
	case KindChannel:
		return "channel"
	case KindChat:
		return "chat"
	case KindMember:
		return "member"
	case KindMessage:
		return "message"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Record is a single entity fetched from the Graph API: its id plus the raw
// JSON object it arrived in. The payload is stored verbatim — the mirror
// reads only the handful of fields exposed as accessors and never models the
// full entity schema.
type Record struct {
	ID      string
	Payload []byte
}

// NewRecord extracts the mandatory id field from a raw JSON object. A record
// without a non-empty id cannot be keyed and is a malformed-payload error.
func NewRecord(kind Kind, raw []byte) (Record, error) {
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return Record{}, fmt.Errorf("%s record has no id: %s", kind, Truncate(raw, 120))
	}
	return Record{ID: id, Payload: raw}, nil
}

// DisplayName returns the record's displayName field, or "" if absent.
func (r Record) DisplayName() string {
	return gjson.GetBytes(r.Payload, "displayName").String()
}

// Topic returns the record's topic field (chats), or "" if absent.
func (r Record) Topic() string {
	return gjson.GetBytes(r.Payload, "topic").String()
}

// CreatedDateTime returns the record's createdDateTime field as the raw
// ISO-8601 string the API sent. Graph timestamps are UTC and zero-padded, so
// lexicographic comparison matches chronological order and the value is used
// directly as a sort key.
func (r Record) CreatedDateTime() string {
	return gjson.GetBytes(r.Payload, "createdDateTime").String()
}

// MemberDisplayName returns the best display name for a member record:
// displayName when set, otherwise the user's email, otherwise the id.
func (r Record) MemberDisplayName() string {
	if name := r.DisplayName(); name != "" {
		return name
	}
	if email := gjson.GetBytes(r.Payload, "email").String(); email != "" {
		return email
	}
	return r.ID
}

// Truncate renders raw bytes as a log-safe string capped at n characters.
func Truncate(raw []byte, n int) string {
	s := strings.TrimSpace(string(raw))
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
