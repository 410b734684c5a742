package memory_test

import (
	"errors"
	"testing"

	"github.com/EAbdou1/recallkit/memory"
)

func TestKeys(t *testing.T) {
	sc := memory.Scope{Namespace: "acme", UserID: "u1"}
	if got := memory.MembershipKey(sc); got != "memories:acme:u1:ids" {
		t.Errorf("MembershipKey = %q", got)
	}
	if got := memory.DocumentKey(sc, "m1"); got != "memories:acme:u1:m1" {
		t.Errorf("DocumentKey = %q", got)
	}
	if got := memory.MembershipPattern("acme"); got != "memories:acme:*:ids" {
		t.Errorf("MembershipPattern = %q", got)
	}
}

func TestParseMembershipKey(t *testing.T) {
	tests := []struct {
		key  string
		want memory.Scope
		ok   bool
	}{
		{"memories:acme:u1:ids", memory.Scope{Namespace: "acme", UserID: "u1"}, true},
		{"memories:acme:user:with:colons:ids", memory.Scope{Namespace: "acme", UserID: "user:with:colons"}, true},
		{"memories:acme:u1:m1", memory.Scope{}, false},
		{"apikey:abc", memory.Scope{}, false},
		{"memories::u1:ids", memory.Scope{}, false},
	}
	for _, tt := range tests {
		got, ok := memory.ParseMembershipKey(tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseMembershipKey(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestScopeValidate(t *testing.T) {
	if err := (memory.Scope{Namespace: "acme", UserID: "u1"}).Validate(); err != nil {
		t.Errorf("valid scope rejected: %v", err)
	}
	for _, sc := range []memory.Scope{{}, {Namespace: "acme"}, {UserID: "u1"}, {Namespace: " ", UserID: "u1"}} {
		if err := sc.Validate(); !errors.Is(err, memory.ErrInvalidInput) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidInput", sc, err)
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []memory.OperationResult{
		{MemoryID: "a", Operation: memory.EventAdd, Success: true},
		{MemoryID: "b", Operation: memory.EventUpdate, Success: false, Error: "Memory not found for update"},
		{MemoryID: "c", Operation: memory.EventNone, Success: true},
		{MemoryID: "d", Operation: memory.EventDelete, Success: true},
	}
	s := memory.Summarize(results)
	if s.Total != 4 || s.Successful != 3 || s.Failed != 1 {
		t.Errorf("summary counts = %+v", s)
	}
	if s.Operations[memory.EventAdd] != 1 || s.Operations[memory.EventUpdate] != 1 {
		t.Errorf("operations = %v", s.Operations)
	}
	if got := memory.ChangedCount(results); got != 2 {
		t.Errorf("ChangedCount = %d, want 2", got)
	}
}
