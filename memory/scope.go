package memory

import (
	"fmt"
	"strings"
)

// KeyPrefix is the root of every memory key.
const KeyPrefix = "memories:"

const membershipSuffix = ":ids"

// Scope identifies one end-user inside one namespace.
type Scope struct {
	Namespace string `json:"namespace"`
	UserID    string `json:"userId"`
}

// Validate rejects scopes with a missing namespace or user id.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.Namespace) == "" || strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: namespace and userId are required", ErrInvalidInput)
	}
	return nil
}

func (s Scope) String() string {
	return s.Namespace + "/" + s.UserID
}

// Prefix returns "memories:{namespace}:{userId}".
func (s Scope) Prefix() string {
	return KeyPrefix + s.Namespace + ":" + s.UserID
}

// MembershipKey returns "memories:{namespace}:{userId}:ids".
func MembershipKey(s Scope) string {
	return s.Prefix() + membershipSuffix
}

// DocumentKey returns "memories:{namespace}:{userId}:{memoryId}".
func DocumentKey(s Scope, id string) string {
	return s.Prefix() + ":" + id
}

// MembershipPattern returns a glob matching the membership keys of a namespace.
// An empty namespace matches every namespace.
func MembershipPattern(namespace string) string {
	if namespace == "" {
		return KeyPrefix + "*" + membershipSuffix
	}
	return KeyPrefix + namespace + ":*" + membershipSuffix
}

// ParseMembershipKey recovers the scope from a membership key.
// The namespace ends at the first separator.
func ParseMembershipKey(key string) (Scope, bool) {
	if !strings.HasPrefix(key, KeyPrefix) || !strings.HasSuffix(key, membershipSuffix) {
		return Scope{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(key, KeyPrefix), membershipSuffix)
	ns, user, ok := strings.Cut(body, ":")
	if !ok || ns == "" || user == "" {
		return Scope{}, false
	}
	return Scope{Namespace: ns, UserID: user}, true
}
