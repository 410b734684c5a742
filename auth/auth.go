// Package auth resolves developer API keys to the namespace they grant
// access to. Credentials are written by an external dashboard; this
// package only reads them.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnauthorized is returned for a missing or unknown API key.
var ErrUnauthorized = errors.New("invalid API key")

// ConsistencyError reports a key that resolves to an owner whose record
// does not back it up. It signals broken data, not a bad request.
type ConsistencyError struct {
	DeveloperID string
	Reason      string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("credential inconsistency for developer %s: %s", e.DeveloperID, e.Reason)
}

// Identity is the caller behind an API key.
type Identity struct {
	Namespace   string `json:"namespace"`
	DeveloperID string `json:"developerId"`
}

// Namespace is one entry of a developer's record.
type Namespace struct {
	Name      string    `json:"name"`
	APIKey    string    `json:"apiKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserData is the JSON document stored under user:{developerId}.
type UserData struct {
	Namespaces       []Namespace `json:"namespaces"`
	CurrentNamespace string      `json:"currentNamespace,omitempty"`
}

// HashKey encodes an API key the way it is stored.
func HashKey(apiKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(apiKey))
}

// KeyLookup is the key mapping an encoded API key to its developer id.
func KeyLookup(hashed string) string { return "apikey:" + hashed }

// UserRecord is the key holding a developer's UserData.
func UserRecord(developerID string) string { return "user:" + developerID }

// Authenticator looks up API keys in Redis.
type Authenticator struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates an Authenticator on client.
func New(client redis.UniversalClient, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{client: client, logger: logger.With("component", "auth")}
}

// Authenticate resolves apiKey to the namespace it was issued for.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (Identity, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Identity{}, ErrUnauthorized
	}
	hashed := HashKey(apiKey)

	developerID, err := a.client.Get(ctx, KeyLookup(hashed)).Result()
	if errors.Is(err, redis.Nil) {
		return Identity{}, ErrUnauthorized
	}
	if err != nil {
		return Identity{}, fmt.Errorf("look up api key: %w", err)
	}

	raw, err := a.client.Get(ctx, UserRecord(developerID)).Result()
	if errors.Is(err, redis.Nil) {
		a.logger.Error("api key owner has no user record", "developer", developerID)
		return Identity{}, &ConsistencyError{DeveloperID: developerID, Reason: "user data not found"}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load user %s: %w", developerID, err)
	}

	var data UserData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		a.logger.Error("user record is not valid JSON", "developer", developerID, "error", err)
		return Identity{}, &ConsistencyError{DeveloperID: developerID, Reason: "user data unreadable"}
	}
	for _, ns := range data.Namespaces {
		if ns.APIKey == hashed {
			return Identity{Namespace: ns.Name, DeveloperID: developerID}, nil
		}
	}
	a.logger.Error("user record has no namespace for api key", "developer", developerID)
	return Identity{}, &ConsistencyError{DeveloperID: developerID, Reason: "namespace not found"}
}

// Register stores a key for developerID under namespace, creating or
// extending the developer's record. It exists for tooling and tests.
func (a *Authenticator) Register(ctx context.Context, developerID, namespace, apiKey string) error {
	hashed := HashKey(apiKey)
	key := UserRecord(developerID)

	var data UserData
	raw, err := a.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("load user %s: %w", developerID, err)
	default:
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return fmt.Errorf("decode user %s: %w", developerID, err)
		}
	}
	data.Namespaces = append(data.Namespaces, Namespace{Name: namespace, APIKey: hashed, CreatedAt: time.Now().UTC()})
	if data.CurrentNamespace == "" {
		data.CurrentNamespace = namespace
	}

	buf, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, buf, 0)
		pipe.Set(ctx, KeyLookup(hashed), developerID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register api key: %w", err)
	}
	return nil
}
