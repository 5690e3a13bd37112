package livekit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// TokenOptions describes the credential minted for a participant joining a
// room. Identity becomes the JWT subject, so the media server reports it as
// the participant identity.
type TokenOptions struct {
	// Identity uniquely identifies the participant within the room.
	Identity string

	// Name is the display name shown to other participants.
	Name string

	// Room restricts the credential to a single room.
	Room string

	// AgentName, when set, requests dispatch of the named agent into the
	// room as soon as the participant connects.
	AgentName string

	// TTL bounds the credential lifetime. Defaults to one hour.
	TTL time.Duration
}

// MintJoinToken creates a room access token using HMAC-SHA256. The token
// carries a 'video' grant scoped to one room and, when AgentName is set, a
// room configuration that dispatches the agent on join. It uses apiKey as
// the 'iss' claim and signs with apiSecret.
func MintJoinToken(apiKey, apiSecret string, opts TokenOptions) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("livekit: api key/secret required")
	}
	if opts.Room == "" {
		return "", fmt.Errorf("livekit: room is required")
	}
	if opts.Identity == "" {
		return "", fmt.Errorf("livekit: identity is required")
	}

	grant := map[string]any{
		"room":         opts.Room,
		"roomJoin":     true,
		"canPublish":   true,
		"canSubscribe": true,
	}

	claims, err := baseClaims(apiKey, opts.TTL)
	if err != nil {
		return "", err
	}
	claims["sub"] = opts.Identity
	claims["name"] = opts.Name
	claims["video"] = grant
	if opts.AgentName != "" {
		claims["roomConfig"] = map[string]any{
			"agents": []map[string]any{{"agent_name": opts.AgentName}},
		}
	}

	return signClaims(apiSecret, claims)
}

// mintAdminToken creates a short-lived credential for server-to-server room
// administration (create, delete, list).
func mintAdminToken(apiKey, apiSecret string) (string, error) {
	claims, err := baseClaims(apiKey, 10*time.Minute)
	if err != nil {
		return "", err
	}
	claims["video"] = map[string]any{
		"roomCreate": true,
		"roomList":   true,
	}
	return signClaims(apiSecret, claims)
}

// MintAgentToken creates the credential an agent worker presents when
// registering on the server's dispatch socket. The agent grant lets the
// server hand the worker jobs for any room requesting agentName.
func MintAgentToken(apiKey, apiSecret, agentName string, ttl time.Duration) (string, error) {
	if apiKey == "" || apiSecret == "" {
		return "", fmt.Errorf("livekit: api key/secret required")
	}
	if agentName == "" {
		return "", fmt.Errorf("livekit: agent name is required")
	}

	claims, err := baseClaims(apiKey, ttl)
	if err != nil {
		return "", err
	}
	claims["sub"] = agentName
	claims["video"] = map[string]any{
		"agent":    true,
		"roomJoin": true,
	}
	return signClaims(apiSecret, claims)
}

func baseClaims(apiKey string, ttl time.Duration) (jwt.MapClaims, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}

	// random jti
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("livekit: generate jti: %w", err)
	}

	now := time.Now()
	return jwt.MapClaims{
		"jti": hex.EncodeToString(b),
		"iss": apiKey,
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}, nil
}

func signClaims(apiSecret string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(apiSecret))
	if err != nil {
		return "", fmt.Errorf("livekit: sign token: %w", err)
	}
	return signed, nil
}
