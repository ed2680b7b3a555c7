package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// tokenVersion is bumped whenever the cursor payload changes shape.
const tokenVersion = 1

type tokenPayload struct {
	V     int    `json:"v"`
	Scope string `json:"s,omitempty"`
	After string `json:"a"`
}

// EncodeToken serialises cursor into an opaque URL-safe page token. A cursor with no position
// encodes to the empty token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.After == "" {
		return "", nil
	}
	data, err := json.Marshal(tokenPayload{V: tokenVersion, Scope: cursor.Scope, After: cursor.After})
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var payload tokenPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if payload.V != tokenVersion || payload.After == "" {
		return Cursor{}, fmt.Errorf("%w: unsupported token", ErrInvalidPageToken)
	}
	return Cursor{Scope: payload.Scope, After: payload.After}, nil
}

// DecodeScopedToken decodes token and rejects cursors minted for a different listing scope.
func DecodeScopedToken(token, scope string) (Cursor, error) {
	cursor, err := DecodeToken(token)
	if err != nil {
		return Cursor{}, err
	}
	if cursor.After != "" && cursor.Scope != scope {
		return Cursor{}, fmt.Errorf("%w: token belongs to another listing", ErrInvalidPageToken)
	}
	return cursor, nil
}
