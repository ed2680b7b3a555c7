package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a stored response stays replayable when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Key identifies one command: the signed caller plus the Idempotency-Key header value. Two callers
// may use the same header value without seeing each other's responses.
type Key struct {
	Caller string
	Value  string
}

func (k Key) String() string { return k.Caller + "/" + k.Value }

// id is the storage identifier. Header values are caller-supplied, so they are hashed rather than
// used as document ids.
func (k Key) id() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(k.Caller) + "\x00" + strings.TrimSpace(k.Value)))
	return hex.EncodeToString(sum[:])
}

type Status string

const (
	StatusInFlight Status = "pending"
	StatusStored   Status = "completed"
)

// Outcome tells the middleware what to do with a request after Begin.
type Outcome int

const (
	// Proceed: the caller now owns the key and runs the command.
	Proceed Outcome = iota
	// Replay: a response is stored for the key.
	Replay
	// InFlight: another request holds the key and has not finished.
	InFlight
)

// Response is what gets replayed.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Entry struct {
	Key         Key
	Fingerprint string
	Status      Status
	Response    Response
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store keeps one entry per key. Expired entries behave as absent; removing them is left to the
// backend (a TTL policy on expiresAt for Firestore).
type Store interface {
	Begin(ctx context.Context, key Key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error)
	Finish(ctx context.Context, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Abandon drops an in-flight entry owned by fingerprint so the command can be retried.
	Abandon(ctx context.Context, key Key, fingerprint string) error
}

// ErrFingerprintMismatch means the key was first used for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func (e *Entry) live(now time.Time) bool {
	return e != nil && (e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt))
}

// begin decides the outcome for the current entry (nil when there is none). When write is true the
// returned entry must be persisted.
func begin(current *Entry, key Key, fingerprint string, now time.Time, ttl time.Duration) (outcome Outcome, entry Entry, write bool, err error) {
	if !current.live(now) {
		entry = Entry{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusInFlight,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(orDefault(ttl)),
		}
		return Proceed, entry, true, nil
	}
	if current.Fingerprint != fingerprint {
		return 0, Entry{}, false, ErrFingerprintMismatch
	}
	if current.Status == StatusStored {
		return Replay, *current, false, nil
	}
	return InFlight, *current, false, nil
}

// finish stores resp on the current entry, creating one if the reservation has vanished.
func finish(current *Entry, key Key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Entry, error) {
	entry := Entry{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	if current != nil {
		if current.Fingerprint != fingerprint {
			return Entry{}, ErrFingerprintMismatch
		}
		entry.CreatedAt = current.CreatedAt
	}
	entry.Status = StatusStored
	entry.Response = Response{Status: resp.Status, Header: replayableHeader(resp.Header), Body: cloneBytes(resp.Body)}
	entry.UpdatedAt = now
	entry.ExpiresAt = now.Add(orDefault(ttl))
	return entry, nil
}

func orDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

// hopByHop headers describe one connection and are never replayed.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func replayableHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if !hopByHop[name] {
			out[name] = append([]string(nil), values...)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e Entry) clone() Entry {
	e.Response.Header = e.Response.Header.Clone()
	e.Response.Body = cloneBytes(e.Response.Body)
	return e
}
