// Package identity resolves and persists the terminal's device id.
package identity

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gemforge/terminal-agent/internal/logging"
	"github.com/gemforge/terminal-agent/internal/platform"
	"github.com/gemforge/terminal-agent/internal/store"
)

var log = logging.L("identity")

// Store keys.
const (
	KeyTerminalID  = "terminal_id"
	KeyPairingCode = "pairing_code"
	KeyTerminalApp = "terminal_app"
)

// Query parameters consumed from the page URL.
const (
	paramTID        = "tid"
	paramTerminalID = "terminal_id"
	paramTerminal   = "terminal"
)

var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidID reports whether s has the canonical 8-4-4-4-12 UUID shape.
func ValidID(s string) bool {
	if !uuidShape.MatchString(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Location is the slice of the platform the store needs: reading the page
// URL and rewriting it in place.
type Location interface {
	Page(ctx context.Context) (platform.PageInfo, error)
	ReplaceURL(ctx context.Context, url string) error
}

// QueryResult is what ConsumeQuery extracted from a URL.
type QueryResult struct {
	// ID is the first UUID-shaped tid/terminal_id value, or "".
	ID string
	// TerminalFlag is set when terminal=1 was present.
	TerminalFlag bool
	// Cleaned is the URL with the consumed parameters removed.
	Cleaned string
	// Changed reports whether any parameter was removed.
	Changed bool
}

// ConsumeQuery strips tid, terminal_id and terminal from rawURL, keeping
// every other parameter, the path and the fragment.
func ConsumeQuery(rawURL string) (QueryResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return QueryResult{}, fmt.Errorf("parse page url: %w", err)
	}

	res := QueryResult{Cleaned: rawURL}
	q := u.Query()
	for _, key := range []string{paramTID, paramTerminalID} {
		if !q.Has(key) {
			continue
		}
		v := strings.TrimSpace(q.Get(key))
		if res.ID == "" && ValidID(v) {
			res.ID = strings.ToLower(v)
		}
		q.Del(key)
		res.Changed = true
	}
	if q.Has(paramTerminal) {
		res.TerminalFlag = q.Get(paramTerminal) == "1"
		q.Del(paramTerminal)
		res.Changed = true
	}

	if res.Changed {
		u.RawQuery = q.Encode()
		res.Cleaned = u.String()
	}
	return res, nil
}

// Store owns the persisted identity.
type Store struct {
	kv  store.Store
	loc Location
}

// New creates an identity store. loc may be nil for headless use, in which
// case only persisted values are read.
func New(kv store.Store, loc Location) *Store {
	return &Store{kv: kv, loc: loc}
}

// Resolve returns the device id, preferring a valid id in the page URL over
// the persisted one. A URL-supplied id is persisted and removed from the
// visible URL. It returns "" when unpaired.
func (s *Store) Resolve(ctx context.Context) (string, error) {
	if s.loc != nil {
		id, err := s.consumeURL(ctx)
		if err != nil {
			log.Warn("reading page url failed", logging.KeyError, err)
		}
		if id != "" {
			return id, nil
		}
	}

	id, ok, err := s.kv.Get(ctx, KeyTerminalID)
	if err != nil {
		return "", fmt.Errorf("read terminal id: %w", err)
	}
	if !ok || !ValidID(id) {
		return "", nil
	}
	return id, nil
}

func (s *Store) consumeURL(ctx context.Context) (string, error) {
	page, err := s.loc.Page(ctx)
	if err != nil {
		return "", err
	}
	q, err := ConsumeQuery(page.URL)
	if err != nil {
		return "", err
	}

	if q.TerminalFlag {
		if err := s.MarkTerminal(ctx); err != nil {
			log.Warn("persisting terminal flag failed", logging.KeyError, err)
		}
	}
	if q.ID != "" {
		if err := s.Persist(ctx, q.ID); err != nil {
			return "", err
		}
		log.Info("terminal id taken from url", logging.KeyTerminalID, q.ID)
	}
	if q.Changed {
		if err := s.loc.ReplaceURL(ctx, q.Cleaned); err != nil {
			log.Warn("stripping identity params failed", logging.KeyError, err)
		}
	}
	return q.ID, nil
}

// Persist stores id as the terminal id.
func (s *Store) Persist(ctx context.Context, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid terminal id %q", id)
	}
	if err := store.Set(ctx, s.kv, KeyTerminalID, strings.ToLower(id)); err != nil {
		return fmt.Errorf("persist terminal id: %w", err)
	}
	return nil
}

// PairingCode returns the persisted pairing code, or "".
func (s *Store) PairingCode(ctx context.Context) (string, error) {
	code, ok, err := s.kv.Get(ctx, KeyPairingCode)
	if err != nil {
		return "", fmt.Errorf("read pairing code: %w", err)
	}
	if !ok {
		return "", nil
	}
	return code, nil
}

func (s *Store) SavePairingCode(ctx context.Context, code string) error {
	if err := store.Set(ctx, s.kv, KeyPairingCode, code); err != nil {
		return fmt.Errorf("persist pairing code: %w", err)
	}
	return nil
}

// CompletePairing stores id and drops the pairing code in one commit.
func (s *Store) CompletePairing(ctx context.Context, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("invalid terminal id %q", id)
	}
	b := store.NewBatch().Put(KeyTerminalID, strings.ToLower(id)).Delete(KeyPairingCode)
	if err := s.kv.Commit(ctx, b); err != nil {
		return fmt.Errorf("complete pairing: %w", err)
	}
	return nil
}

// TerminalFlag reports whether the terminal-app marker has been latched.
func (s *Store) TerminalFlag(ctx context.Context) (bool, error) {
	v, ok, err := s.kv.Get(ctx, KeyTerminalApp)
	if err != nil {
		return false, fmt.Errorf("read terminal flag: %w", err)
	}
	return ok && v == "1", nil
}

func (s *Store) MarkTerminal(ctx context.Context) error {
	if err := store.Set(ctx, s.kv, KeyTerminalApp, "1"); err != nil {
		return fmt.Errorf("persist terminal flag: %w", err)
	}
	return nil
}

// Reset forgets the id, any pending code and the terminal flag.
func (s *Store) Reset(ctx context.Context) error {
	b := store.NewBatch().Delete(KeyTerminalID).Delete(KeyPairingCode).Delete(KeyTerminalApp)
	if err := s.kv.Commit(ctx, b); err != nil {
		return fmt.Errorf("reset identity: %w", err)
	}
	return nil
}
