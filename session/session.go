// Package session owns the authentication state machine: login, logout, and
// periodic revalidation of the persisted bearer token. Failures never escape
// as errors from the public operations; they are encoded as state.
package session

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unkn0wn-root/shopsync/logging"
	"github.com/unkn0wn-root/shopsync/query"
	"github.com/unkn0wn-root/shopsync/tokenstore"
	"github.com/unkn0wn-root/shopsync/transport"
)

// Status is the authentication state. A session starts in Checking and only
// leaves it once the first revalidation settles.
type Status int

const (
	Checking Status = iota
	Authenticated
	NotAuthenticated
)

func (s Status) String() string {
	switch s {
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case NotAuthenticated:
		return "not-authenticated"
	default:
		return "unknown"
	}
}

type User struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	FullName string   `json:"fullName"`
	IsActive bool     `json:"isActive"`
	Roles    []string `json:"roles"`
}

// IsAdmin is a derived read of the role set; it never performs I/O.
func (u User) IsAdmin() bool {
	return slices.Contains(u.Roles, "admin")
}

// AuthResponse is the backend's login/register/check-status payload.
type AuthResponse struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// Session is a point-in-time snapshot. Invariant: User and Token are set iff
// Status == Authenticated.
type Session struct {
	User   *User
	Token  string
	Status Status
}

const defaultCheckStale = 15 * time.Minute

// checkKey indexes the revalidation query; a single key means a single
// de-duplicated in-flight check at any time.
var checkKey = query.K("auth", "op", "check-status")

type Config struct {
	API    transport.API
	Tokens tokenstore.Store

	// Checks caches revalidation round trips: zero retries (a failure is
	// meaningful, not transient) and a long staleness window. nil builds a
	// private in-process cache.
	Checks query.Cache[AuthResponse]

	Logger logging.Logger
}

type Store struct {
	api    transport.API
	tokens tokenstore.Store
	checks query.Cache[AuthResponse]
	log    logging.Logger

	ownsChecks bool

	mu     sync.RWMutex
	status Status
	user   *User
	token  string
	subs   map[chan Session]struct{}
}

func New(cfg Config) *Store {
	s := &Store{
		api:    cfg.API,
		tokens: cfg.Tokens,
		checks: cfg.Checks,
		log:    logging.Or(cfg.Logger),
		status: Checking,
		subs:   make(map[chan Session]struct{}),
	}
	if s.tokens == nil {
		s.tokens = tokenstore.NewMemory()
	}
	if s.checks == nil {
		s.checks = query.New[AuthResponse](query.Options[AuthResponse]{
			StaleAfter: defaultCheckStale,
			Logger:     cfg.Logger,
		})
		s.ownsChecks = true
	}
	return s
}

// Close releases the private check cache when the store built one.
func (s *Store) Close(ctx context.Context) error {
	if s.ownsChecks {
		return s.checks.Close(ctx)
	}
	return nil
}

// Current returns a snapshot of the session.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsAdmin is synchronous and touches no I/O.
func (s *Store) IsAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.IsAdmin()
}

// Login exchanges credentials for a token. It reports success; it never
// returns an error. On failure the persisted token and user are cleared.
func (s *Store) Login(ctx context.Context, email, password string) bool {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password}

	var resp AuthResponse
	if err := s.api.Request(ctx, http.MethodPost, "/auth/login", nil, body, &resp); err != nil {
		s.log.Warn("login rejected", logging.Fields{"email": email, "err": err})
		s.clear()
		return false
	}
	return s.adopt(ctx, resp)
}

// adopt applies an auth response and additionally writes it through into the
// check cache, so the next CheckStatus inside the staleness window needs no
// round trip.
func (s *Store) adopt(ctx context.Context, resp AuthResponse) bool {
	if !s.apply(resp) {
		return false
	}
	if err := s.checks.Set(ctx, checkKey, resp); err != nil {
		s.log.Warn("check cache write-through failed", logging.Fields{"err": err})
	}
	return true
}

// Register creates an account and signs the new user in.
func (s *Store) Register(ctx context.Context, email, password, fullName string) bool {
	body := struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"fullName"`
	}{email, password, fullName}

	var resp AuthResponse
	if err := s.api.Request(ctx, http.MethodPost, "/auth/register", nil, body, &resp); err != nil {
		s.log.Warn("register rejected", logging.Fields{"email": email, "err": err})
		s.clear()
		return false
	}
	return s.adopt(ctx, resp)
}

// Logout clears the token and user synchronously.
func (s *Store) Logout() {
	s.clear()
	s.checks.Invalidate(context.Background(), checkKey)
}

// CheckStatus revalidates the persisted token. The round trip goes through
// the check cache, so concurrent and rapid repeated calls share one request,
// and a recent successful check answers without any network at all. Unlike
// ordinary reads, a stale check is never trusted: once the entry ages past
// its staleness window, CheckStatus waits for the refresh to settle, and a
// failed refresh deauthenticates. Serving the retained response here would
// keep a revoked token authenticated forever.
func (s *Store) CheckStatus(ctx context.Context) Status {
	tok, err := s.tokens.Load()
	if err != nil || tok == "" {
		s.clear()
		return NotAuthenticated
	}
	if tokenExpired(tok) {
		s.log.Debug("persisted token expired; skipping revalidation", nil)
		s.clear()
		s.checks.Invalidate(ctx, checkKey)
		return NotAuthenticated
	}

	ent, ok := s.settledCheck(ctx)
	if !ok || !ent.HasData {
		// an ambiguous failure is treated as not-authenticated, never retried
		s.clear()
		return NotAuthenticated
	}
	// apply without writing back: re-stamping the cache here would keep the
	// entry permanently fresh and starve the periodic revalidation
	if !s.apply(ent.Data) {
		return NotAuthenticated
	}
	return Authenticated
}

// settledCheck returns the check entry once it is conclusive: a fresh
// success, or a failed revalidation. While a refresh is in flight it waits on
// the entry's update stream rather than accepting the stale response.
func (s *Store) settledCheck(ctx context.Context) (query.Entry[AuthResponse], bool) {
	sub, ent := s.checks.Subscribe(ctx, checkKey, s.revalidate)
	defer sub.Unsubscribe()

	for {
		switch {
		case ent.Status == query.StatusError:
			return ent, false
		case ent.Status == query.StatusSuccess && ent.HasData && !ent.Stale(time.Now()):
			return ent, true
		}
		select {
		case got, open := <-sub.C:
			if !open {
				return ent, false
			}
			ent = got
		case <-ctx.Done():
			return ent, false
		}
	}
}

// StartRevalidation refreshes the session on a timer until stop is called or
// ctx ends. The cache's staleness window, not the tick, decides whether a
// network round trip actually happens.
func (s *Store) StartRevalidation(ctx context.Context, every time.Duration) (stop func()) {
	if every <= 0 {
		every = defaultCheckStale
	}
	tctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.CheckStatus(tctx)
			case <-tctx.Done():
				return
			}
		}
	}()
	return cancel
}

// NotifyFocus is the "view regained focus" trigger. It re-checks the session
// but never duplicates a check already in flight.
func (s *Store) NotifyFocus(ctx context.Context) Status {
	return s.CheckStatus(ctx)
}

// Subscribe delivers a snapshot after every state change.
func (s *Store) Subscribe() (<-chan Session, func()) {
	ch := make(chan Session, 4)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) revalidate(ctx context.Context) (AuthResponse, error) {
	var resp AuthResponse
	err := s.api.Request(ctx, http.MethodGet, "/auth/check-status", nil, nil, &resp)
	return resp, err
}

// apply persists the token and moves to Authenticated.
func (s *Store) apply(resp AuthResponse) bool {
	if resp.Token == "" {
		s.log.Error("auth response without token", nil)
		s.clear()
		return false
	}
	if err := s.tokens.Save(resp.Token); err != nil {
		// cannot hold the authenticated-iff-persisted invariant; fail closed
		s.log.Error("token persist failed", logging.Fields{"err": err})
		s.clear()
		return false
	}

	s.mu.Lock()
	u := resp.User
	s.status = Authenticated
	s.user = &u
	s.token = resp.Token
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

func (s *Store) clear() {
	_ = s.tokens.Clear()

	s.mu.Lock()
	changed := s.status != NotAuthenticated || s.user != nil || s.token != ""
	s.status = NotAuthenticated
	s.user = nil
	s.token = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
}

// snapshotLocked copies state; callers hold mu.
func (s *Store) snapshotLocked() Session {
	var u *User
	if s.user != nil {
		cp := *s.user
		u = &cp
	}
	return Session{User: u, Token: s.token, Status: s.status}
}

func (s *Store) notify(snap Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// slow receiver: drop the oldest snapshot, deliver the latest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// tokenExpired parses the JWT exp claim locally, without verifying the
// signature; that stays the server's job. A malformed or claimless token is
// not treated as expired, the server gets to decide.
func tokenExpired(tok string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}
