// Package users keeps registered accounts and live login sessions.
package users

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/uhyunpark/clobnode/pkg/util"
)

var (
	ErrInvalidUsername  = errors.New("username cannot be empty")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrUsernameTaken    = errors.New("username not available")
	ErrBadCredentials   = errors.New("username/password mismatch or non existent username")
	ErrAlreadyLoggedIn  = errors.New("user already logged in")
	ErrNotLoggedIn      = errors.New("user not logged in")
	ErrPasswordMismatch = errors.New("username/old_password mismatch or non existent username")
	ErrSamePassword     = errors.New("new password equal to old one")
	ErrUserLoggedIn     = errors.New("user currently logged in")
)

// User is the persisted account.
type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists users. LoadUser reports ok=false for unknown names.
type Store interface {
	SaveUser(u User) error
	LoadUser(username string) (User, bool, error)
}

// Session is one logged-in client.
type Session struct {
	Token      string
	Username   string
	UDPAddr    *net.UDPAddr // nil when the client takes no datagrams
	LoginAt    time.Time
	LastActive time.Time
}

type Directory struct {
	// mu guards sessions, byUser and store check-then-save. It is never held across bcrypt.
	mu       sync.Mutex
	store    Store
	clock    util.Clock
	log      *zap.SugaredLogger
	cost     int
	sessions map[string]*Session // token -> session
	byUser   map[string]string   // username -> token
}

type Option func(*Directory)

func WithClock(c util.Clock) Option { return func(d *Directory) { d.clock = c } }

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option { return func(d *Directory) { d.cost = cost } }

func NewDirectory(store Store, log *zap.SugaredLogger, opts ...Option) *Directory {
	d := &Directory{
		store:    store,
		clock:    util.RealClock{},
		log:      log,
		cost:     bcrypt.DefaultCost,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidatePassword requires at least 8 characters with an upper-case letter,
// a lower-case letter, a digit and one other character.
func ValidatePassword(p string) error {
	if len(p) < 8 {
		return ErrInvalidPassword
	}
	var upper, lower, digit, other bool
	for _, r := range p {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	if !(upper && lower && digit && other) {
		return ErrInvalidPassword
	}
	return nil
}

func (d *Directory) Register(username, password string) error {
	username = normalize(username)
	if username == "" {
		return ErrInvalidUsername
	}
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok, err := d.store.LoadUser(username); err != nil {
		return fmt.Errorf("load user: %w", err)
	} else if ok {
		return ErrUsernameTaken
	}

	now := d.clock.Now()
	if err := d.store.SaveUser(User{Username: username, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	d.log.Infow("user_registered", "username", username)
	return nil
}

// Login opens a session and returns its token. udp may be nil.
func (d *Directory) Login(username, password string, udp *net.UDPAddr) (string, error) {
	username = normalize(username)
	if _, err := d.checkPassword(username, password, ErrBadCredentials); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byUser[username]; ok {
		return "", ErrAlreadyLoggedIn
	}

	now := d.clock.Now()
	s := &Session{
		Token:      uuid.NewString(),
		Username:   username,
		UDPAddr:    udp,
		LoginAt:    now,
		LastActive: now,
	}
	d.sessions[s.Token] = s
	d.byUser[username] = s.Token
	d.log.Infow("user_logged_in", "username", username, "udp", udp != nil)
	return s.Token, nil
}

func (d *Directory) Logout(token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[token]
	if !ok {
		return ErrNotLoggedIn
	}
	d.drop(s)
	d.log.Infow("user_logged_out", "username", s.Username)
	return nil
}

// UpdateCredentials replaces the password of a user who is not logged in.
func (d *Directory) UpdateCredentials(username, oldPassword, newPassword string) error {
	username = normalize(username)
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if oldPassword == newPassword {
		return ErrSamePassword
	}
	checked, err := d.checkPassword(username, oldPassword, ErrPasswordMismatch)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byUser[username]; ok {
		return ErrUserLoggedIn
	}
	u, ok, err := d.store.LoadUser(username)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	// the old password was verified against this hash; a concurrent update wins
	if !ok || !bytes.Equal(u.PasswordHash, checked.PasswordHash) {
		return ErrPasswordMismatch
	}
	u.PasswordHash = hash
	u.UpdatedAt = d.clock.Now()
	if err := d.store.SaveUser(u); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	d.log.Infow("user_credentials_updated", "username", username)
	return nil
}

// Authenticate resolves a token and marks the session active.
func (d *Directory) Authenticate(token string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[token]
	if !ok {
		return Session{}, ErrNotLoggedIn
	}
	s.LastActive = d.clock.Now()
	return *s, nil
}

// UDPAddr returns the datagram address registered by username's session.
func (d *Directory) UDPAddr(username string) (*net.UDPAddr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	token, ok := d.byUser[username]
	if !ok {
		return nil, false
	}
	addr := d.sessions[token].UDPAddr
	return addr, addr != nil
}

// SweepIdle logs out every session idle for longer than maxIdle and returns
// the affected usernames.
func (d *Directory) SweepIdle(maxIdle time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var out []string
	for _, s := range d.sessions {
		if now.Sub(s.LastActive) > maxIdle {
			d.drop(s)
			out = append(out, s.Username)
		}
	}
	if len(out) > 0 {
		d.log.Infow("idle_sessions_closed", "count", len(out), "usernames", out)
	}
	return out
}

// Online is the number of open sessions.
func (d *Directory) Online() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// checkPassword runs bcrypt without holding d.mu and returns the user it verified.
func (d *Directory) checkPassword(username, password string, mismatch error) (User, error) {
	if username == "" {
		return User{}, mismatch
	}
	u, ok, err := d.store.LoadUser(username)
	if err != nil {
		return User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return User{}, mismatch
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return User{}, mismatch
	}
	return u, nil
}

func normalize(username string) string { return strings.TrimSpace(username) }

func (d *Directory) drop(s *Session) {
	delete(d.sessions, s.Token)
	delete(d.byUser, s.Username)
}
