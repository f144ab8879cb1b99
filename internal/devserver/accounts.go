package devserver

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/futurebazaar/sessionkit/password"
)

// Account is a console user known to the dev server.
type Account struct {
	ID    int
	Email string
	Name  string
	Role  string
	hash  string
}

// JSON returns the user object sent in login and verify responses.
func (a Account) JSON() map[string]any {
	return map[string]any{
		"id":    a.ID,
		"email": a.Email,
		"name":  a.Name,
		"role":  a.Role,
	}
}

// Directory holds accounts keyed by normalised email.
type Directory struct {
	hasher *password.Hasher
	// dummy is verified for unknown emails so both paths cost the same.
	dummy string

	mu      sync.RWMutex
	byEmail map[string]Account
	byID    map[int]Account
	nextID  int
}

// NewDirectory returns an empty directory hashing with hasher.
func NewDirectory(hasher *password.Hasher) (*Directory, error) {
	dummy, err := hasher.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}
	return &Directory{
		hasher:  hasher,
		dummy:   dummy,
		byEmail: make(map[string]Account),
		byID:    make(map[int]Account),
		nextID:  1,
	}, nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Add registers an account and returns it with its assigned ID.
func (d *Directory) Add(email, name, role, plain string) (Account, error) {
	key := normaliseEmail(email)
	if key == "" {
		return Account{}, errors.New("email required")
	}
	hash, err := d.hasher.Hash(plain)
	if err != nil {
		return Account{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byEmail[key]; exists {
		return Account{}, errors.New("account already exists")
	}
	acct := Account{ID: d.nextID, Email: key, Name: name, Role: role, hash: hash}
	d.nextID++
	d.byEmail[key] = acct
	d.byID[acct.ID] = acct
	return acct, nil
}

// Authenticate checks plain against the account for email.
func (d *Directory) Authenticate(email, plain string) (Account, bool) {
	d.mu.RLock()
	acct, ok := d.byEmail[normaliseEmail(email)]
	d.mu.RUnlock()

	hash := d.dummy
	if ok {
		hash = acct.hash
	}
	match, err := d.hasher.Verify(plain, hash)
	if err != nil || !match || !ok {
		return Account{}, false
	}
	return acct, true
}

// Exists reports whether email belongs to an account.
func (d *Directory) Exists(email string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byEmail[normaliseEmail(email)]
	return ok
}

// BySubject looks an account up by the token subject.
func (d *Directory) BySubject(subject string) (Account, bool) {
	id, err := strconv.Atoi(subject)
	if err != nil {
		return Account{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byID[id]
	return acct, ok
}

// SetPassword replaces the password of the account with the given subject.
func (d *Directory) SetPassword(subject, plain string) (Account, error) {
	id, err := strconv.Atoi(subject)
	if err != nil {
		return Account{}, errors.New("account not found")
	}
	hash, err := d.hasher.Hash(plain)
	if err != nil {
		return Account{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	acct, ok := d.byID[id]
	if !ok {
		return Account{}, errors.New("account not found")
	}
	acct.hash = hash
	d.byID[id] = acct
	d.byEmail[acct.Email] = acct
	return acct, nil
}

// byEmailAddr returns the account registered for email.
func (d *Directory) byEmailAddr(email string) (Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byEmail[normaliseEmail(email)]
	return acct, ok
}

func itoa(id int) string {
	return strconv.Itoa(id)
}
