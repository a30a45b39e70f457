// Package userdb implements a simple, file-backed user database.
//
// # Format
//
// The database is a JSON file containing a list of users and their
// password hashes. JSON (rather than a binary format) is used so an
// administrator can inspect or hand-edit the file when troubleshooting;
// performance is not a concern at the scale this is meant for.
//
// Users must be UTF-8 and must not contain whitespace; the library enforces
// this via [github.com/mailcore/engine/internal/address.User].
//
// # Schemes
//
// The default scheme is scrypt, with fixed parameters. A plain-text scheme
// is also supported, for debugging only.
//
// # Writing
//
// Write rewrites the whole file each time, and is not safe to call from
// multiple processes concurrently.
package userdb

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/mailcore/engine/internal/address"
	"github.com/mailcore/engine/internal/safeio"
)

// scheme identifies which password hashing scheme a stored credential uses.
type scheme string

const (
	schemeScrypt scheme = "scrypt"
	schemePlain  scheme = "plain"
)

// password is one user's stored credential.
type password struct {
	Scheme scheme `json:"scheme"`

	// scrypt fields.
	LogN      int    `json:"logN,omitempty"`
	R         int    `json:"r,omitempty"`
	P         int    `json:"p,omitempty"`
	KeyLen    int    `json:"keyLen,omitempty"`
	Salt      []byte `json:"salt,omitempty"`
	Encrypted []byte `json:"encrypted,omitempty"`

	// plain field, debugging only.
	Plain string `json:"plain,omitempty"`
}

// matches reports whether plain is the password this credential encodes.
func (p *password) matches(plain string) bool {
	switch p.Scheme {
	case schemeScrypt:
		dk, err := scrypt.Key([]byte(plain), p.Salt, 1<<p.LogN, p.R, p.P, p.KeyLen)
		if err != nil {
			// The parameters were validated when the credential was
			// created, so a failure here means something is badly wrong
			// with the runtime, not with the input.
			panic(fmt.Sprintf("scrypt failed: %v", err))
		}
		// Constant-time, even though this is already well above the
		// layer where timing would leak anything useful.
		return subtle.ConstantTimeCompare(dk, p.Encrypted) == 1
	case schemePlain:
		return plain == p.Plain
	}
	return false
}

// fileFormat is the on-disk JSON structure.
type fileFormat struct {
	Users map[string]*password `json:"users"`
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]*password

	mu sync.RWMutex
}

// New returns a new, empty user database backed by the given file name.
func New(fname string) *DB {
	return &DB{fname: fname, users: map[string]*password{}}
}

// Load reads the database from the given file. On error it still returns a
// usable, empty database, so callers can treat "file doesn't exist yet" and
// "file is corrupt" uniformly if they choose to ignore the error.
func Load(fname string) (*DB, error) {
	db := New(fname)

	raw, err := os.ReadFile(fname)
	if err != nil {
		return db, err
	}
	if len(raw) == 0 {
		return db, nil
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return db, err
	}
	if ff.Users != nil {
		db.users = ff.Users
	}
	return db, nil
}

// Reload refreshes the database's contents from its file on disk. If
// reading fails, the error is returned and the in-memory database is left
// unchanged.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()

	return nil
}

// Write rewrites the database file with the current contents.
func (db *DB) Write() error {
	db.mu.RLock()
	data, err := json.MarshalIndent(fileFormat{Users: db.users}, "", "  ")
	db.mu.RUnlock()
	if err != nil {
		return err
	}
	return safeio.WriteFile(db.fname, data, 0660)
}

// Authenticate returns true if the password is valid for the user.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	p, ok := db.users[name]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return p.matches(plainPassword)
}

// scryptLogN, scryptR, scryptP, scryptKeyLen follow the recommendations
// from the scrypt paper for interactive logins.
const (
	scryptLogN   = 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// AddUser adds (or overwrites) a user's password in the database. The name
// must already be normalized; AddUser enforces this rather than normalizing
// silently, so a caller never stores a credential under a key that a
// subsequent login lookup, which normalizes its input, would miss.
func (db *DB) AddUser(name, plainPassword string) error {
	if norm, err := address.User(name); err != nil || name != norm {
		return errors.New("invalid username")
	}

	salt := make([]byte, saltLen)
	if n, err := rand.Read(salt); n != saltLen || err != nil {
		return fmt.Errorf("failed to get salt - %d - %v", n, err)
	}

	enc, err := scrypt.Key([]byte(plainPassword), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("scrypt failed: %v", err)
	}

	db.mu.Lock()
	db.users[name] = &password{
		Scheme:    schemeScrypt,
		LogN:      scryptLogN,
		R:         scryptR,
		P:         scryptP,
		KeyLen:    scryptKeyLen,
		Salt:      salt,
		Encrypted: enc,
	}
	db.mu.Unlock()

	return nil
}

// RemoveUser removes a user from the database. Returns true if the user was
// present.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present in the database.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}
