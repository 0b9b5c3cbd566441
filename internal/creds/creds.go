// Package creds holds the immutable credential table the server authenticates
// against.
//
// The table is built once at startup from the configuration file and is then
// only read, so it is safe for concurrent use by every connection handler
// without locking.
package creds

// UserSpec describes one user's allowed credentials as given by the
// configuration: an optional plaintext password and a set of public key
// fingerprints.
type UserSpec struct {
	Password     *string
	Fingerprints []string
}

// Credential is the stored, read-only form of a user's credentials.
type Credential struct {
	password     string
	hasPassword  bool
	fingerprints map[string]struct{}
}

// MatchPassword reports whether pw exactly equals the configured password.
// It is always false for users with no password configured.
func (c Credential) MatchPassword(pw string) bool {
	return c.hasPassword && c.password == pw
}

// HasFingerprint reports whether fp is one of the user's configured public
// key fingerprints.
func (c Credential) HasFingerprint(fp string) bool {
	_, ok := c.fingerprints[fp]
	return ok
}

// Store maps usernames to their credentials. It has no mutation operations
// after construction.
type Store struct {
	users map[string]Credential
}

// NewStore builds a Store from the configured user table.
func NewStore(users map[string]UserSpec) *Store {
	s := &Store{users: make(map[string]Credential, len(users))}
	for name, spec := range users {
		c := Credential{fingerprints: make(map[string]struct{}, len(spec.Fingerprints))}
		if spec.Password != nil {
			c.password = *spec.Password
			c.hasPassword = true
		}
		for _, fp := range spec.Fingerprints {
			c.fingerprints[fp] = struct{}{}
		}
		s.users[name] = c
	}
	return s
}

// Lookup returns the credentials for name, if any.
func (s *Store) Lookup(name string) (Credential, bool) {
	c, ok := s.users[name]
	return c, ok
}

// Len returns the number of configured users.
func (s *Store) Len() int {
	return len(s.users)
}
