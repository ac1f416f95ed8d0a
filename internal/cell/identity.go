// Package cell implements the virtual-actor runtime: identity resolution,
// on-demand activation, single-threaded mailboxes, timers and passivation.
// A cell is addressed by (kind, key); all invocations on one identity are
// serialized, and the cluster directory guarantees at most one live
// activation per identity.
package cell

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/titanworks/titan/internal/fault"
)

type keyForm int8

const (
	keyUUID keyForm = iota + 1
	keyString
	keyCompound
)

// Key addresses a cell within its kind. Three forms exist: a 128-bit UUID,
// a string, and a (UUID, string) compound used to namespace an identity by a
// secondary dimension (a character by season, for example).
type Key struct {
	form keyForm
	id   uuid.UUID
	str  string
}

func UUIDKey(id uuid.UUID) Key { return Key{form: keyUUID, id: id} }

func StringKey(s string) Key { return Key{form: keyString, str: s} }

func CompoundKey(id uuid.UUID, s string) Key {
	return Key{form: keyCompound, id: id, str: s}
}

// UUID returns the UUID component (zero for string keys).
func (k Key) UUID() uuid.UUID { return k.id }

// Ext returns the string component (empty for pure UUID keys).
func (k Key) Ext() string { return k.str }

// String renders the canonical form used for routing, placement hashing and
// the persisted state layout. The form prefix keeps the three key shapes
// from colliding.
func (k Key) String() string {
	switch k.form {
	case keyUUID:
		return "u:" + k.id.String()
	case keyString:
		return "s:" + k.str
	case keyCompound:
		return "c:" + k.id.String() + ":" + k.str
	default:
		return ""
	}
}

// ParseKey restores a Key from its canonical form.
func ParseKey(s string) (Key, error) {
	switch {
	case strings.HasPrefix(s, "u:"):
		id, err := uuid.Parse(s[2:])
		if err != nil {
			return Key{}, fault.Wrap(fault.KindInvalidInput, err, "bad uuid key")
		}
		return UUIDKey(id), nil
	case strings.HasPrefix(s, "s:"):
		return StringKey(s[2:]), nil
	case strings.HasPrefix(s, "c:"):
		rest := s[2:]
		sep := strings.IndexByte(rest, ':')
		if sep != 36 {
			return Key{}, fault.New(fault.KindInvalidInput, "bad compound key %q", s)
		}
		id, err := uuid.Parse(rest[:sep])
		if err != nil {
			return Key{}, fault.Wrap(fault.KindInvalidInput, err, "bad compound key")
		}
		return CompoundKey(id, rest[sep+1:]), nil
	default:
		return Key{}, fault.New(fault.KindInvalidInput, "bad key form %q", s)
	}
}

// Identity is the routing and concurrency unit: (kind, key).
type Identity struct {
	Kind string
	Key  Key
}

func NewIdentity(kind string, key Key) Identity {
	return Identity{Kind: kind, Key: key}
}

// String renders "kind/key", the canonical directory and storage form.
func (i Identity) String() string {
	return i.Kind + "/" + i.Key.String()
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.Kind == "" }

// ParseIdentity restores an Identity from its canonical form.
func ParseIdentity(s string) (Identity, error) {
	sep := strings.IndexByte(s, '/')
	if sep <= 0 {
		return Identity{}, fault.New(fault.KindInvalidInput, "bad identity %q", s)
	}
	key, err := ParseKey(s[sep+1:])
	if err != nil {
		return Identity{}, err
	}
	return Identity{Kind: s[:sep], Key: key}, nil
}

// MarshalText / UnmarshalText let identities ride inside persisted records
// and wire envelopes without a custom layout.
func (i Identity) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return nil, fmt.Errorf("cell: marshal zero identity")
	}
	return []byte(i.String()), nil
}

func (i *Identity) UnmarshalText(data []byte) error {
	parsed, err := ParseIdentity(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
