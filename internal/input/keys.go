package input

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnboundKey is returned for key codes the game does not react to.
var ErrUnboundKey = errors.New("unbound key")

// Key is a movement control, named after the DOM KeyboardEvent.code a browser sends.
type Key string

const (
	KeyForward  Key = "KeyW"
	KeyBackward Key = "KeyS"
	KeyLeft     Key = "KeyA"
	KeyRight    Key = "KeyD"
	KeyJump     Key = "Space"
)

var knownKeys = map[Key]struct{}{
	KeyForward:  {},
	KeyBackward: {},
	KeyLeft:     {},
	KeyRight:    {},
	KeyJump:     {},
}

// ParseKey accepts a key code and rejects anything the game does not bind.
func ParseKey(code string) (Key, error) {
	key := Key(code)
	if _, ok := knownKeys[key]; !ok {
		return "", fmt.Errorf("%w %q", ErrUnboundKey, code)
	}
	return key, nil
}

// KeySet is the set of keys currently held down.
type KeySet map[Key]bool

// Held reports whether key is down.
func (s KeySet) Held(key Key) bool {
	return s[key]
}

// Clone copies the set so callers can read it without holding a lock.
func (s KeySet) Clone() KeySet {
	out := make(KeySet, len(s))
	for key, down := range s {
		if down {
			out[key] = true
		}
	}
	return out
}

// Names lists the held keys in sorted order.
func (s KeySet) Names() []string {
	names := make([]string, 0, len(s))
	for key, down := range s {
		if down {
			names = append(names, string(key))
		}
	}
	sort.Strings(names)
	return names
}
