// Package profile holds the per-user preferences set with /profile.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultTraits is shown when the user has not picked any.
	DefaultTraits = "flirty and caring"

	MaxNicknameLen = 32
	MaxTraitsLen   = 100
)

// ErrEmpty is returned by Parse when no setting was given.
var ErrEmpty = errors.New("no preferences given")

// Preferences is what a user told Mila about themselves. Empty fields are
// unset.
type Preferences struct {
	Nickname string
	Traits   string
}

func (p Preferences) IsZero() bool {
	return p.Nickname == "" && p.Traits == ""
}

// Merge returns p with every non-empty field of u applied.
func (p Preferences) Merge(u Preferences) Preferences {
	if u.Nickname != "" {
		p.Nickname = u.Nickname
	}
	if u.Traits != "" {
		p.Traits = u.Traits
	}
	return p
}

// NameOr returns the nickname, or fallback when none is set.
func (p Preferences) NameOr(fallback string) string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return fallback
}

func (p Preferences) TraitsOrDefault() string {
	if p.Traits != "" {
		return p.Traits
	}
	return DefaultTraits
}

// Parse reads "key=value" settings from a /profile argument. A value runs
// until the next setting, so "nickname=Sweet Pea traits=shy" keeps the
// space. Keys are nickname (or name) and traits (or vibe).
func Parse(arg string) (Preferences, error) {
	var (
		out Preferences
		cur *string
	)
	for _, field := range strings.Fields(arg) {
		if key, val, ok := strings.Cut(field, "="); ok {
			switch strings.ToLower(key) {
			case "nickname", "name":
				cur = &out.Nickname
			case "traits", "vibe":
				cur = &out.Traits
			default:
				return Preferences{}, fmt.Errorf("unknown setting %q", key)
			}
			*cur = val
			continue
		}
		if cur == nil {
			return Preferences{}, fmt.Errorf("expected key=value, got %q", field)
		}
		*cur = strings.TrimSpace(*cur + " " + field)
	}

	if out.IsZero() {
		return Preferences{}, ErrEmpty
	}
	if utf8.RuneCountInString(out.Nickname) > MaxNicknameLen {
		return Preferences{}, fmt.Errorf("nickname is longer than %d characters", MaxNicknameLen)
	}
	if utf8.RuneCountInString(out.Traits) > MaxTraitsLen {
		return Preferences{}, fmt.Errorf("traits are longer than %d characters", MaxTraitsLen)
	}
	return out, nil
}
