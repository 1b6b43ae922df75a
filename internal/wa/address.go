package wa

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ParseAddress canonicalizes a counterparty address into a JID. Bare phone numbers and the
// legacy c.us server map to the default user server; device suffixes are dropped.
func ParseAddress(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.EmptyJID, fmt.Errorf("empty address")
	}
	if !strings.Contains(addr, "@") {
		digits := strings.TrimPrefix(addr, "+")
		if !isDigits(digits) {
			return types.EmptyJID, fmt.Errorf("invalid address %q", addr)
		}
		return types.NewJID(digits, types.DefaultUserServer), nil
	}

	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.EmptyJID, fmt.Errorf("parse address %q: %w", addr, err)
	}
	if jid.Server == types.LegacyUserServer {
		jid.Server = types.DefaultUserServer
	}
	return jid.ToNonAD(), nil
}

// CanonicalAddress returns the canonical string form of addr, or addr unchanged when it
// cannot be parsed.
func CanonicalAddress(addr string) string {
	jid, err := ParseAddress(addr)
	if err != nil {
		return addr
	}
	return jid.String()
}

// IsGroup reports whether addr names a group conversation.
func IsGroup(addr string) bool {
	jid, err := ParseAddress(addr)
	return err == nil && jid.Server == types.GroupServer
}

// PhoneNumber extracts the phone number of an individual address ("" for groups and
// hidden-user addresses).
func PhoneNumber(addr string) string {
	jid, err := ParseAddress(addr)
	if err != nil || jid.Server != types.DefaultUserServer {
		return ""
	}
	return jid.User
}

// PlaceholderName derives a readable name from the address shape alone, for chats whose
// real name is not known yet.
func PlaceholderName(addr string) string {
	jid, err := ParseAddress(addr)
	if err != nil {
		return addr
	}
	switch jid.Server {
	case types.GroupServer:
		id := jid.User
		if i := strings.IndexByte(id, '-'); i > 0 {
			id = id[i+1:]
		}
		return "Group " + lastN(id, 6)
	case types.DefaultUserServer:
		return formatPhone(jid.User)
	case types.HiddenUserServer:
		return "Contact " + lastN(jid.User, 6)
	default:
		return jid.String()
	}
}

func formatPhone(digits string) string {
	// Brazilian mobile: +55 DDD 9XXXX-XXXX.
	if len(digits) == 13 && strings.HasPrefix(digits, "55") {
		return fmt.Sprintf("+%s %s %s-%s", digits[:2], digits[2:4], digits[4:9], digits[9:])
	}
	return "+" + digits
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
