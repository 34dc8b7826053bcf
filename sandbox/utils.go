package sandbox

import "fmt"

// MaxIDLen bounds the guest name carried in hook state and log lines.
const MaxIDLen = 64

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// ValidateID accepts guest names of letters, digits and "_+-." that begin
// with a letter or digit, so a name is never a relative path element.
func ValidateID(id string) error {
	if len(id) < 1 || len(id) > MaxIDLen {
		return fmt.Errorf("%q: length %d: %w", id, len(id), ErrInvalidID)
	}
	if !isAlnum(id[0]) {
		return fmt.Errorf("%q: must start with a letter or digit: %w", id, ErrInvalidID)
	}
	for i := 1; i < len(id); i++ {
		switch c := id[i]; {
		case isAlnum(c), c == '_', c == '+', c == '-', c == '.':
		default:
			return fmt.Errorf("%q: character %q: %w", id, c, ErrInvalidID)
		}
	}
	return nil
}
