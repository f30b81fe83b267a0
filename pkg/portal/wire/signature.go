package wire

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// splitSignature breaks a signature into its complete types, so "sv(su)a{sv}"
// becomes ["s", "v", "(su)", "a{sv}"]. godbus validates signatures but does
// not expose this split.
func splitSignature(sig string) ([]string, error) {
	if _, err := dbus.ParseSignature(sig); err != nil {
		return nil, err
	}

	var types []string
	for i := 0; i < len(sig); {
		end, err := completeTypeEnd(sig, i)
		if err != nil {
			return nil, err
		}
		types = append(types, sig[i:end])
		i = end
	}
	return types, nil
}

// completeTypeEnd returns the index just past the complete type starting at i.
func completeTypeEnd(sig string, i int) (int, error) {
	if i >= len(sig) {
		return 0, fmt.Errorf("signature %q ends inside a type", sig)
	}

	switch sig[i] {
	case 'a':
		return completeTypeEnd(sig, i+1)
	case '(', '{':
		closer := byte(')')
		if sig[i] == '{' {
			closer = '}'
		}
		j := i + 1
		for j < len(sig) && sig[j] != closer {
			end, err := completeTypeEnd(sig, j)
			if err != nil {
				return 0, err
			}
			j = end
		}
		if j >= len(sig) {
			return 0, fmt.Errorf("signature %q is missing %q", sig, closer)
		}
		return j + 1, nil
	default:
		return i + 1, nil
	}
}

// SignatureOf is dbus.SignatureOf that reports unrepresentable values
// instead of panicking.
func SignatureOf(v interface{}) (sig string, ok bool) {
	defer func() {
		if recover() != nil {
			sig, ok = "", false
		}
	}()

	if v == nil {
		return "", false
	}
	return dbus.SignatureOf(v).String(), true
}

// Expect checks that body carries exactly the complete types of sig. A body
// shorter than sig is Truncated; any type that differs is a
// SignatureMismatch.
func Expect(field string, body []interface{}, sig string) error {
	types, err := splitSignature(sig)
	if err != nil {
		return err
	}

	if len(body) < len(types) {
		return truncated(field, len(types), len(body))
	}

	got := ""
	matched := len(body) == len(types)
	for i, v := range body {
		s, ok := SignatureOf(v)
		if !ok {
			s = fmt.Sprintf("<%T>", v)
			matched = false
		}
		got += s
		if i < len(types) && s != types[i] {
			matched = false
		}
	}

	if !matched {
		return mismatch(field, sig, got)
	}
	return nil
}
