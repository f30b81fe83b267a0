// Package token mints handle tokens for portal requests. A handle token is
// sent with an interactive call so the client can predict the object path of
// the Request the broker will create, and subscribe to it before the call
// returns.
package token

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefix is prepended to every token. Tokens must be valid object path
// elements, so only [A-Za-z0-9_] is allowed after it.
const Prefix = "portal"

var (
	counter atomic.Uint64

	// nonce is fixed for the life of the process and keeps fallback tokens
	// from colliding with ones minted by an earlier process under the same
	// bus name.
	nonce = strconv.FormatInt(int64(os.Getpid()), 16) + strconv.FormatInt(time.Now().UnixNano(), 16)

	entropy io.Reader = rand.Reader
)

// New returns a token that is unique within this process. It never fails:
// when no entropy is available it falls back to the start nonce plus a
// counter.
func New() string {
	n := counter.Add(1)

	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return fallback(n)
	}

	return fmt.Sprintf("%s%s_%d", Prefix, id.String(), n)
}

func fallback(n uint64) string {
	return fmt.Sprintf("%s%s_%d", Prefix, nonce, n)
}

// Valid reports whether t can be used as an object path element.
func Valid(t string) bool {
	if t == "" {
		return false
	}

	for _, c := range t {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}

	return true
}
