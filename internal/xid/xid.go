package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a globally unique, client-generatable id with a readable
// prefix, e.g. "rcpt-9f2b…". Records created offline must never collide
// with ids minted on other devices, hence the UUID body.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
