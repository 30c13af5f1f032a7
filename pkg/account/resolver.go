package account

import (
	"fmt"
	"net/http"
	"regexp"
)

const maxAccountIDLen = 128

var accountIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// Headers set by the gateway.
const (
	IDHeader   = "X-Account-ID"
	RoleHeader = "X-Account-Role"
)

// Resolver resolves the calling account from an HTTP request.
type Resolver interface {
	Resolve(r *http.Request) (Account, bool, error)
}

// HeaderResolver reads the account from the identity headers. A request
// without an id header is anonymous; a malformed id is an error.
type HeaderResolver struct{}

// Resolve implements Resolver.
func (HeaderResolver) Resolve(r *http.Request) (Account, bool, error) {
	id := r.Header.Get(IDHeader)
	if id == "" {
		return Account{}, false, nil
	}
	if err := validateID(id); err != nil {
		return Account{}, false, err
	}
	role := RoleMember
	if r.Header.Get(RoleHeader) == RoleReviewer {
		role = RoleReviewer
	}
	return Account{ID: id, Role: role}, true, nil
}

func validateID(id string) error {
	if len(id) > maxAccountIDLen {
		return fmt.Errorf("account id exceeds maximum length of %d characters", maxAccountIDLen)
	}
	if !accountIDRe.MatchString(id) {
		return fmt.Errorf("account id %q is invalid", id)
	}
	return nil
}
