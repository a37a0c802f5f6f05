package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Per-node failure kinds. A NodeOutcome carries at most one of these.
var (
	ErrNodeUnreachable   = errors.New("node unreachable")
	ErrTimeout           = errors.New("timeout")
	ErrNoResponse        = errors.New("no response")
	ErrNoPowerDevice     = errors.New("no power device")
	ErrNoRuntimeEndpoint = errors.New("no runtime endpoint")
	ErrCommandFailed     = errors.New("command failed")
	ErrUnsupportedKind   = errors.New("unsupported operation kind")
)

var (
	_ error = InvalidSiteError{}
	_ error = UnknownOrDisabledNodeError{}
)

// InvalidSiteError is returned when a site has no configured nodes.
type InvalidSiteError struct {
	Site string
}

func (err InvalidSiteError) Error() string {
	return fmt.Sprintf("site %q has no configured nodes", err.Site)
}

// UnknownOrDisabledNodeError lists every requested node that is either not
// configured or disabled for the active site.
type UnknownOrDisabledNodeError struct {
	Names []string
}

func (err UnknownOrDisabledNodeError) Error() string {
	return fmt.Sprintf("unknown or disabled nodes: %s", strings.Join(err.Names, ", "))
}

// IsRequestError reports whether err is a request-shape error, detected before
// any node is touched.
func IsRequestError(err error) bool {
	var (
		siteErr InvalidSiteError
		nodeErr UnknownOrDisabledNodeError
	)
	return errors.As(err, &siteErr) ||
		errors.As(err, &nodeErr) ||
		errors.Is(err, ErrUnsupportedKind)
}
