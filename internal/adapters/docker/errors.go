package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sdss/fliswarm/internal/core/domain"
)

// translate maps an engine client error onto the closed outcome set.
func translate(err error, doing string) domain.NodeOutcome {
	detail := fmt.Sprintf("%s: %v", doing, err)

	var streamErr *jsonmessage.JSONError

	switch {
	case isTimeout(err):
		return domain.Failed(domain.ErrTimeout, "")
	case client.IsErrConnectionFailed(err),
		errdefs.IsUnavailable(err),
		errdefs.IsUnknown(err):
		return domain.Failed(domain.ErrNodeUnreachable, detail)
	case errors.As(err, &streamErr), isEngineError(err):
		return domain.Failed(domain.ErrCommandFailed, detail)
	}

	// untyped transport or protocol error
	return domain.Failed(domain.ErrNodeUnreachable, detail)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errdefs.IsDeadline(err) ||
		errdefs.IsCancelled(err)
}

func isEngineError(err error) bool {
	return errdefs.IsNotFound(err) ||
		errdefs.IsInvalidParameter(err) ||
		errdefs.IsConflict(err) ||
		errdefs.IsUnauthorized(err) ||
		errdefs.IsForbidden(err) ||
		errdefs.IsSystem(err) ||
		errdefs.IsNotImplemented(err) ||
		errdefs.IsNotModified(err) ||
		errdefs.IsDataLoss(err)
}
