package indieweb

import (
	"errors"
	"fmt"
)

// Error classes. Concrete errors below wrap one of these so callers can
// branch on the class with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrAuth       = errors.New("authentication error")
	ErrPipeline   = errors.New("verification error")
)

// Webmention request validation.
var (
	ErrMissingParameter = fmt.Errorf("%w: source and target are required", ErrValidation)
	ErrInvalidTarget    = fmt.Errorf("%w: target is not on this site", ErrValidation)
	ErrMalformedURL     = fmt.Errorf("%w: malformed URL", ErrValidation)
)

// Token verification and authorization.
var (
	ErrMissingToken      = fmt.Errorf("%w: authorization required", ErrAuth)
	ErrTokenInvalid      = fmt.Errorf("%w: token invalid", ErrAuth)
	ErrForbidden         = fmt.Errorf("%w: token does not belong to this site", ErrAuth)
	ErrInsufficientScope = fmt.Errorf("%w: insufficient scope", ErrAuth)
)

// Micropub payload handling.
var (
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrParse                  = errors.New("malformed request body")
	ErrInvalidRequest         = errors.New("invalid request")
)

// Verification pipeline. These are only ever recorded on a Mention.
var (
	ErrUnreachable      = fmt.Errorf("%w: source unreachable", ErrPipeline)
	ErrLinkNotFound     = fmt.Errorf("%w: source does not link to target", ErrPipeline)
	ErrTooManyRedirects = fmt.Errorf("%w: too many redirects", ErrPipeline)
	ErrBlockedHost      = fmt.Errorf("%w: source host is not allowed", ErrPipeline)
	ErrSourceGone       = fmt.Errorf("%w: source not available", ErrPipeline)
)

// Storage.
var (
	ErrNotFound           = errors.New("not found")
	ErrStorage            = errors.New("storage error")
	ErrConflict           = errors.New("conflict")
	ErrPermalinkImmutable = errors.New("permalink cannot change")
	ErrTerminalState      = errors.New("mention is in a terminal state")
	ErrClaimLost          = errors.New("mention claim is no longer held")
)
