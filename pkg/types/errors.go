package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                  = errors.New("not found")
	ErrSiteUnderMaintenance      = errors.New("site is under maintenance")
	ErrSiteAlreadyArchived       = errors.New("site is already archived")
	ErrInsufficientSpaceOnServer = errors.New("insufficient space on server")
	ErrVolumeResizeLimit         = errors.New("volume resize limit reached")
	ErrCannotChangePlan          = errors.New("cannot change plan")
	ErrDNSValidation             = errors.New("dns validation failed")
	ErrTLSRetryLimitExceeded     = errors.New("tls retry limit exceeded")
	ErrAgentRequestSkipped       = errors.New("agent request skipped")
	ErrPermissionDenied          = errors.New("permission denied")
	ErrUpdateInProgress          = errors.New("update in progress")
	ErrInvalidTransition         = errors.New("invalid status transition")
)

// NotFoundError names the missing record
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// VolumeResizeLimitError reports how long until the volume may grow again
type VolumeResizeLimitError struct {
	Server    string
	Remaining time.Duration
}

func (e *VolumeResizeLimitError) Error() string {
	return fmt.Sprintf("volume on %s was resized recently, retry in %s", e.Server, e.Remaining.Round(time.Minute))
}

func (e *VolumeResizeLimitError) Is(target error) bool {
	return target == ErrVolumeResizeLimit
}

// DNSValidationError reports where a domain points instead of the proxy
type DNSValidationError struct {
	Domain   string
	Expected string
	Found    []string
}

func (e *DNSValidationError) Error() string {
	return fmt.Sprintf("%s does not point to %s (found %v)", e.Domain, e.Expected, e.Found)
}

func (e *DNSValidationError) Is(target error) bool {
	return target == ErrDNSValidation
}

// TransitionError reports a rejected site status change
type TransitionError struct {
	From SiteStatus
	To   SiteStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move site from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
