package quota

import "errors"

var (
	// ErrQuotaExceeded is returned when the daily limit for a generation type is reached
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidTier is returned for an unknown tier name
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidGenerationType is returned for an unknown generation type
	ErrInvalidGenerationType = errors.New("invalid generation type")

	// ErrInvalidDay is returned for a malformed YYYY-MM-DD day
	ErrInvalidDay = errors.New("invalid day")

	// ErrMissingUserID is returned when an operation needs a user id and got none
	ErrMissingUserID = errors.New("missing user id")

	// ErrSubscriptionNotFound is returned when user has no stored subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrLimitsNotFound is returned when the global limits row is absent
	ErrLimitsNotFound = errors.New("global limits not found")

	// ErrInvalidSubscription is returned when a subscription cannot be stored
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrInvalidLimits is returned when global limits carry negative values
	ErrInvalidLimits = errors.New("invalid global limits")

	// ErrForbidden is returned when a non-admin attempts an administrative action
	ErrForbidden = errors.New("forbidden")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)
