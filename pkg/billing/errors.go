package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when a user cannot be found in the provider's system
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrInvalidTierMapping is returned when a price maps to a tier that cannot be sold
	ErrInvalidTierMapping = errors.New("tier mapping must target pro or unlimited")
)
