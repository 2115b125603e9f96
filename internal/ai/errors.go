package ai

import (
	"errors"
	"fmt"
	"net/http"
)

// Messages shown to the user when a turn fails. Raw provider text is never shown
const (
	MsgMissingCredentials = "The assistant is not configured correctly: the language model credentials are missing or invalid."
	MsgMalformedRequest   = "The assistant could not process that request. Please rephrase your message and try again."
	MsgRetry              = "Something went wrong while generating a response. Please try again in a moment."
)

// ErrorCategory classifies provider failures
type ErrorCategory int

const (
	CategoryTransient ErrorCategory = iota
	CategoryCredentials
	CategoryMalformed
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryCredentials:
		return "credentials"
	case CategoryMalformed:
		return "malformed"
	}
	return "transient"
}

// ProviderError is a categorized completion provider failure
type ProviderError struct {
	Category ErrorCategory
	Err      error
}

func (pe *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %v", pe.Category, pe.Err)
}

func (pe *ProviderError) Unwrap() error {
	return pe.Err
}

// categoryForStatus maps an HTTP status returned by a provider API to an error category
func categoryForStatus(status int) ErrorCategory {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return CategoryCredentials
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return CategoryMalformed
	}
	return CategoryTransient
}

// UserMessage returns the user-safe text for err
func UserMessage(err error) string {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return MsgRetry
	}
	switch pe.Category {
	case CategoryCredentials:
		return MsgMissingCredentials
	case CategoryMalformed:
		return MsgMalformedRequest
	}
	return MsgRetry
}
