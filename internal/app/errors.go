package app

import (
	"errors"
	"fmt"
	"net/http"

	"quire/api/internal/auth"
	"quire/api/internal/collab"
	"quire/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var codeStatus = map[string]int{
	collab.CodeValidation:      http.StatusUnprocessableEntity,
	collab.CodeLockDenied:      http.StatusConflict,
	collab.CodeStaleVersion:    http.StatusConflict,
	collab.CodePublishInFlight: http.StatusConflict,
	collab.CodeForbidden:       http.StatusForbidden,
	collab.CodeNotFound:        http.StatusNotFound,
	collab.CodeServerError:     http.StatusInternalServerError,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, collab.CodeNotFound, "Not found", nil
	}
	if errors.Is(err, store.ErrActiveDraftExists) {
		return http.StatusConflict, "CONFLICT", "Group draft changed, retry", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	code, message, detailMap := collab.Describe(err)
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if detailMap != nil {
		details = detailMap
	}
	return status, code, message, details
}
