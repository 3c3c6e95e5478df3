package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"bookroom/api/internal/auth"
	"bookroom/api/internal/authpw"
	"bookroom/api/internal/export"
	"bookroom/api/internal/lifecycle"
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

// lifecycleErrors is checked in order; ErrStoryFull wraps ErrStoryNotJoinable
// and must come first.
var lifecycleErrors = []struct {
	err    error
	status int
	code   string
	msg    string
}{
	{lifecycle.ErrStoryNotFound, http.StatusNotFound, "STORY_NOT_FOUND", "Story not found"},
	{lifecycle.ErrStoryFull, http.StatusConflict, "STORY_FULL", "Story has no free writer slots"},
	{lifecycle.ErrStoryNotJoinable, http.StatusConflict, "STORY_NOT_JOINABLE", "Story is no longer accepting writers"},
	{lifecycle.ErrNotAParticipant, http.StatusNotFound, "NOT_A_PARTICIPANT", "You are not a writer of this story"},
	{lifecycle.ErrFragmentLocked, http.StatusConflict, "FRAGMENT_LOCKED", "Fragment can no longer be edited"},
	{lifecycle.ErrUnauthorized, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
	{lifecycle.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION", "Invalid story stage transition"},
	{lifecycle.ErrStoryPublished, http.StatusConflict, "STORY_PUBLISHED", "Story is already published"},
	{lifecycle.ErrStoryNotPublished, http.StatusConflict, "STORY_NOT_PUBLISHED", "Story is not published yet"},
	{lifecycle.ErrInvalidWriters, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "numWriters must be between 1 and 4"},
	{authpw.ErrEmailTaken, http.StatusConflict, "EMAIL_TAKEN", "Email already registered"},
	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"},
	{export.ErrNotPublished, http.StatusConflict, "STORY_NOT_PUBLISHED", "Only published stories can be exported"},
	{export.ErrUnsupportedFormat, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf' or 'docx'"},
	{export.ErrContentUnavailable, http.StatusNotFound, "VERSION_NOT_FOUND", "Requested version is not available"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is not available"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "DOCX export is not available"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *authpw.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input", map[string]any{"fields": validationErr.Fields}
	}
	for _, le := range lifecycleErrors {
		if errors.Is(err, le.err) {
			return le.status, le.code, le.msg, nil
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
