package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
)

// Safe messages shown to staff. Technical detail stays in the logs.
const (
	MessageExtractionFailure      = "The document could not be read. Please upload a text-based PDF or plain-text file."
	MessageTemporarilyUnavailable = "The assistant is temporarily unavailable. Please try again shortly."
	MessageInconsistentActivation = "This policy is temporarily unavailable while its versions are reconciled."
	MessageContentFiltered        = "This question can't be answered. Please rephrase it or contact your manager."
	MessageInternal               = "An internal error occurred"
)

// HandleServiceError maps domain errors to HTTP responses carrying a safe
// message and details.code
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	status, message := classify(err)
	code := services.GetErrorCode(err)
	if code == "" {
		code = services.CodeInternal
	}

	details := map[string]interface{}{}
	for k, v := range services.GetErrorDetails(err) {
		details[k] = v
	}
	details["code"] = string(code)

	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.Int("status", status),
			zap.String("code", string(code)),
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err))
	} else {
		logger.Debug("handled service error",
			zap.Int("status", status),
			zap.String("code", string(code)),
			zap.Error(err))
	}

	if werr := utils.WriteError(w, status, message, details); werr != nil {
		logger.Error("failed to write error response", zap.Error(werr))
	}
}

// classify returns the status and safe message for err
func classify(err error) (int, string) {
	switch services.GetErrorCode(err) {
	case services.CodeExtractionFailure:
		return http.StatusUnprocessableEntity, MessageExtractionFailure
	case services.CodeProviderRateLimited, services.CodeProviderUnavailable,
		services.CodeGenerationUnavailable, services.CodeAuditUnavailable:
		return http.StatusServiceUnavailable, MessageTemporarilyUnavailable
	case services.CodeInconsistentActivation:
		return http.StatusConflict, MessageInconsistentActivation
	case services.CodeContentFiltered:
		return http.StatusUnprocessableEntity, MessageContentFiltered
	}

	switch {
	case services.IsNotFoundError(err):
		return http.StatusNotFound, domainMessage(err, "Resource not found")
	case services.IsValidationError(err):
		return http.StatusBadRequest, domainMessage(err, "Invalid request")
	case services.IsUnauthorizedError(err):
		return http.StatusUnauthorized, "Authentication required"
	case services.IsForbiddenError(err):
		return http.StatusForbidden, "Insufficient permissions"
	case services.IsRateLimitError(err):
		return http.StatusTooManyRequests, "Too many requests. Please wait a moment and try again."
	case services.IsConflictError(err):
		return http.StatusConflict, domainMessage(err, "The request conflicts with the current state")
	case services.IsPolicyViolationError(err):
		return http.StatusUnprocessableEntity, MessageContentFiltered
	case services.IsUnavailableError(err), services.IsExternalError(err):
		return http.StatusServiceUnavailable, MessageTemporarilyUnavailable
	}
	return http.StatusInternalServerError, MessageInternal
}

// domainMessage returns the message written by the service layer, without the
// wrapped cause
func domainMessage(err error, fallback string) string {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	return fallback
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	details := map[string]interface{}{"code": string(services.CodeInvalidInput)}
	message := err.Error()
	if utils.IsValidationError(err) {
		for k, v := range utils.GetValidationFields(err) {
			details[k] = v
		}
		message = "Validation failed"
	}
	if werr := utils.WriteBadRequest(w, message, details); werr != nil {
		logger.Error("failed to write validation error response", zap.Error(werr))
	}
}
