package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden ErrCode = "FORBIDDEN"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrInvalidState           ErrCode = "INVALID_STATE"
	ErrAssessmentNotAvailable ErrCode = "ASSESSMENT_NOT_AVAILABLE"
	ErrAttemptNotFound        ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptCompleted       ErrCode = "ATTEMPT_COMPLETED"
	ErrConfirmationRequired   ErrCode = "CONFIRMATION_REQUIRED"

	// ─── Instance orchestration ────────────────────────────────────────
	ErrConcurrencyLimit      ErrCode = "CONCURRENCY_LIMIT"
	ErrOperationUnsupported  ErrCode = "OPERATION_UNSUPPORTED"
	ErrInstanceBackendFailed ErrCode = "INSTANCE_BACKEND_ERROR"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Your session has ended. Please sign in again."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrInvalidState:
		return "This action is not valid in the attempt's current state."
	case ErrAssessmentNotAvailable:
		return "This assessment is not currently available."
	case ErrAttemptNotFound:
		return "No attempt exists for this assessment."
	case ErrAttemptCompleted:
		return "This attempt has already been completed."
	case ErrConfirmationRequired:
		return "This action is destructive and requires explicit confirmation."

	// ─── Instance orchestration ────────────────────────────────────────
	case ErrConcurrencyLimit:
		return "Another challenge instance is already active. Stop it before starting a new one."
	case ErrOperationUnsupported:
		return "This machine is platform-managed and cannot be controlled."
	case ErrInstanceBackendFailed:
		return "The challenge backend did not respond. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
