package respond

import (
	"net/http"
	"strings"

	"opsgate/pkg/httpx"
)

// Codes shared across tools. Entity-specific codes (NOT_FOUND, INVALID_STATUS,
// CANNOT_DELETE) are declared on the entity descriptors in pkg/entityfsm.
const (
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeMissingUserContext      = "MISSING_USER_CONTEXT"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeInternalError           = "INTERNAL_ERROR"
	CodeExecutionFailed         = "EXECUTION_FAILED"
	CodeUnknownAction           = "UNKNOWN_ACTION"
)

const (
	statusSuccess = "success"
	statusError   = "error"
	statusPending = "pending_confirmation"
)

type Success struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type Error struct {
	Status          string         `json:"status"`
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	SuggestedAction string         `json:"suggestedAction"`
	Details         map[string]any `json:"details,omitempty"`
}

type Pending struct {
	Status           string `json:"status"`
	ConfirmationID   string `json:"confirmationId"`
	Message          string `json:"message"`
	ConfirmationData any    `json:"confirmationData"`
}

func OK(data any) Success {
	return Success{Status: statusSuccess, Data: data}
}

func Err(code, message, suggested string) Error {
	return Error{Status: statusError, Code: code, Message: message, SuggestedAction: suggested}
}

func ErrDetails(code, message, suggested string, details map[string]any) Error {
	e := Err(code, message, suggested)
	e.Details = details
	return e
}

func PendingConfirmation(id, message string, data any) Pending {
	return Pending{Status: statusPending, ConfirmationID: id, Message: message, ConfirmationData: data}
}

// HTTPStatus maps an error code to a transport status. Unknown codes are
// treated as server-side failures.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest, CodeMissingUserContext:
		return http.StatusBadRequest
	case CodeInsufficientPermissions:
		return http.StatusForbidden
	case CodeUnknownAction:
		return http.StatusBadRequest
	case CodeInternalError, CodeExecutionFailed:
		return http.StatusInternalServerError
	}
	switch {
	case strings.HasSuffix(code, "_NOT_FOUND"):
		return http.StatusNotFound
	case strings.HasPrefix(code, "INVALID_"), strings.HasPrefix(code, "CANNOT_DELETE_"):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func Write(w http.ResponseWriter, v any) {
	switch resp := v.(type) {
	case Error:
		httpx.WriteJSON(w, HTTPStatus(resp.Code), resp)
	case Pending:
		httpx.WriteJSON(w, http.StatusOK, resp)
	case Success:
		httpx.WriteJSON(w, http.StatusOK, resp)
	default:
		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}
