package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidArgument         = "INVALID_ARGUMENT"
	ErrorCodeUnauthorized            = "UNAUTHORIZED"
	ErrorCodeForbidden               = "FORBIDDEN"
	ErrorCodeNotFound                = "NOT_FOUND"
	ErrorCodeInvalidState            = "INVALID_STATE"
	ErrorCodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	ErrorCodeInsufficientAsset       = "INSUFFICIENT_ASSET"
	ErrorCodeInsufficientLockedFunds = "INSUFFICIENT_LOCKED_FUNDS"
	ErrorCodeInsufficientLockedAsset = "INSUFFICIENT_LOCKED_ASSET"
	ErrorCodeInternal                = "INTERNAL"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if want := StatusForErrorCode(expectedCode); resp.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, resp.Code, resp.Body.String())
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

func StatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidState:
		return http.StatusConflict
	case ErrorCodeInsufficientBalance, ErrorCodeInsufficientAsset,
		ErrorCodeInsufficientLockedFunds, ErrorCodeInsufficientLockedAsset:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
