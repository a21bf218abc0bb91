package apierr

import "net/http"

// SuggestionsFor returns human-readable remediation hints for a failure.
// Status-specific hints win; transport failures fall back to kind-level hints.
func SuggestionsFor(kind Kind, status int) []string {
	switch status {
	case http.StatusBadRequest:
		return []string{"Check the request parameters and try again."}
	case http.StatusUnauthorized:
		return []string{"Your session has expired. Please log in again."}
	case http.StatusForbidden:
		return []string{
			"You do not have permission to perform this action.",
			"Ask an administrator to grant the required group permission.",
		}
	case http.StatusNotFound:
		return []string{"The requested resource was not found. It may have been deleted."}
	case http.StatusRequestTimeout:
		return []string{"The request timed out. Check your connection and try again."}
	case http.StatusConflict:
		return []string{"The resource was changed by someone else. Reload and try again."}
	case http.StatusRequestEntityTooLarge:
		return []string{"The upload is too large. Try a smaller file."}
	case http.StatusUnprocessableEntity:
		return []string{"Correct the highlighted fields and submit again."}
	case http.StatusTooManyRequests:
		return []string{"Too many requests. Wait a moment and retry."}
	case http.StatusInternalServerError:
		return []string{"The server encountered an error. Try again later."}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return []string{"The server is temporarily unavailable. Try again later."}
	}

	switch kind {
	case KindNetwork:
		return []string{
			"Check your network connection.",
			"Verify that the panel server address is reachable.",
		}
	case KindTimeout:
		return []string{"The request timed out. Check your connection and try again."}
	case KindAuth:
		return []string{"Please log in again."}
	}
	return nil
}
