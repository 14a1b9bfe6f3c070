package models

import "net/http"

// ErrorKind is the closed set of failures a subscription attempt can end in.
// The string value is what the API returns in the "error" field.
type ErrorKind string

// Possible values for ErrorKind
const (
	// ChallengeNotCompleted is detected by the client before any request is made.
	ChallengeNotCompleted ErrorKind = "ChallengeNotCompleted"
	ChallengeFailed       ErrorKind = "ChallengeFailed"
	InvalidEmail          ErrorKind = "InvalidEmail"
	RateLimited           ErrorKind = "RateLimited"
	InternalError         ErrorKind = "InternalError"
)

var errorMessages = map[ErrorKind]string{
	ChallengeNotCompleted: "Please complete the challenge",
	ChallengeFailed:       "Challenge verification failed. Please try again.",
	InvalidEmail:          "Please enter a valid email address.",
	RateLimited:           "Too many attempts. Please wait a while and try again.",
	InternalError:         "Failed to subscribe. Please try again.",
}

// Error lets an ErrorKind be returned and compared as an error.
func (k ErrorKind) Error() string {
	return string(k)
}

// Message is the human-readable text shown to the user for this kind.
func (k ErrorKind) Message() string {
	if msg, ok := errorMessages[k]; ok {
		return msg
	}
	return errorMessages[InternalError]
}

// StatusCode is the HTTP status the API answers with for this kind. Client-side
// kinds have no status and return 0.
func (k ErrorKind) StatusCode() int {
	switch k {
	case ChallengeFailed:
		return http.StatusForbidden
	case InvalidEmail:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case InternalError:
		return http.StatusInternalServerError
	}
	return 0
}
