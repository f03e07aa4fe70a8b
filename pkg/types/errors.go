package types

import "errors"

// ARCHITECTURAL DISCOVERY: Error taxonomy shared by every layer; callers wrap these with
// fmt.Errorf("%w: ...") and classify with errors.Is
var (
	ErrValidation         = errors.New("validation failed")
	ErrUserNotFound       = errors.New("user not found")
	ErrPersistence        = errors.New("persistence failed")
	ErrBlobStore          = errors.New("blob store write failed")
	ErrDelivery           = errors.New("delivery failed")
	ErrConflict           = errors.New("username or email already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limit exceeded")
)

// Stable codes reported to clients in acks and API errors
const (
	CodeValidation         = "validation"
	CodeNotFound           = "not_found"
	CodePersistence        = "persistence"
	CodeBlobStore          = "blob_store"
	CodeConflict           = "conflict"
	CodeInvalidCredentials = "invalid_credentials"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// ErrorCode classifies err into one of the stable client codes
// FUNCTIONAL DISCOVERY: Not-found is checked before persistence because a foreign key
// violation wraps both
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUserNotFound):
		return CodeNotFound
	case errors.Is(err, ErrBlobStore):
		return CodeBlobStore
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
