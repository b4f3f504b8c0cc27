package auth

import "errors"

var (
	ErrEmptyToken   = errors.New("auth: empty token")
	ErrEmptySecret  = errors.New("auth: empty secret")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")

	ErrMissingSignature = errors.New("auth: missing ingest signature")
	ErrStaleSignature   = errors.New("auth: ingest signature outside allowed skew")
	ErrBadSignature     = errors.New("auth: ingest signature mismatch")
)
