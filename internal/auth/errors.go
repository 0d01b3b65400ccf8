package auth

import "errors"

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidInput = errors.New("auth: invalid input")
)
