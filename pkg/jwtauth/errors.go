package jwtauth

import "errors"

var (
	ErrInvalidToken   = errors.New("jwtauth: invalid token")
	ErrExpiredToken   = errors.New("jwtauth: token is expired")
	ErrMissingSubject = errors.New("jwtauth: token has no subject")
	ErrMissingSecret  = errors.New("jwtauth: missing signing secret")
)
