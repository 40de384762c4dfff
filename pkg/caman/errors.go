package caman

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrMissingConfig = errors.New("ca configuration missing")
)

// State errors: the operation is illegal for the CA's current state.
var (
	ErrAlreadyInitialized = errors.New("ca already initialized")
	ErrNotInitialized     = errors.New("ca not initialized")
	ErrAlreadySigned      = errors.New("intermediate ca already has a certificate")
)

// Not-found errors.
var (
	ErrInvalidParent        = errors.New("parent ca missing or uninitialized")
	ErrMissingCSR           = errors.New("no pending certificate request")
	ErrNoValidCertificate   = errors.New("no valid certificate for subject")
	ErrSubjectNotRegistered = errors.New("subject not registered")
)

// Error wraps a workflow failure with the stage it happened in and the
// subject it concerned, so a failed command can be diagnosed from its
// message alone. Configuration, engine and persistence failures from the
// lower packages travel through unchanged and can be unwrapped.
type Error struct {
	Stage   string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%v: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%v %v: %v", e.Stage, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(stage, subject string, err error) error {
	return &Error{Stage: stage, Subject: subject, Err: err}
}
