package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures that a fresh session may recover from.
	ErrTransient = errors.New("transient service error")
	// ErrPermanent marks rejections that retrying cannot fix.
	ErrPermanent = errors.New("permanent service rejection")
)

// ErrorClass is the outcome of classifying a transport error.
type ErrorClass int

const (
	ClassOK ErrorClass = iota
	ClassTransient
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

// Classify maps an error to its class. Anything not explicitly permanent
// is transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOK
	}
	if errors.Is(err, ErrPermanent) {
		return ClassPermanent
	}
	return ClassTransient
}

// APIError is a failed service call with the HTTP details that caused it.
type APIError struct {
	Op     string
	Status int
	Title  string
	Detail string
	Class  ErrorClass
	Err    error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Op, e.Status)
	if e.Status == 0 {
		msg = e.Op
	}
	if e.Title != "" {
		msg += ": " + e.Title
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the class sentinel and the underlying cause.
func (e *APIError) Unwrap() []error {
	var errs []error
	switch e.Class {
	case ClassPermanent:
		errs = append(errs, ErrPermanent)
	case ClassTransient:
		errs = append(errs, ErrTransient)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
