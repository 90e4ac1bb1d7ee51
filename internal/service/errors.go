package service

import "errors"

var (
	// ErrRegistryClosed is returned by a Registry after Close.
	ErrRegistryClosed = errors.New("service registry closed")

	// ErrEmptyRoot is returned when a project root is empty.
	ErrEmptyRoot = errors.New("empty project root")
)
