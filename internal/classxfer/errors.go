package classxfer

import (
	"errors"
	"fmt"
)

// KindClassNotFound is the registry error kind for a name the host does
// not provide.
const KindClassNotFound = "class_not_found"

var (
	// ErrClassNotFound means no class by that name is available. It is
	// never used for a broken channel.
	ErrClassNotFound = errors.New("class not found")

	// ErrClassFormat means the bytes are not a well-formed class file.
	ErrClassFormat = errors.New("class format error")

	// ErrClassTooLarge means a class file exceeds the size a single
	// class may have.
	ErrClassTooLarge = errors.New("class file too large")

	// ErrWrongName means the bytes define a different class than requested.
	ErrWrongName = errors.New("wrong class name")
)

// ClassNotFoundError names the class that could not be resolved.
type ClassNotFoundError struct {
	Name string
}

func (e *ClassNotFoundError) Error() string {
	return "class not found: " + e.Name
}

func (e *ClassNotFoundError) Is(target error) bool {
	return target == ErrClassNotFound
}

// DefinitionError means bytes were found for Name but could not be
// defined from them.
type DefinitionError struct {
	Name string
	Err  error
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("no class definition for %s: %v", e.Name, e.Err)
}

func (e *DefinitionError) Unwrap() error { return e.Err }
