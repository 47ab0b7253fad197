package server

import (
	"errors"
	"os"
)

// StorageErrorKind classifies a StorageBackend failure for reply mapping.
// Named per §7's error kind taxonomy (kind names, not Go type names).
type StorageErrorKind int

const (
	KindTransientFileNotAvailable StorageErrorKind = iota
	KindPermanentFileNotAvailable
	KindPermanentDirectoryNotAvailable
	KindPermanentDirectoryNotEmpty
	KindPermissionDenied
	KindConnectionClosed
	KindLocalError
	KindPageTypeUnknown
	KindInsufficientStorageSpace
	KindExceededStorageAllocation
	KindFileNameNotAllowed
	KindCommandNotImplemented
)

// replyCode maps a StorageErrorKind to its wire reply code per §6/§7.
// ConnectionClosed maps to 426 (canonical per §9's design note, not 421).
func (k StorageErrorKind) replyCode() int {
	switch k {
	case KindTransientFileNotAvailable:
		return 450
	case KindPermanentFileNotAvailable, KindPermanentDirectoryNotAvailable, KindPermanentDirectoryNotEmpty, KindPermissionDenied:
		return 550
	case KindConnectionClosed:
		return 426
	case KindLocalError:
		return 451
	case KindPageTypeUnknown:
		return 551
	case KindInsufficientStorageSpace:
		return 452
	case KindExceededStorageAllocation:
		return 552
	case KindFileNameNotAllowed:
		return 553
	case KindCommandNotImplemented:
		return 502
	default:
		return 550
	}
}

func (k StorageErrorKind) message() string {
	switch k {
	case KindTransientFileNotAvailable:
		return "File unavailable, try again later."
	case KindPermanentFileNotAvailable:
		return "File not found."
	case KindPermanentDirectoryNotAvailable:
		return "Directory not found."
	case KindPermanentDirectoryNotEmpty:
		return "Directory not empty."
	case KindPermissionDenied:
		return "Permission denied."
	case KindConnectionClosed:
		return "Connection closed; transfer aborted."
	case KindLocalError:
		return "Local error in processing."
	case KindPageTypeUnknown:
		return "Requested action aborted: page type unknown."
	case KindInsufficientStorageSpace:
		return "Insufficient storage space."
	case KindExceededStorageAllocation:
		return "Exceeded storage allocation."
	case KindFileNameNotAllowed:
		return "File name not allowed."
	case KindCommandNotImplemented:
		return "Command not implemented."
	default:
		return "Action failed."
	}
}

// StorageError wraps a backend failure with its classification. Handlers
// and the data task produce these; the control loop's replyForStorageError
// turns them into the matching Reply.
type StorageError struct {
	Kind StorageErrorKind
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return e.Kind.message()
	}
	return e.Kind.message() + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

// classifyStorageError derives a StorageErrorKind from a plain backend
// error using the os.Is* sentinels, the same dispatch the teacher's
// replyError performs, generalized into a typed result instead of an
// immediate reply.
func classifyStorageError(err error) *StorageError {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case os.IsNotExist(err):
		return &StorageError{Kind: KindPermanentFileNotAvailable, Err: err}
	case os.IsPermission(err):
		return &StorageError{Kind: KindPermissionDenied, Err: err}
	case os.IsExist(err):
		return &StorageError{Kind: KindFileNameNotAllowed, Err: err}
	default:
		return &StorageError{Kind: KindLocalError, Err: err}
	}
}

// replyForStorageError builds the Reply for a storage failure.
func replyForStorageError(err error) Reply {
	se := classifyStorageError(err)
	return reply(se.Kind.replyCode(), se.Kind.message())
}
