/*
	This file defines the error classes shared across the data-identifier
	resolution and tile-extraction engine.  Every error returned across a
	package boundary wraps exactly one of these sentinels so the web layer
	can map engine failures onto HTTP status codes without string matching.
*/

package visor

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedIdentifier means the data identifier failed structural parsing:
	// bad field count, bad token, or a non-integer where one was required.
	ErrMalformedIdentifier = errors.New("malformed data identifier")

	// ErrMissingField means a field required for the identifier's modality was
	// left empty, e.g. no resolution level on an image request.
	ErrMissingField = errors.New("missing required identifier field")

	// ErrUnsupportedCombination means the identifier was syntactically fine but
	// asks for a modality/view/encoding/level/channel combination the specimen's
	// metadata does not offer.
	ErrUnsupportedCombination = errors.New("unsupported identifier combination")

	// ErrNotFound means a valid request addressed data that does not exist:
	// unknown specimen, unknown region, or a tile origin outside the volume.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure means an I/O or decode error inside a backing store.
	// Unlike ErrNotFound this may indicate a data-asset integrity problem and
	// is logged at higher severity.
	ErrStorageFailure = errors.New("storage failure")

	// ErrUnsupportedEncoding should be unreachable: the parser validates
	// encodings against registry metadata before the encoder runs, so hitting
	// this sentinel indicates a parser/registry desynchronization bug.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
)

// ErrorClass returns the sentinel an engine error wraps, or nil if the error
// carries no engine classification.
func ErrorClass(err error) error {
	for _, class := range []error{
		ErrMalformedIdentifier,
		ErrMissingField,
		ErrUnsupportedCombination,
		ErrNotFound,
		ErrStorageFailure,
		ErrUnsupportedEncoding,
	} {
		if errors.Is(err, class) {
			return class
		}
	}
	return nil
}

// MalformedIdentifierf wraps ErrMalformedIdentifier with detail.
func MalformedIdentifierf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrMalformedIdentifier)...)
}

// MissingFieldf wraps ErrMissingField with detail.
func MissingFieldf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrMissingField)...)
}

// UnsupportedCombinationf wraps ErrUnsupportedCombination with detail naming
// the offending field, its value, and the allowed set.
func UnsupportedCombinationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupportedCombination)...)
}

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// StorageFailuref wraps ErrStorageFailure with detail.
func StorageFailuref(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorageFailure)...)
}

// UnsupportedEncodingf wraps ErrUnsupportedEncoding with detail.
func UnsupportedEncodingf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnsupportedEncoding)...)
}
