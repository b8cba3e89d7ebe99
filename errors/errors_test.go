package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/serverpki/serverpki/test"
)

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("loading revision: %w", SchemaVersionError(3, 4))
	test.Assert(t, Is(err, SchemaVersion), "wrapped SchemaVersion error not detected")
	test.Assert(t, !Is(err, KeyStore), "SchemaVersion error detected as KeyStore")
	test.AssertEquals(t, TypeOf(err), SchemaVersion)
}

func TestStructuredErrors(t *testing.T) {
	var err error = &AuthorizationError{Domain: "example.com", Reason: "invalid after retry"}
	test.Assert(t, Is(err, Authorization), "AuthorizationError not typed Authorization")
	test.AssertContains(t, err.Error(), "example.com")

	inner := errors.New("permission denied")
	err = fmt.Errorf("place www: %w", &DistributionError{Place: "www", Err: inner})
	test.Assert(t, Is(err, Distribution), "DistributionError not typed Distribution")
	test.AssertErrorIs(t, err, inner)

	var de *DistributionError
	test.AssertErrorWraps(t, err, &de)
	test.AssertEquals(t, de.Place, "www")
}

func TestTypeOfPlainError(t *testing.T) {
	test.AssertEquals(t, TypeOf(errors.New("boom")), InternalServer)
	test.Assert(t, !Is(nil, InternalServer), "nil error matched a type")
}
