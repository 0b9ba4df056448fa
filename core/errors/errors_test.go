package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrapCarriesClassification(t *testing.T) {
	cause := stderrors.New("signature mismatch")
	err := Wrap(cause, CategoryIntegrity, "signature_invalid", "re-sign the log or use the original key")
	if err == nil {
		t.Fatalf("expected wrapped error")
	}
	if CategoryOf(err) != CategoryIntegrity {
		t.Fatalf("category mismatch: %s", CategoryOf(err))
	}
	if CodeOf(err) != "signature_invalid" {
		t.Fatalf("code mismatch: %s", CodeOf(err))
	}
	if HintOf(err) == "" {
		t.Fatalf("expected hint")
	}
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected unwrap to reach cause")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(nil, CategoryConfiguration, "code", "hint") != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}

func TestClassificationSurvivesFurtherWrapping(t *testing.T) {
	inner := Wrap(stderrors.New("broken chain"), CategoryIntegrity, "chain_broken", "")
	outer := fmt.Errorf("verify package: %w", inner)
	if CategoryOf(outer) != CategoryIntegrity {
		t.Fatalf("category lost through wrapping: %q", CategoryOf(outer))
	}
}

func TestCategoryOfUnclassified(t *testing.T) {
	if CategoryOf(stderrors.New("plain")) != "" {
		t.Fatalf("expected empty category for unclassified error")
	}
}
