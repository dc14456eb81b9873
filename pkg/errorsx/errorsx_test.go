package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonProviderTimeout)
	if Reason(err) != ReasonProviderTimeout {
		t.Fatalf("expected reason %s, got %s", ReasonProviderTimeout, Reason(err))
	}
	if !HasReason(err, ReasonProviderTimeout) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonTTSConnect)
	second := Wrap(first, ReasonProviderFailed)
	if Reason(second) != ReasonTTSConnect {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestReasonNilError(t *testing.T) {
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
	if Wrap(nil, ReasonProviderFailed) != nil {
		t.Fatalf("expected nil wrap for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
