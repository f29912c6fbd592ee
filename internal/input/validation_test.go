package input

import (
	"math"
	"testing"
	"time"

	"snowbiome/server/internal/logging"
)

func TestValidatorRejectsMalformedControls(t *testing.T) {
	validator := NewValidator(ControlConstraints{}, logging.NewTestLogger())

	cases := []struct {
		control Control
		reason  ValidationReason
	}{
		{Control{LookDX: math.NaN()}, ValidationReasonNotFinite},
		{Control{LookDY: math.Inf(-1)}, ValidationReasonNotFinite},
		{Control{LookDX: 10000}, ValidationReasonLookRange},
		{Control{Key: "KeyZ", HasKey: true}, ValidationReasonUnknownKey},
	}
	for i, tc := range cases {
		decision := validator.Validate("conn", tc.control)
		if decision.Accepted || decision.Reason != tc.reason {
			t.Fatalf("case %d: expected %q, got %+v", i, tc.reason, decision)
		}
		validator.Forget("conn")
	}
	if d := validator.Validate("conn", Control{Key: "KeyW", HasKey: true, LookDX: 12}); !d.Accepted {
		t.Fatalf("valid control rejected: %+v", d)
	}
}

func TestValidatorEscalatesBursts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	validator := NewValidator(ControlConstraints{InvalidBurstLimit: 2, MaxCooldownStrikes: 2, CooldownDuration: time.Second}, logging.NewTestLogger(), WithValidatorClock(clock))
	bad := Control{LookDX: math.NaN()}

	//1.- The first violation warns, the second starts a cooldown.
	if d := validator.Validate("c", bad); !d.Warn || d.Cooldown != 0 {
		t.Fatalf("expected warning, got %+v", d)
	}
	if d := validator.Validate("c", bad); d.Cooldown != time.Second || d.Disconnect {
		t.Fatalf("expected cooldown without disconnect, got %+v", d)
	}
	if d := validator.Validate("c", Control{}); d.Accepted || d.Reason != ValidationReasonCooldownActive {
		t.Fatalf("expected cooldown rejection, got %+v", d)
	}

	//2.- A second burst after the cooldown disconnects the client.
	clock.Advance(2 * time.Second)
	validator.Validate("c", bad)
	if d := validator.Validate("c", bad); !d.Disconnect {
		t.Fatalf("expected disconnect on the second strike, got %+v", d)
	}
}
