package schedule

import "testing"

func TestIntervalValidate(t *testing.T) {
	cases := []struct {
		name    string
		iv      Interval
		wantErr bool
	}{
		{"unset", Interval{}, false},
		{"fraction", Fraction(0.25), false},
		{"full fraction", Fraction(1.0), false},
		{"batches", Batches(50), false},
		{"both set", Interval{Fraction: 0.5, Batches: 10}, true},
		{"fraction too large", Fraction(1.5), true},
		{"negative fraction", Fraction(-0.1), true},
		{"negative batches", Interval{Batches: -3}, true},
	}
	for _, tc := range cases {
		err := tc.iv.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestIntervalFromFloat(t *testing.T) {
	cases := []struct {
		name    string
		value   float64
		want    Interval
		wantErr bool
	}{
		{"zero stays unset", 0, Interval{}, false},
		{"fraction", 0.25, Fraction(0.25), false},
		{"one is a full fraction", 1.0, Fraction(1.0), false},
		{"whole count", 200, Batches(200), false},
		{"negative", -0.5, Interval{}, true},
		{"ragged count", 2.5, Interval{}, true},
	}
	for _, tc := range cases {
		iv, err := FromFloat(tc.value)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error, got nil", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if iv != tc.want {
			t.Fatalf("%s: expected %+v, got %+v", tc.name, tc.want, iv)
		}
	}
}

func TestResolveCheck(t *testing.T) {
	n, err := Fraction(0.25).ResolveCheck(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 25 {
		t.Fatalf("expected cadence 25, got %d", n)
	}

	// Fractions floor but never resolve below one batch.
	n, err = Fraction(0.1).ResolveCheck(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected cadence clamped to 1, got %d", n)
	}

	n, err = Batches(7).ResolveCheck(-1)
	if err != nil {
		t.Fatalf("absolute interval must work with unknown length: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected cadence 7, got %d", n)
	}

	if _, err := Fraction(0.5).ResolveCheck(-1); err == nil {
		t.Fatalf("expected error for fractional interval with unknown length")
	}

	// Unset behaves as a full-epoch fraction.
	n, err = Interval{}.ResolveCheck(40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 40 {
		t.Fatalf("expected cadence 40, got %d", n)
	}
}

func TestResolveLimit(t *testing.T) {
	n, err := Interval{}.ResolveLimit(10)
	if err != nil || n != 10 {
		t.Fatalf("unset limit should pass total through, got %d err %v", n, err)
	}

	n, err = Batches(100).ResolveLimit(10)
	if err != nil || n != 10 {
		t.Fatalf("limit above total should cap at total, got %d err %v", n, err)
	}

	n, err = Batches(3).ResolveLimit(10)
	if err != nil || n != 3 {
		t.Fatalf("expected limit 3, got %d err %v", n, err)
	}

	n, err = Fraction(0.5).ResolveLimit(11)
	if err != nil || n != 5 {
		t.Fatalf("expected floored limit 5, got %d err %v", n, err)
	}

	if _, err := Fraction(0.5).ResolveLimit(-1); err == nil {
		t.Fatalf("expected error for fractional limit with unknown length")
	}
}

func TestValidationScheduleValidate(t *testing.T) {
	ok := ValidationSchedule{CheckInterval: Fraction(0.25), EveryNEpochs: 2}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	crossFraction := ValidationSchedule{CheckInterval: Fraction(0.5), CrossEpoch: true}
	if err := crossFraction.Validate(); err == nil {
		t.Fatalf("cross-epoch schedule with fractional interval must be rejected")
	}

	crossUnset := ValidationSchedule{CrossEpoch: true}
	if err := crossUnset.Validate(); err == nil {
		t.Fatalf("cross-epoch schedule without an interval must be rejected")
	}

	negative := ValidationSchedule{EveryNEpochs: -1}
	if err := negative.Validate(); err == nil {
		t.Fatalf("negative every_n_epochs must be rejected")
	}
}

func TestShouldValidateQuarterEpoch(t *testing.T) {
	ticker, err := NewValidationTicker(ValidationSchedule{CheckInterval: Fraction(0.25)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ticker.StartEpoch(100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fired []int
	for batch := 0; batch < 100; batch++ {
		if ticker.ShouldValidate(0, batch) {
			fired = append(fired, batch + 1)
		}
	}
	want := []int{25, 50, 75, 100}
	if len(fired) != len(want) {
		t.Fatalf("expected validation at %v, got %v", want, fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("expected validation at %v, got %v", want, fired)
		}
	}
}

func TestShouldValidateReresolvesPerEpoch(t *testing.T) {
	ticker, err := NewValidationTicker(ValidationSchedule{CheckInterval: Fraction(0.5)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := ticker.StartEpoch(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ticker.ShouldValidate(0, 4) {
		t.Fatalf("expected validation at batch 5 of a 10 batch epoch")
	}

	// The next epoch is shorter; the cadence follows.
	if err := ticker.StartEpoch(4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ticker.ShouldValidate(1, 1) {
		t.Fatalf("expected validation at batch 2 of a 4 batch epoch")
	}
	if ticker.ShouldValidate(1, 2) {
		t.Fatalf("unexpected validation at batch 3 of a 4 batch epoch")
	}
}

func TestShouldValidateEveryNEpochs(t *testing.T) {
	ticker, err := NewValidationTicker(ValidationSchedule{EveryNEpochs: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Epoch 0 is skipped, epoch 1 validates at the last batch.
	if err := ticker.StartEpoch(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for batch := 0; batch < 10; batch++ {
		if ticker.ShouldValidate(0, batch) {
			t.Fatalf("unexpected validation in skipped epoch 0 at batch %d", batch)
		}
	}
	if err := ticker.StartEpoch(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for batch := 0; batch < 9; batch++ {
		if ticker.ShouldValidate(1, batch) {
			t.Fatalf("unexpected validation before epoch end at batch %d", batch)
		}
	}
	if !ticker.ShouldValidate(1, 9) {
		t.Fatalf("expected validation at the end of epoch 1")
	}
}

func TestShouldValidateCrossEpoch(t *testing.T) {
	ticker, err := NewValidationTicker(ValidationSchedule{CheckInterval: Batches(7), CrossEpoch: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Epoch length is unknown for streaming sources.
	if err := ticker.StartEpoch(-1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fired []int
	cumulative := 0
	for epoch := 0; epoch < 3; epoch++ {
		for batch := 0; batch < 5; batch++ {
			cumulative++
			if ticker.ShouldValidate(epoch, batch) {
				fired = append(fired, cumulative)
			}
		}
	}
	want := []int{7, 14}
	if len(fired) != len(want) {
		t.Fatalf("expected validation at cumulative batches %v, got %v", want, fired)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("expected validation at cumulative batches %v, got %v", want, fired)
		}
	}
}

func TestStartEpochUnknownLengthNeedsAbsolute(t *testing.T) {
	ticker, err := NewValidationTicker(ValidationSchedule{CheckInterval: Fraction(0.25)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ticker.StartEpoch(-1); err == nil {
		t.Fatalf("expected error resolving a fraction against unknown epoch length")
	}
}
