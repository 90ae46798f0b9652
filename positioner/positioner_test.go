package positioner

import (
	"testing"

	"github.com/sdss/jaeger/can"
)

func TestDegreesStepsRoundTrip(t *testing.T) {
	p := New(4)
	cases := []float64{0, 90, 45, -30, 359.9, 270}
	for _, deg := range cases {
		steps := p.DegreesToSteps(deg)
		got := p.StepsToDegrees(steps)
		if diff := got - deg; diff > 0.001 || diff < -0.001 {
			t.Fatalf("round trip for %.4f degrees: got %.4f (steps=%d)", deg, got, steps)
		}
	}
}

func TestDegreesToStepsDoesNotClipNegative(t *testing.T) {
	p := New(4)
	steps := p.DegreesToSteps(-30)
	if steps >= 0 {
		t.Fatalf("expected negative step count for -30 degrees, got %d", steps)
	}
}

func TestSetStatusReportsNewlyCollided(t *testing.T) {
	p := New(8)
	if newly := p.SetStatus(0, false); newly {
		t.Fatal("expected no collision transition on first clear status")
	}
	if newly := p.SetStatus(0x20, true); !newly {
		t.Fatal("expected newly-collided transition on first set status")
	}
	if newly := p.SetStatus(0x20, true); newly {
		t.Fatal("expected no further transition while already collided")
	}
	if !p.Collided() {
		t.Fatal("expected Collided() to report true")
	}
}

func TestExcludedFlags(t *testing.T) {
	p := New(13)
	if p.Excluded() {
		t.Fatal("freshly constructed positioner should not be excluded")
	}
	p.SetDisabled(true)
	if !p.Excluded() {
		t.Fatal("expected disabled positioner to be excluded")
	}
	p.SetDisabled(false)
	p.SetOffline(true)
	if !p.Excluded() {
		t.Fatal("expected offline positioner to be excluded")
	}
}

func TestSetFirmwareVersionDetectsBootloader(t *testing.T) {
	p := New(4)
	p.SetFirmwareVersion(can.FirmwareVersion{Major: 4, Minor: 0x80, Patch: 0})
	if !p.Snapshot().Flags.Bootloader {
		t.Fatal("expected bootloader flag set for minor==0x80")
	}
}

func TestLocationRoundTrip(t *testing.T) {
	p := New(4)
	if _, ok := p.Location(); ok {
		t.Fatal("expected no location before discovery")
	}
	p.SetLocation(can.PositionerLocation{InterfaceIndex: 1, BusIndex: 2})
	loc, ok := p.Location()
	if !ok || loc.InterfaceIndex != 1 || loc.BusIndex != 2 {
		t.Fatalf("unexpected location after SetLocation: %+v ok=%v", loc, ok)
	}
}

func TestStatusVariantSelection(t *testing.T) {
	bootloader := can.FirmwareVersion{Major: 4, Minor: 0x80}
	if VariantFor(bootloader) != StatusBootloader {
		t.Fatal("expected bootloader variant")
	}
	v40 := can.FirmwareVersion{Major: 4, Minor: 0, Patch: 0}
	if VariantFor(v40) != StatusV40 {
		t.Fatal("expected v4.0 variant")
	}
	v41 := can.FirmwareVersion{Major: 4, Minor: 1, Patch: 0}
	if VariantFor(v41) != StatusV41 {
		t.Fatal("expected v4.1 variant")
	}
}

func TestStatusDecodeCommonAccessors(t *testing.T) {
	// v4.1 layout: datum bit 1, displacement bit 4, collision bit 5.
	word := uint32(1<<1 | 1<<4)
	s := Decode(word, StatusV41)
	if !s.IsDatumInitialised() {
		t.Fatal("expected datum initialised")
	}
	if !s.HasDisplacementCompleted() {
		t.Fatal("expected displacement completed")
	}
	if s.IsCollided() {
		t.Fatal("expected not collided")
	}

	collided := Decode(1<<5, StatusV41)
	if !collided.IsCollided() {
		t.Fatal("expected collided bit set")
	}
}

func TestStatusBootloaderVariantIgnoresNormalBits(t *testing.T) {
	s := Decode(1<<4, StatusBootloader)
	if s.HasDisplacementCompleted() {
		t.Fatal("bootloader variant must not interpret normal-mode bits")
	}
	if !s.IsBootloader() {
		t.Fatal("expected IsBootloader true")
	}
}
