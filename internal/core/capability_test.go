package core

import "testing"

func TestCapabilityRoundTrip(t *testing.T) {
	for _, c := range []Capability{CapabilityLight, CapabilityStandard, CapabilityHeavy} {
		got, err := ParseCapability(c.String())
		if err != nil {
			t.Fatalf("ParseCapability(%q): %v", c, err)
		}
		if got != c {
			t.Errorf("round trip %q: got %q", c, got)
		}
	}
	if _, err := ParseCapability("huge"); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestHandledTiersNested(t *testing.T) {
	light := CapabilityLight.HandledTiers()
	standard := CapabilityStandard.HandledTiers()
	heavy := CapabilityHeavy.HandledTiers()

	if len(light) != 1 || light[0] != CapabilityLight {
		t.Errorf("light closure = %v", light)
	}
	if len(standard) != 2 || len(heavy) != 3 {
		t.Errorf("closure sizes: standard=%d heavy=%d", len(standard), len(heavy))
	}
	// Each closure contains the one below it.
	contains := func(set []Capability, c Capability) bool {
		for _, x := range set {
			if x == c {
				return true
			}
		}
		return false
	}
	for _, c := range light {
		if !contains(standard, c) {
			t.Errorf("standard closure missing %q", c)
		}
	}
	for _, c := range standard {
		if !contains(heavy, c) {
			t.Errorf("heavy closure missing %q", c)
		}
	}
}

func TestDefaultCapability(t *testing.T) {
	cases := []struct {
		action Action
		want   Capability
	}{
		{ActionResearch, CapabilityLight},
		{ActionResearchDistill, CapabilityLight},
		{ActionDesignDistill, CapabilityLight},
		{ActionPlanDistill, CapabilityLight},
		{ActionVerifyDistill, CapabilityLight},
		{ActionDesign, CapabilityStandard},
		{ActionPlan, CapabilityStandard},
		{ActionVerify, CapabilityStandard},
		{ActionBuild, CapabilityHeavy},
	}
	for _, tc := range cases {
		if got := DefaultCapability(tc.action); got != tc.want {
			t.Errorf("DefaultCapability(%s) = %s, want %s", tc.action, got, tc.want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunFailed, RunCancelled, RunTimedOut}
	live := []RunStatus{RunQueued, RunRunning, RunSalvaging}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestActionDistill(t *testing.T) {
	if !ActionDesignDistill.IsDistill() || ActionDesign.IsDistill() {
		t.Error("IsDistill misclassified")
	}
	if ActionDesignDistill.Base() != ActionDesign {
		t.Errorf("Base(design_distill) = %s", ActionDesignDistill.Base())
	}
	if _, err := ParseAction("deploy"); err == nil {
		t.Error("expected error for unknown action")
	}
}
