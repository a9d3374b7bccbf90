package queue

import "testing"

func TestSignalFieldsRoundTrip(t *testing.T) {
	s := Signal{
		SignalID:       "abc:123",
		AssetID:        "abc",
		Timestamp:      1700000123.5,
		Kind:           "fast",
		GroupCountFast: 6,
		GroupCountSlow: 2,
		VelocityPerMin: 3.5,
		FirstSeenTS:    1700000000,
		RiskScore:      "72",
		RiskFlags:      "mint_authority",
		LPStatus:       "100%",
		QualityScore:   0.81,
	}

	decoded, err := signalFromFields(s.toFields())
	if err != nil {
		t.Fatalf("signalFromFields: %v", err)
	}
	if decoded != s {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", decoded, s)
	}
}

func TestSignalFromFieldsDerivesSignalID(t *testing.T) {
	fields := map[string]string{
		"ca":            "mintXYZ",
		"first_seen_ts": "1700000000",
	}
	s, err := signalFromFields(fields)
	if err != nil {
		t.Fatalf("signalFromFields: %v", err)
	}
	want := DeriveSignalID("mintXYZ", 1700000000)
	if s.SignalID != want {
		t.Errorf("SignalID = %q, want %q", s.SignalID, want)
	}
}

func TestSignalFromFieldsRequiresAssetID(t *testing.T) {
	if _, err := signalFromFields(map[string]string{}); err == nil {
		t.Fatal("expected error when ca (asset_id) is missing")
	}
}

func TestIsLPLocked(t *testing.T) {
	cases := []struct {
		status string
		want   bool
	}{
		{"100%", true},
		{"0%", false},
		{"", false},
		{"locked", false},
		{" 0% ", false},
	}
	for _, tc := range cases {
		s := Signal{LPStatus: tc.status}
		if got := s.IsLPLocked(); got != tc.want {
			t.Errorf("IsLPLocked(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestHasRiskFlag(t *testing.T) {
	s := Signal{RiskFlags: "Mint_Authority,Freeze_Authority"}
	if !s.HasRiskFlag("mint_authority") {
		t.Error("expected case-insensitive match for mint_authority")
	}
	if s.HasRiskFlag("honeypot") {
		t.Error("did not expect honeypot flag to match")
	}
}

func TestEffectiveQualityScorePrefersProvided(t *testing.T) {
	s := Signal{QualityScore: 0.95}
	if got := s.EffectiveQualityScore(); got != 0.95 {
		t.Errorf("EffectiveQualityScore = %v, want 0.95", got)
	}
}

func TestEffectiveQualityScoreReconstructsWhenAbsent(t *testing.T) {
	s := Signal{
		GroupCountFast: 8,
		VelocityPerMin: 5,
		Timestamp:      1700000600,
		FirstSeenTS:    1700000000,
	}
	got := s.EffectiveQualityScore()
	if got <= 0.3 || got > 1.0 {
		t.Errorf("reconstructed quality score out of expected bounds: %v", got)
	}

	zero := Signal{}
	if got := zero.EffectiveQualityScore(); got != 0.6 {
		t.Errorf("baseline reconstruction with no boosts/penalties = %v, want 0.6", got)
	}
}

func TestReconstructQualityScoreClampsAgePenalty(t *testing.T) {
	s := Signal{
		Timestamp:   1700010000,
		FirstSeenTS: 1700000000,
	}
	got := s.EffectiveQualityScore()
	// baseQuality(0.6) + groupBoost(0, clamped) + velocityBoost(0) - agePenalty(clamped to 0.2) = 0.4
	if diff := got - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected age penalty to clamp at 0.2 yielding 0.4, got %v", got)
	}
}
