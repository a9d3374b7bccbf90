package queue

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal is an immutable, externally supplied token-discovery event. Field
// names follow the wire format carried by the stream entries.
type Signal struct {
	SignalID       string
	AssetID        string
	Timestamp      float64
	Kind           string // "fast" | "slow"
	GroupCountFast int
	GroupCountSlow int
	VelocityPerMin float64
	FirstSeenTS    float64 // 0 means absent
	RiskScore      string  // "pending" or numeric
	RiskFlags      string
	LPStatus       string
	QualityScore   float64
}

// DeriveSignalID returns the deterministic signal_id used when the upstream
// producer does not supply one.
func DeriveSignalID(assetID string, firstSeenTS float64) string {
	return fmt.Sprintf("%s:%d", assetID, int64(firstSeenTS))
}

// IsLPLocked reports whether lp_status should be treated as locked: it must
// contain a "%" and must not be "0%".
func (s Signal) IsLPLocked() bool {
	if !strings.Contains(s.LPStatus, "%") {
		return false
	}
	return strings.TrimSpace(s.LPStatus) != "0%"
}

// HasRiskFlag reports whether flag (lowercase) is present in risk_flags.
func (s Signal) HasRiskFlag(flag string) bool {
	return strings.Contains(strings.ToLower(s.RiskFlags), flag)
}

// EffectiveQualityScore returns the upstream-assigned quality score if
// present, otherwise reconstructs it from signal features using the same
// formula as the upstream aggregator. Callers MUST accept a provided score
// unchanged.
func (s Signal) EffectiveQualityScore() float64 {
	if s.QualityScore > 0 {
		return s.QualityScore
	}
	return reconstructQualityScore(s)
}

func reconstructQualityScore(s Signal) float64 {
	const baseQuality = 0.6

	groupBoost := float64(s.GroupCountFast-4) * 0.05
	if groupBoost > 0.2 {
		groupBoost = 0.2
	}
	if groupBoost < 0 {
		groupBoost = 0
	}

	velocityBoost := s.VelocityPerMin / 10.0
	if velocityBoost > 0.1 {
		velocityBoost = 0.1
	}

	agePenalty := 0.0
	if s.FirstSeenTS > 0 {
		ageMinutes := (s.Timestamp - s.FirstSeenTS) / 60.0
		if ageMinutes > 30 {
			agePenalty = (ageMinutes - 30) / 60.0
			if agePenalty > 0.2 {
				agePenalty = 0.2
			}
		}
	}

	final := baseQuality + groupBoost + velocityBoost - agePenalty
	if final < 0.3 {
		return 0.3
	}
	if final > 1.0 {
		return 1.0
	}
	return final
}

// toFields encodes the Signal as the string key/value pairs the stream
// entry carries.
func (s Signal) toFields() map[string]string {
	return map[string]string{
		"signal_id":      s.SignalID,
		"ca":             s.AssetID,
		"timestamp":      strconv.FormatFloat(s.Timestamp, 'f', -1, 64),
		"kind":           s.Kind,
		"ug_fast":        strconv.Itoa(s.GroupCountFast),
		"ug_slow":        strconv.Itoa(s.GroupCountSlow),
		"velocity_mpm":   strconv.FormatFloat(s.VelocityPerMin, 'f', -1, 64),
		"first_seen_ts":  strconv.FormatFloat(s.FirstSeenTS, 'f', -1, 64),
		"rugcheck_score": s.RiskScore,
		"rugcheck_risks": s.RiskFlags,
		"rugcheck_lp":    s.LPStatus,
		"quality_score":  strconv.FormatFloat(s.QualityScore, 'f', -1, 64),
	}
}

func signalFromFields(f map[string]string) (Signal, error) {
	var s Signal
	s.SignalID = f["signal_id"]
	s.AssetID = f["ca"]
	s.Kind = f["kind"]
	s.RiskScore = f["rugcheck_score"]
	s.RiskFlags = f["rugcheck_risks"]
	s.LPStatus = f["rugcheck_lp"]

	if s.AssetID == "" {
		return s, fmt.Errorf("signal missing ca (asset_id)")
	}

	s.Timestamp = parseFloat(f["timestamp"])
	s.VelocityPerMin = parseFloat(f["velocity_mpm"])
	s.FirstSeenTS = parseFloat(f["first_seen_ts"])
	s.QualityScore = parseFloat(f["quality_score"])
	s.GroupCountFast = parseInt(f["ug_fast"])
	s.GroupCountSlow = parseInt(f["ug_slow"])

	if s.SignalID == "" {
		s.SignalID = DeriveSignalID(s.AssetID, s.FirstSeenTS)
	}

	return s, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
