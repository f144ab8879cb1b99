package internaldefs

import "github.com/futurebazaar/sessionkit"

type CounterDef struct {
	ID   sessionkit.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   sessionkit.MetricID
	Name string
	Help string
}

// Session event delivery counters.
const (
	AuditDeliveredName = "sessionkit_audit_delivered_total"
	AuditDroppedName   = "sessionkit_audit_dropped_total"
)

var CounterDefs = []CounterDef{
	{ID: sessionkit.MetricLoginSuccess, Name: "sessionkit_login_success_total", Help: "Successful logins."},
	{ID: sessionkit.MetricLoginFailure, Name: "sessionkit_login_failure_total", Help: "Failed logins."},
	{ID: sessionkit.MetricVerifyNetwork, Name: "sessionkit_verify_network_total", Help: "Verifications answered by the verify endpoint."},
	{ID: sessionkit.MetricVerifyCached, Name: "sessionkit_verify_cached_total", Help: "Verifications answered inside the debounce window."},
	{ID: sessionkit.MetricVerifyFailure, Name: "sessionkit_verify_failure_total", Help: "Failed verifications."},
	{ID: sessionkit.MetricSessionExpired, Name: "sessionkit_session_expired_total", Help: "Sessions cleared after their expiry passed."},
	{ID: sessionkit.MetricStaleResponseDiscarded, Name: "sessionkit_stale_response_discarded_total", Help: "Verify responses dropped because the session changed meanwhile."},
	{ID: sessionkit.MetricLogout, Name: "sessionkit_logout_total", Help: "Logouts."},
	{ID: sessionkit.MetricSessionCleared, Name: "sessionkit_session_cleared_total", Help: "Local session clears for any reason."},
	{ID: sessionkit.MetricUnauthorizedResponse, Name: "sessionkit_unauthorized_response_total", Help: "401 responses seen by the authorized transport."},
	{ID: sessionkit.MetricExternalChange, Name: "sessionkit_external_change_total", Help: "Session changes made by other instances."},
	{ID: sessionkit.MetricPasswordResetRequest, Name: "sessionkit_password_reset_request_total", Help: "Password reset requests."},
}

var HistogramDefs = []HistogramDef{
	{ID: sessionkit.MetricVerifyLatency, Name: "sessionkit_verify_latency_seconds", Help: "Verify endpoint round-trip latency."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The eighth
// bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
