package normalize

import (
	"strconv"
	"strings"

	"reapply/internal/failure"
)

// PolyPrefix selects polynomial detrending instead of filtering, e.g. "pd2".
const PolyPrefix = "pd"

// Mode is the temporal filtering strategy.
type Mode string

const (
	ModeFilter        Mode = "filter"
	ModeLinearDetrend Mode = "linear"
	ModePolyDetrend   Mode = "poly"
)

// HighPass is a parsed highpass setting.
type HighPass struct {
	Mode Mode

	// Cutoff is the full-width filter cutoff in seconds (ModeFilter only).
	Cutoff int

	// Order is the polynomial order (1 for ModeLinearDetrend).
	Order int
}

// ParseHighPass accepts a non-negative integer cutoff ("0" meaning linear
// detrend) or "pd<K>" for polynomial detrend of order K.
func ParseHighPass(raw string) (HighPass, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return HighPass{}, failure.Configf("high-pass setting is empty")
	}
	if rest, ok := strings.CutPrefix(s, PolyPrefix); ok {
		order, err := strconv.Atoi(rest)
		if err != nil || order < 0 {
			return HighPass{}, failure.Configf("invalid high-pass %q: %q after %q must be a non-negative integer", raw, rest, PolyPrefix)
		}
		return HighPass{Mode: ModePolyDetrend, Order: order}, nil
	}
	cutoff, err := strconv.Atoi(s)
	if err != nil {
		return HighPass{}, failure.Configf("invalid high-pass %q: expected a non-negative integer or %s<order>", raw, PolyPrefix)
	}
	if cutoff < 0 {
		return HighPass{}, failure.Configf("invalid high-pass %q: cutoff must not be negative", raw)
	}
	if cutoff == 0 {
		return HighPass{Mode: ModeLinearDetrend, Order: 1}, nil
	}
	return HighPass{Mode: ModeFilter, Cutoff: cutoff}, nil
}

// Token is the canonical string used in artifact names and tool arguments.
func (h HighPass) Token() string {
	switch h.Mode {
	case ModePolyDetrend:
		return PolyPrefix + strconv.Itoa(h.Order)
	case ModeLinearDetrend:
		return "0"
	default:
		return strconv.Itoa(h.Cutoff)
	}
}

// Sigma returns the Gaussian filter width in samples for sampling interval tr.
func (h HighPass) Sigma(tr float64) float64 {
	if tr <= 0 {
		return 0
	}
	return float64(h.Cutoff) / (2 * tr)
}
