package governance

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/tracegate/tracegate/pkg/models"
)

// Detector classifies payload content into governance flags. Detection is
// deterministic: the same payload always yields the same flags, so audits
// can be replayed.
type Detector interface {
	// Detect inspects one payload and returns auto-detected flags, possibly
	// none. It never returns an error; undetectable content is unflagged.
	Detect(payload []byte) []models.TraceFlagInfo

	// DetectSeries inspects a rate-distortion series for runaway behavior.
	DetectSeries(points []models.RDPoint) []models.TraceFlagInfo
}

// signature is one regex rule mapped to a flag.
type signature struct {
	re       *regexp.Regexp
	kind     models.FlagKind
	severity int
	reason   string
}

// Base signature set. Jailbreak phrasing and destructive commands carry
// the highest severities; they trip auto-quarantine under the default
// policy.
var signatures = []signature{
	{
		re:       regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
		kind:     models.FlagJailbreak,
		severity: 10,
		reason:   "instruction-override phrasing",
	},
	{
		re:       regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?)`),
		kind:     models.FlagJailbreak,
		severity: 10,
		reason:   "instruction-override phrasing",
	},
	{
		re:       regexp.MustCompile(`(?i)\bjailbreak\b`),
		kind:     models.FlagJailbreak,
		severity: 10,
		reason:   "explicit jailbreak marker",
	},
	{
		re:       regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
		kind:     models.FlagJailbreak,
		severity: 9,
		reason:   "restriction-bypass phrasing",
	},
	{
		re:       regexp.MustCompile(`(?i)rm\s+-rf?\s+[/~]`),
		kind:     models.FlagMalicious,
		severity: 9,
		reason:   "destructive filesystem command",
	},
	{
		re:       regexp.MustCompile(`(?i)\bdrop\s+(table|database)\b`),
		kind:     models.FlagMalicious,
		severity: 9,
		reason:   "destructive SQL statement",
	},
	{
		re:       regexp.MustCompile(`(?i)curl\s+[^|]*\|\s*(ba)?sh`),
		kind:     models.FlagMalicious,
		severity: 8,
		reason:   "remote script piped to shell",
	},
	{
		re:       regexp.MustCompile(`(?i)chmod\s+777\b`),
		kind:     models.FlagUnsafe,
		severity: 6,
		reason:   "world-writable permission change",
	},
	{
		re:       regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
		kind:     models.FlagHighRisk,
		severity: 6,
		reason:   "prompt-exfiltration attempt",
	},
}

// PatternDetector is the built-in signature detector: regex rules plus a
// repetition heuristic and an RD runaway check.
type PatternDetector struct {
	// RepeatThreshold is the consecutive-token repeat count that marks a
	// degenerate output loop.
	RepeatThreshold int

	// RunawayWindow is how many trailing RD points must show strictly
	// increasing distortion before the series is flagged.
	RunawayWindow int
}

// NewPatternDetector returns the detector with default thresholds.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{RepeatThreshold: 12, RunawayWindow: 4}
}

// Detect runs every signature and the repetition heuristic over the
// payload.
func (d *PatternDetector) Detect(payload []byte) []models.TraceFlagInfo {
	text := string(payload)
	now := time.Now().UTC()

	var flags []models.TraceFlagInfo
	for _, sig := range signatures {
		if sig.re.MatchString(text) {
			flags = append(flags, models.TraceFlagInfo{
				Kind:         sig.kind,
				Reason:       sig.reason,
				Severity:     sig.severity,
				AutoDetected: true,
				Timestamp:    now,
			})
		}
	}

	if run := longestRepeat(text); run >= d.repeatThreshold() {
		flags = append(flags, models.TraceFlagInfo{
			Kind:         models.FlagAnomaly,
			Reason:       "degenerate repetition in output",
			Severity:     6,
			AutoDetected: true,
			Timestamp:    now,
		})
	}
	return flags
}

// DetectSeries flags a series whose distortion has been strictly
// increasing for the trailing window. Refinement is supposed to shrink
// distortion; sustained growth means the computation is diverging.
func (d *PatternDetector) DetectSeries(points []models.RDPoint) []models.TraceFlagInfo {
	window := d.RunawayWindow
	if window < 2 {
		window = 2
	}
	if len(points) < window {
		return nil
	}

	tail := points[len(points)-window:]
	for i := 1; i < len(tail); i++ {
		if !(tail[i].Distortion > tail[i-1].Distortion) || math.IsNaN(tail[i].Distortion) {
			return nil
		}
	}
	return []models.TraceFlagInfo{{
		Kind:         models.FlagAnomaly,
		Reason:       "runaway distortion in refinement series",
		Severity:     7,
		AutoDetected: true,
		Timestamp:    time.Now().UTC(),
	}}
}

func (d *PatternDetector) repeatThreshold() int {
	if d.RepeatThreshold > 0 {
		return d.RepeatThreshold
	}
	return 12
}

// longestRepeat returns the longest run of identical consecutive
// whitespace-separated tokens.
func longestRepeat(text string) int {
	fields := strings.Fields(text)
	best, run := 0, 0
	var prev string
	for i, f := range fields {
		if i > 0 && f == prev {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
		prev = f
	}
	return best
}
