// Package humanize – timeperiod.go maps wall-clock time to a probability
// factor. Periods may cross midnight; boundaries fade in and out over a
// configurable transition window, linearly or with a cosine curve. Quiet
// hours are the special case of a single factor-zero period.
package humanize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// TimePeriod is one named period with its probability factor.
type TimePeriod struct {
	Name   string  `json:"name" yaml:"name"`
	Start  string  `json:"start" yaml:"start"` // "HH:MM"
	End    string  `json:"end" yaml:"end"`     // "HH:MM", may be before Start (crosses midnight)
	Factor float64 `json:"factor" yaml:"factor"`

	startMin int
	endMin   int
}

// TimePeriodConfig configures a period manager.
type TimePeriodConfig struct {
	// Enabled turns the factor on; a disabled manager always returns 1.
	Enabled bool `yaml:"enabled"`

	// PeriodsJSON is the raw period list as a JSON string, matching the
	// config surface of the host plugin format.
	PeriodsJSON string `yaml:"periods"`

	// TransitionMinutes is the fade window on each side of a boundary.
	TransitionMinutes int `yaml:"transition_minutes"`

	// MinFactor and MaxFactor clamp the final factor.
	MinFactor float64 `yaml:"min_factor"`
	MaxFactor float64 `yaml:"max_factor"`

	// UseSmoothCurve selects cosine interpolation instead of linear.
	UseSmoothCurve bool `yaml:"use_smooth_curve"`
}

// DefaultTimePeriodConfig returns a disabled manager config with sane bounds.
func DefaultTimePeriodConfig() TimePeriodConfig {
	return TimePeriodConfig{
		Enabled:           false,
		TransitionMinutes: 30,
		MinFactor:         0.1,
		MaxFactor:         2.0,
	}
}

// TimePeriodManager computes the factor for the current time of day.
type TimePeriodManager struct {
	cfg     TimePeriodConfig
	periods []TimePeriod
	logger  *slog.Logger
}

// NewTimePeriodManager parses the period JSON and validates each entry.
// Malformed JSON or invalid entries fall back to an empty period list with a
// single warning, per the malformed-config policy.
func NewTimePeriodManager(cfg TimePeriodConfig, logger *slog.Logger) *TimePeriodManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &TimePeriodManager{cfg: cfg, logger: logger.With("component", "time_periods")}
	if cfg.MaxFactor < cfg.MinFactor {
		m.cfg.MinFactor, m.cfg.MaxFactor = cfg.MaxFactor, cfg.MinFactor
		m.logger.Warn("min_factor greater than max_factor, swapped")
	}
	if cfg.TransitionMinutes < 0 {
		m.cfg.TransitionMinutes = 0
	}
	if !cfg.Enabled || strings.TrimSpace(cfg.PeriodsJSON) == "" {
		return m
	}

	var raw []TimePeriod
	if err := json.Unmarshal([]byte(cfg.PeriodsJSON), &raw); err != nil {
		m.logger.Warn("invalid time period JSON, periods disabled", "error", err)
		return m
	}
	for _, p := range raw {
		start, err1 := parseHHMM(p.Start)
		end, err2 := parseHHMM(p.End)
		if err1 != nil || err2 != nil {
			m.logger.Warn("skipping period with invalid time", "period", p.Name, "start", p.Start, "end", p.End)
			continue
		}
		p.startMin, p.endMin = start, end
		m.periods = append(m.periods, p)
	}
	return m
}

// NewQuietHours builds a manager where the window [start, end] yields factor 0
// and transitions fade between 0 and 1 at the edges.
func NewQuietHours(start, end string, transitionMinutes int, smooth bool, logger *slog.Logger) *TimePeriodManager {
	periods, _ := json.Marshal([]TimePeriod{{Name: "quiet", Start: start, End: end, Factor: 0}})
	return NewTimePeriodManager(TimePeriodConfig{
		Enabled:           true,
		PeriodsJSON:       string(periods),
		TransitionMinutes: transitionMinutes,
		MinFactor:         0,
		MaxFactor:         1,
		UseSmoothCurve:    smooth,
	}, logger)
}

// Active reports whether any period is loaded.
func (m *TimePeriodManager) Active() bool {
	return m != nil && m.cfg.Enabled && len(m.periods) > 0
}

// Factor returns the factor for the current time.
func (m *TimePeriodManager) Factor() float64 {
	return m.FactorAt(time.Now())
}

// CurrentLabel returns the name of the period containing t, or "".
func (m *TimePeriodManager) CurrentLabel(t time.Time) string {
	if !m.Active() {
		return ""
	}
	minute := t.Hour()*60 + t.Minute()
	for _, p := range m.periods {
		if minuteInPeriod(minute, p) {
			return p.Name
		}
	}
	return ""
}

// FactorAt returns the clamped factor for an arbitrary time. Inside a period
// the period's factor applies (boundary minutes count as inside). Outside all
// periods but within the transition window of an edge, the factor fades
// between the period factor and 1.0. Everywhere else the factor is 1.0.
func (m *TimePeriodManager) FactorAt(t time.Time) float64 {
	if !m.Active() {
		return 1.0
	}
	minute := t.Hour()*60 + t.Minute()

	for _, p := range m.periods {
		if minuteInPeriod(minute, p) {
			return m.clamp(p.Factor)
		}
	}

	// Outside every period: fade from the nearest edge within the window.
	trans := m.cfg.TransitionMinutes
	if trans > 0 {
		bestDist := trans + 1
		bestFactor := 1.0
		for _, p := range m.periods {
			for _, edge := range []int{p.startMin, p.endMin} {
				d := circularDistance(minute, edge)
				if d < bestDist {
					bestDist = d
					bestFactor = p.Factor
				}
			}
		}
		if bestDist <= trans {
			r := float64(bestDist) / float64(trans)
			if m.cfg.UseSmoothCurve {
				r = (1 - math.Cos(math.Pi*r)) / 2
			}
			return m.clamp(bestFactor + (1.0-bestFactor)*r)
		}
	}
	return m.clamp(1.0)
}

func (m *TimePeriodManager) clamp(v float64) float64 {
	return clampf(v, m.cfg.MinFactor, m.cfg.MaxFactor)
}

// minuteInPeriod handles cross-midnight ranges; both edges are inclusive.
func minuteInPeriod(minute int, p TimePeriod) bool {
	if p.startMin <= p.endMin {
		return minute >= p.startMin && minute <= p.endMin
	}
	return minute >= p.startMin || minute <= p.endMin
}

// circularDistance is the shortest distance between two minutes of day.
func circularDistance(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > minutesPerDay/2 {
		d = minutesPerDay - d
	}
	return d
}

func parseHHMM(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute %q", s)
	}
	return h*60 + m, nil
}
