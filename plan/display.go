package plan

import (
	"math"
	"strconv"
)

// PercentUsed returns the share of limit consumed by current, rounded and clamped to [0,100].
// Unlimited always reports 0.
func PercentUsed(current, limit int64) int {
	if limit == Unlimited {
		return 0
	}
	if limit <= 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	pct := math.Round(float64(current) / float64(limit) * 100)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return int(pct)
}

// FormatLimit renders a limit for display, Unlimited as "unlimited"
func FormatLimit(limit int64) string {
	if limit == Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(limit, 10)
}

// LimitDisplay is one plan limit prepared for display
type LimitDisplay struct {
	Resource  Resource `json:"resource"`
	Limit     int64    `json:"limit"`
	Unlimited bool     `json:"unlimited"`
	Label     string   `json:"label"`
}

// DisplayLimits lists every limit in display order. Storage is labelled in GB.
func DisplayLimits(l Limits) []LimitDisplay {
	out := make([]LimitDisplay, 0, len(Resources))
	for _, r := range Resources {
		limit, _ := l.For(r)
		label := FormatLimit(limit)
		if r == Storage {
			limit = l.StorageGB
			label = FormatLimit(limit)
			if limit != Unlimited {
				label += " GB"
			}
		}
		out = append(out, LimitDisplay{
			Resource:  r,
			Limit:     limit,
			Unlimited: limit == Unlimited,
			Label:     label,
		})
	}
	return out
}
