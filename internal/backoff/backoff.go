// Package backoff computes retry cooldowns: capped exponential growth,
// provider-supplied retry hints parsed out of error messages, and
// deterministic jitter so identical inputs schedule identically in tests.
package backoff

import (
	"hash/fnv"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds the retry delay policy.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	JitterRatio float64
}

// DefaultConfig mirrors the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Factor:      2,
		JitterRatio: 0.2,
	}
}

var (
	retryInRe    = regexp.MustCompile(`(?i)retry in (\d+)\s*s`)
	retryDelayRe = regexp.MustCompile(`"retryDelay"\s*:\s*"(\d+)(ms|s|m)"`)
	clockFormRe  = regexp.MustCompile(`(?i)try again at (\d{1,2}):(\d{2})\s*(AM|PM)`)
)

// ParseRetryHint extracts a provider retry hint from an error message.
// Supported forms: "retry in Ns", `"retryDelay":"Xs|Xm|Xms"`, and the clock
// form "try again at 1:50 PM". A clock target already in the past rolls to
// the next day. Returns zero when no hint is present.
func ParseRetryHint(message string, now time.Time) time.Duration {
	if m := retryInRe.FindStringSubmatch(message); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return time.Duration(secs) * time.Second
	}
	if m := retryDelayRe.FindStringSubmatch(message); m != nil {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "ms":
			return time.Duration(n) * time.Millisecond
		case "m":
			return time.Duration(n) * time.Minute
		default:
			return time.Duration(n) * time.Second
		}
	}
	if m := clockFormRe.FindStringSubmatch(message); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if strings.EqualFold(m[3], "PM") && hour != 12 {
			hour += 12
		}
		if strings.EqualFold(m[3], "AM") && hour == 12 {
			hour = 0
		}
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !target.After(now) {
			target = target.AddDate(0, 0, 1)
		}
		return target.Sub(now)
	}
	return 0
}

// Cooldown computes the delay before the next attempt of taskID.
//
// exponential = min(maxDelay, ceil(base * factor^retryCount)). When the
// message carries a provider hint, jitter is skipped and the result is
// max(exponential, hint): provider-honored retries are never shortened.
// Otherwise a deterministic jitter derived from hash(taskID:retryCount) is
// added, bounded by jitterRatio, and the sum is capped at maxDelay.
func Cooldown(taskID string, retryCount int, cfg Config, errorMessage string, now time.Time) time.Duration {
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	exp := float64(cfg.BaseDelay) * math.Pow(factor, float64(retryCount))
	exp = math.Ceil(exp)
	if exp > float64(cfg.MaxDelay) {
		exp = float64(cfg.MaxDelay)
	}
	exponential := time.Duration(exp)

	if hint := ParseRetryHint(errorMessage, now); hint > 0 {
		if hint > exponential {
			return hint
		}
		return exponential
	}

	jitter := deterministicJitter(taskID, retryCount, exponential, cfg.JitterRatio)
	cooldown := exponential + jitter
	if cooldown > cfg.MaxDelay {
		cooldown = cfg.MaxDelay
	}
	return cooldown
}

// deterministicJitter returns hash(taskID:retryCount) mod
// floor(preJitter*ratio + 1), so the same attempt of the same task always
// jitters the same amount, within [0, preJitter*ratio].
func deterministicJitter(taskID string, retryCount int, preJitter time.Duration, ratio float64) time.Duration {
	if ratio <= 0 || preJitter <= 0 {
		return 0
	}
	span := int64(math.Floor(float64(preJitter)*ratio)) + 1
	h := fnv.New64a()
	h.Write([]byte(taskID))
	h.Write([]byte(":"))
	h.Write([]byte(strconv.Itoa(retryCount)))
	return time.Duration(int64(h.Sum64() % uint64(span)))
}
