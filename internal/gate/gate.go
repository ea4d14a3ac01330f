package gate

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

type Action int

const (
	Allow Action = iota
	Reject
	Quarantine
)

type Decision struct {
	Action Action
	Reason string
}

func allow() Decision                 { return Decision{Action: Allow} }
func reject(reason string) Decision   { return Decision{Action: Reject, Reason: reason} }
func quarantine(reason string) Decision {
	return Decision{Action: Quarantine, Reason: reason}
}

type Config struct {
	RateLimit      int           // messages per window per (user, room)
	RateWindow     time.Duration
	FloodThreshold int           // identical messages within FloodWindow
	FloodWindow    time.Duration
	Denylist       []string
}

var (
	urlRe   = regexp.MustCompile(`(?i)\bhttps?://\S+|\bwww\.\S+`)
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

// Gate runs the moderation pipeline a candidate message must pass before
// acceptance. Evaluation touches only internal counters, never persistence,
// so it is safe to run speculatively before any write.
type Gate struct {
	cfg      Config
	denylist []string

	mu      sync.Mutex
	windows map[string][]time.Time // (user:room) -> send timestamps
	recent  map[string][]attempt   // user -> recent contents

	now func() time.Time
}

type attempt struct {
	content string
	at      time.Time
}

func New(cfg Config) *Gate {
	denylist := make([]string, 0, len(cfg.Denylist))
	for _, term := range cfg.Denylist {
		if t := strings.ToLower(strings.TrimSpace(term)); t != "" {
			denylist = append(denylist, t)
		}
	}
	return &Gate{
		cfg:      cfg,
		denylist: denylist,
		windows:  make(map[string][]time.Time),
		recent:   make(map[string][]attempt),
		now:      time.Now,
	}
}

// Evaluate short-circuits in order: rate limit, flood, denylist, heuristics.
func (g *Gate) Evaluate(content, userID, roomID string) Decision {
	now := g.now()

	g.mu.Lock()
	if g.overRateLimit(userID, roomID, now) {
		g.mu.Unlock()
		return reject("rate limit exceeded")
	}
	flooded := g.flooding(userID, content, now)
	g.mu.Unlock()

	if flooded {
		return reject("flood detected")
	}

	lower := strings.ToLower(content)
	for _, term := range g.denylist {
		if strings.Contains(lower, term) {
			return reject("disallowed content")
		}
	}

	if urlRe.MatchString(content) {
		return quarantine("url detected")
	}
	if emailRe.MatchString(content) {
		return quarantine("email detected")
	}

	return allow()
}

// overRateLimit prunes and counts the sliding window. Rejected attempts do
// not consume budget; accepted ones are recorded before the verdict so the
// limit counts evaluated messages.
func (g *Gate) overRateLimit(userID, roomID string, now time.Time) bool {
	key := userID + ":" + roomID
	cutoff := now.Add(-g.cfg.RateWindow)

	window := g.windows[key]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= g.cfg.RateLimit {
		g.windows[key] = kept
		return true
	}
	g.windows[key] = append(kept, now)
	return false
}

// flooding counts identical-or-near-identical messages by the same user
// within the flood window, including the current attempt.
func (g *Gate) flooding(userID, content string, now time.Time) bool {
	norm := normalize(content)
	cutoff := now.Add(-g.cfg.FloodWindow)

	history := g.recent[userID]
	kept := history[:0]
	matches := 1 // current attempt
	for _, a := range history {
		if a.at.After(cutoff) {
			kept = append(kept, a)
			if a.content == norm {
				matches++
			}
		}
	}
	g.recent[userID] = append(kept, attempt{content: norm, at: now})

	return matches >= g.cfg.FloodThreshold
}

func normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}
