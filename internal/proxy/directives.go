package proxy

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cr0hn/drpd/internal/requestopts"
)

// BypassAction is what a data reduction proxy asks the client to do with
// a response.
type BypassAction int

const (
	// BypassNone keeps using the proxy.
	BypassNone BypassAction = iota
	// BypassCurrent skips the proxy that answered ("bypass=N").
	BypassCurrent
	// BypassAll skips every data reduction proxy ("block=N").
	BypassAll
	// BypassOnce goes direct for this request only ("block-once").
	BypassOnce
)

func (a BypassAction) String() string {
	switch a {
	case BypassCurrent:
		return "bypass"
	case BypassAll:
		return "block"
	case BypassOnce:
		return "block_once"
	default:
		return "none"
	}
}

// BypassDirective is a parsed Chrome-Proxy response directive. A zero
// Delay means the retry tracker's default delay.
type BypassDirective struct {
	Action BypassAction
	Delay  time.Duration
}

// ParseBypassDirective reads the Chrome-Proxy response header. block wins
// over bypass, which wins over block-once.
func ParseBypassDirective(h http.Header) BypassDirective {
	var bypass, once bool
	var bypassDelay time.Duration

	for _, value := range h.Values(requestopts.HeaderName) {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			switch {
			case strings.HasPrefix(part, "block="):
				if d, ok := parseSeconds(part[len("block="):]); ok {
					return BypassDirective{Action: BypassAll, Delay: d}
				}
			case strings.HasPrefix(part, "bypass="):
				if d, ok := parseSeconds(part[len("bypass="):]); ok && !bypass {
					bypass, bypassDelay = true, d
				}
			case part == "block-once":
				once = true
			}
		}
	}

	switch {
	case bypass:
		return BypassDirective{Action: BypassCurrent, Delay: bypassDelay}
	case once:
		return BypassDirective{Action: BypassOnce}
	}
	return BypassDirective{}
}

// maxDirectiveSeconds is the most whole seconds a time.Duration can hold.
const maxDirectiveSeconds = math.MaxInt64 / 1_000_000_000

// parseSeconds reads a non-negative second count. Values too large for a
// time.Duration saturate.
func parseSeconds(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
		n, err = maxDirectiveSeconds, nil
	}
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(min(n, maxDirectiveSeconds)) * time.Second, true
}
