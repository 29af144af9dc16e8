package agent

import (
	"regexp"
	"strings"
)

// SignalKind is the outcome an agent's end-of-turn response communicates to
// the run loop.
type SignalKind string

const (
	SignalNone     SignalKind = "NONE"
	SignalComplete SignalKind = "COMPLETE"
	SignalBlocked  SignalKind = "BLOCKED"
	SignalApprove  SignalKind = "APPROVE"
	SignalReject   SignalKind = "REJECT"
)

// Signal is the parsed interpretation of one agent response.
type Signal struct {
	Kind   SignalKind
	Reason string
}

var (
	completeRe = regexp.MustCompile(`(?is)<complete\s*/?>`)
	blockedRe  = regexp.MustCompile(`(?is)<blocked\s+reason\s*=\s*"([^"]*)"\s*/?>`)
	approveRe  = regexp.MustCompile(`(?is)<approve(?:\s+reason\s*=\s*"([^"]*)")?\s*/?>`)
	rejectRe   = regexp.MustCompile(`(?is)<reject(?:\s+reason\s*=\s*"([^"]*)")?\s*/?>`)
)

// ParseSignal is a pure function over the agent's full response text: equal
// inputs always yield equal outputs. The last signal tag in the text, of
// any kind, decides the result, so a trailing, authoritative tag wins over
// one quoted earlier in the response (e.g. the agent restating instructions).
func ParseSignal(text string) Signal {
	sig, pos := Signal{Kind: SignalNone}, -1
	for _, c := range []struct {
		kind SignalKind
		re   *regexp.Regexp
	}{{SignalComplete, completeRe}, {SignalBlocked, blockedRe}, {SignalApprove, approveRe}, {SignalReject, rejectRe}} {
		m := lastMatch(c.re, text)
		if m == nil || m[0] < pos {
			continue
		}
		pos = m[0]
		sig = Signal{Kind: c.kind}
		if len(m) >= 4 && m[2] >= 0 {
			sig.Reason = strings.TrimSpace(text[m[2]:m[3]])
		}
	}
	return sig
}

// lastMatch returns the submatch indices of the last match of re in text.
func lastMatch(re *regexp.Regexp, text string) []int {
	all := re.FindAllStringSubmatchIndex(text, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}
