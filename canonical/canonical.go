// Package canonical derives stable text forms and content identifiers from raw
// email fields. Everything in this package is pure: no storage, no clock.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"html"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Version identifies the normalization rules. Bump when any pattern below
// changes so previously computed hashes can be told apart.
const Version = "v1"

var (
	replySplitRe = regexp.MustCompile(`(?mi)^\s*>?\s*On .+ wrote:` +
		`|^\s*>?\s*From:\s` +
		`|^\s*>?\s*Sent:\s` +
		`|^-----\s*Original Message\s*-----` +
		`|^-----\s*Forwarded message\s*-----` +
		`|^Begin forwarded message`)

	bannerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?mi)^\s*\[?\s*caution[:\-]?\s*external email[\s\]]?.*$`),
		regexp.MustCompile(`(?mi)^\s*\[?\s*warning[:\-]?\s*external email[\s\]]?.*$`),
		regexp.MustCompile(`(?mi)^\s*\[?\s*external sender[\s\]]?.*$`),
		regexp.MustCompile(`(?mi)^\s*external email\b.*$`),
		regexp.MustCompile(`(?mi)^.*EXTERNAL\s+EMAIL\s*:.*(?:click|links?|attachments?|safe).*$`),
		regexp.MustCompile(`(?mi)^\s*this email originated (?:from )?outside.*$`),
		regexp.MustCompile(`(?mi)^\s*do not (?:click|open) (?:links?|attachments?).*$`),
		regexp.MustCompile(`(?mi)^\s*don'?t (?:click|open) (?:links?|attachments?).*$`),
	}

	footerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?mi)^\s*this email (?:and any attachments )?(?:is|are) confidential.*$`),
		regexp.MustCompile(`(?mi)^\s*this message (?:and any attachments )?(?:contains|may contain) (?:confidential|privileged).*$`),
		regexp.MustCompile(`(?mi)^\s*if you have received this (?:e-?mail|message) in error.*$`),
		regexp.MustCompile(`(?mi)^\s*if you are not the intended recipient.*$`),
		regexp.MustCompile(`(?mi)^\s*please notify the sender.*$`),
		regexp.MustCompile(`(?mi)^\s*any views or opinions.*$`),
		regexp.MustCompile(`(?mi)^\s*registered (?:office|address).*$`),
		regexp.MustCompile(`(?mi)^\s*registered in (?:england|wales|scotland|ireland).*$`),
		regexp.MustCompile(`(?mi)^\s*vat (?:registration|reg\.?|number|no\.?).*$`),
		regexp.MustCompile(`(?mi)^\s*please consider the environment.*$`),
		regexp.MustCompile(`(?mi)^\s*this email has been scanned for viruses.*$`),
		regexp.MustCompile(`(?mi)^\s*click here to unsubscribe.*$`),
		regexp.MustCompile(`(?mi)^\s*disclaimer[:\s].*$`),
	}

	subjectPrefixRe  = regexp.MustCompile(`(?i)^\s*(?:re|fw|fwd|aw|sv|wg|tr|fs)\s*:\s*`)
	subjectBracketRe = regexp.MustCompile(`^\s*\[[^\]]{0,80}\]\s*`)
	messageIDRe      = regexp.MustCompile(`<([^>]+)>`)
	htmlTagRe        = regexp.MustCompile(`<[^>]+>`)
	styleBlockRe     = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	lineSpaceRe      = regexp.MustCompile(`[^\S\n]+`)
	spaceRunRe       = regexp.MustCompile(`\s+`)
	blankRunRe       = regexp.MustCompile(`\n{3,}`)
	alnumRe          = regexp.MustCompile(`[^0-9A-Za-z]+`)
)

// minBodyAlnum guards footer stripping: a footer marker only truncates the
// body when at least this many alphanumeric characters precede it, so short
// legitimate emails are not stripped down to nothing.
const minBodyAlnum = 50

// Body produces the canonical body for a message: top-message text only, with
// quoted/forwarded trailing content, security banners and signature footers
// removed, whitespace normalized, case preserved. When no plain-text body is
// available the HTML body is flattened first.
func Body(bodyText, bodyHTML string) string {
	text := bodyText
	if strings.TrimSpace(text) == "" && bodyHTML != "" {
		text = htmlToText(bodyHTML)
	}
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text = normalizeNewlines(text)

	for _, re := range bannerRes {
		text = re.ReplaceAllString(text, "")
	}

	// Keep only the top message: cut at the first reply/forward marker.
	if loc := replySplitRe.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}

	// Cut at the earliest footer marker, but only when enough real content
	// precedes it.
	earliest := len(text)
	for _, re := range footerRes {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] < earliest {
			earliest = loc[0]
		}
	}
	if earliest < len(text) {
		candidate := strings.TrimRight(text[:earliest], " \t\n")
		if len(alnumRe.ReplaceAllString(candidate, "")) >= minBodyAlnum {
			text = candidate
		}
	}

	text = lineSpaceRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		lines = append(lines, strings.TrimRight(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ContentHash computes the strict content identifier: a sha256 over the
// canonical body plus normalized sender, recipients, subject and send time.
// The payload is serialized as canonical JSON (sorted keys) so the same
// logical message always produces the same digest, regardless of which
// archive it was extracted from.
func ContentHash(canonicalBody, sender string, to, cc []string, subject string, dateSent *time.Time) string {
	payload := map[string]any{
		"body":    canonicalBody,
		"from":    NormalizeAddress(sender),
		"to":      NormalizeAddresses(to),
		"cc":      NormalizeAddresses(cc),
		"subject": NormalizeSubject(subject),
		"date":    formatDate(dateSent),
	}
	// Maps marshal with sorted keys, which is exactly the stability we need.
	blob, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return sha256Hex(blob)
}

// RelaxedHash digests the canonical body alone, ignoring all header fields.
// Used for the most permissive dedupe tier, where the same content was
// forwarded or re-addressed.
func RelaxedHash(canonicalBody string) string {
	collapsed := spaceRunRe.ReplaceAllString(canonicalBody, " ")
	collapsed = strings.ToLower(strings.TrimSpace(collapsed))
	if collapsed == "" {
		return ""
	}
	return sha256Hex([]byte(collapsed))
}

// NormalizeMessageID extracts the bare message id from an RFC 5322 header
// value: angle brackets removed, trimmed, lower-cased. Returns "" when no id
// is present.
func NormalizeMessageID(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	if m := messageIDRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.Trim(text, "<> ")
	return strings.ToLower(text)
}

// NormalizeSubject strips reply/forward prefixes (repeatedly), a leading
// bracketed tag, collapses whitespace and lower-cases.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return ""
	}
	s = subjectBracketRe.ReplaceAllString(s, "")
	for {
		next := subjectPrefixRe.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = next
	}
	s = spaceRunRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeAddress lower-cases and trims a single address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NormalizeAddresses lower-cases, de-duplicates and sorts an address list so
// recipient ordering never affects hashes.
func NormalizeAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		n := NormalizeAddress(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func htmlToText(raw string) string {
	text := styleBlockRe.ReplaceAllString(raw, "")
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	// Zero-width and control characters leak out of Outlook HTML bodies.
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
	return text
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
