// Package classify implements the early-gate email classifier. Rules are
// data-driven pattern tables compiled once at package load; Classify itself is
// pure and cheap enough to run before any heavy extraction work.
package classify

import (
	"regexp"
	"strings"
)

// Result is the classification outcome for one message.
type Result struct {
	IsSpam bool
	// Score is the confidence in the spam verdict, 0-100.
	Score          int
	Category       string
	IsOtherProject bool
	// AutoHide marks high-confidence matches that should be hidden from the
	// correspondence view. Medium-confidence matches are tagged only.
	AutoHide bool
	// Reasons lists the rule expressions that fired, for the audit trail.
	Reasons []string
}

// rule is one pattern; unless, when set, suppresses the match if it also
// matches (regexp has no negative lookahead).
type rule struct {
	expr   string
	unless string
}

// Group is a set of rules sharing a category, confidence and hide behavior.
type Group struct {
	Category   string
	Confidence int
	AutoHide   bool
	rules      []rule
}

const categoryOtherProjects = "other_projects"

// highConfidenceGroups are checked first; a match auto-hides the message.
var highConfidenceGroups = []Group{
	{
		Category:   "non_email",
		Confidence: 100,
		AutoHide:   true,
		rules: []rule{
			// Calendar, task and contact items carried in mail archives.
			{expr: `^IPM\.Activity$`},
			{expr: `^IPM\.Appointment`},
			{expr: `^IPM\.Task`},
			{expr: `^IPM\.Contact`},
			{expr: `^IPM\.StickyNote`},
			{expr: `^IPM\.Schedule`},
			{expr: `^IPM\.DistList`},
			{expr: `^IPM\.Post`},
			{expr: `^-$`},
			{expr: `^$`},
		},
	},
	{
		Category:   "marketing",
		Confidence: 95,
		AutoHide:   true,
		rules: []rule{
			{expr: `\bwebinar\b`},
			{expr: `\bexhibition\b`},
			{expr: `\bconference\b`},
			{expr: `\bsummit\b`},
			{expr: `\d+%\s*off\b`},
			{expr: `\bdiscount\b`},
			{expr: `\bfree pass\b`},
			{expr: `\bstands? remaining\b`},
			{expr: `\bstands? sold\b`},
			{expr: `\bsecure yours\b`},
			{expr: `\bearly bird\b`},
			{expr: `\bregister now\b`},
			{expr: `\bbook your\b`},
			{expr: `\bspecial offer\b`},
		},
	},
	{
		Category:   "linkedin",
		Confidence: 98,
		AutoHide:   true,
		rules: []rule{
			{expr: `person is noticing`},
			{expr: `person noticed`},
			{expr: `people viewed your profile`},
			{expr: `new connection`},
			{expr: `linkedin\.com`},
		},
	},
	{
		Category:   "news_digest",
		Confidence: 90,
		AutoHide:   true,
		rules: []rule{
			{expr: `\.\.appointed to`},
			{expr: `\.\.framework`},
			{expr: `contractors? appointed`},
			{expr: `\d+\s*(?:firms?|contractors?)\s*appointed`},
			{expr: `contract (?:win|awarded)`},
			{expr: `framework (?:win|awarded)`},
		},
	},
	{
		Category:   "date_only",
		Confidence: 85,
		AutoHide:   true,
		rules: []rule{
			// Subject is nothing but an export timestamp.
			{expr: `^20\d{2}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}(?:\.msg)?$`},
		},
	},
	{
		Category:   "vendor_discount",
		Confidence: 90,
		AutoHide:   true,
		rules: []rule{
			{expr: `ronacreteshop`},
			{expr: `toolstation`},
			{expr: `screwfix.*%\s*off`},
			{expr: `trade discount`},
		},
	},
	{
		Category:   categoryOtherProjects,
		Confidence: 92,
		AutoHide:   true,
		rules:      otherProjectRules(),
	},
}

// mediumConfidenceGroups tag the message without hiding it.
var mediumConfidenceGroups = []Group{
	{
		Category:   "out_of_office",
		Confidence: 75,
		rules: []rule{
			{expr: `automatic reply[:\s]`},
			{expr: `out of (?:the )?office`},
			{expr: `away from (?:my )?(?:desk|office)`},
			{expr: `on (?:annual )?leave`},
			{expr: `currently unavailable`},
		},
	},
	{
		Category:   "hr_automated",
		Confidence: 70,
		rules: []rule{
			{expr: `\d+\s*(?:month|day|week)\s*check[- ]?up`},
			{expr: `check[- ]?up for`},
			{expr: `probation review`},
			{expr: `performance review reminder`},
		},
	},
	{
		Category:   "survey",
		Confidence: 65,
		rules: []rule{
			{expr: `\bsurvey\b`},
			{expr: `feedback request`},
			{expr: `your opinion`},
			{expr: `rate your experience`},
			{expr: `how did we do`},
		},
	},
	{
		Category:   "training",
		Confidence: 60,
		rules: []rule{
			{expr: `\bcpd\b`},
			{expr: `training (?:course|session)`},
			{expr: `learning module`},
			{expr: `certification expir`},
		},
	},
	{
		Category:   "leave_request",
		Confidence: 55,
		rules: []rule{
			{expr: `leave request`},
			{expr: `holiday request`},
			{expr: `time off request`},
			{expr: `absence notification`},
		},
	},
}

var spamSenderExprs = []string{
	`noreply@`,
	`no-reply@`,
	`donotreply@`,
	`marketing@`,
	`newsletter@`,
	`notifications?@linkedin`,
	`@eventbrite\.com$`,
	`@mailchimp\.com$`,
	`@sendgrid\.net$`,
}

// otherProjectKeywords names unrelated projects whose correspondence should be
// excluded from the case corpus. Kept in one place so ExtractOtherProject and
// the classifier rules stay in sync.
var otherProjectKeywords = []string{
	"abbey road", "peabody", "merrick place", "southall", "oxlow lane",
	"dagenham", "befirst", "roxwell road", "kings crescent", "peckham library",
	"flaxyard", "loxford", "seven kings", "redbridge living",
	"frank towell court", "lisson arches", "beaulieu park", "chelmsford",
	"islay wharf", "victory place", "earlham grove", "canons park",
	"rayners lane", "clapham park", "mtvh", "osier way", "pocket living",
	"moreland gardens", "buckland", "south thames college",
	"robert whyte house", "bromley", "camley street", "lsa", "honeywell",
}

func otherProjectRules() []rule {
	rules := make([]rule, 0, len(otherProjectKeywords)+1)
	for _, kw := range otherProjectKeywords {
		switch kw {
		case "mtvh", "lsa":
			rules = append(rules, rule{expr: `\b` + kw + `\b`})
		default:
			rules = append(rules, rule{expr: regexp.QuoteMeta(kw)})
		}
	}
	// "grove" alone marks another site, unless the case project is named too.
	rules = append(rules, rule{expr: `\bgrove\b`, unless: `welbourne`})
	return rules
}

type compiledRule struct {
	expr   string
	re     *regexp.Regexp
	unless *regexp.Regexp
}

type compiledGroup struct {
	group Group
	rules []compiledRule
}

var (
	compiledHigh   []compiledGroup
	compiledMedium []compiledGroup
	compiledSender []*regexp.Regexp
)

func init() {
	compiledHigh = compileGroups(highConfidenceGroups)
	compiledMedium = compileGroups(mediumConfidenceGroups)
	for _, expr := range spamSenderExprs {
		compiledSender = append(compiledSender, regexp.MustCompile(`(?i)`+expr))
	}
}

func compileGroups(groups []Group) []compiledGroup {
	out := make([]compiledGroup, 0, len(groups))
	for _, g := range groups {
		cg := compiledGroup{group: g}
		for _, r := range g.rules {
			cr := compiledRule{expr: r.expr, re: regexp.MustCompile(`(?i)` + r.expr)}
			if r.unless != "" {
				cr.unless = regexp.MustCompile(`(?i)` + r.unless)
			}
			cg.rules = append(cg.rules, cr)
		}
		out = append(out, cg)
	}
	return out
}

// Classify scores one message from its subject and sender. High-confidence
// subject matches win outright; otherwise a spammy sender boosts any
// medium-confidence match, and a spammy sender with no subject match is
// tagged as automated without being hidden. The body is accepted for future
// rules but not consulted today.
func Classify(subject, sender, body string) Result {
	_ = body
	subject = strings.TrimSpace(subject)
	sender = strings.ToLower(strings.TrimSpace(sender))

	for _, cg := range compiledHigh {
		for _, cr := range cg.rules {
			if !cr.re.MatchString(subject) {
				continue
			}
			if cr.unless != nil && cr.unless.MatchString(subject) {
				continue
			}
			return Result{
				IsSpam:         true,
				Score:          cg.group.Confidence,
				Category:       cg.group.Category,
				IsOtherProject: cg.group.Category == categoryOtherProjects,
				AutoHide:       cg.group.AutoHide,
				Reasons:        []string{"subject:" + cr.expr},
			}
		}
	}

	var senderReason string
	for _, re := range compiledSender {
		if re.MatchString(sender) {
			senderReason = "sender:" + re.String()
			break
		}
	}

	for _, cg := range compiledMedium {
		for _, cr := range cg.rules {
			if !cr.re.MatchString(subject) {
				continue
			}
			score := cg.group.Confidence
			reasons := []string{"subject:" + cr.expr}
			if senderReason != "" {
				score += 10
				reasons = append(reasons, senderReason)
			}
			if score > 100 {
				score = 100
			}
			return Result{
				IsSpam:   true,
				Score:    score,
				Category: cg.group.Category,
				AutoHide: cg.group.AutoHide,
				Reasons:  reasons,
			}
		}
	}

	if senderReason != "" {
		return Result{
			IsSpam:   true,
			Score:    40,
			Category: "automated",
			Reasons:  []string{senderReason},
		}
	}

	return Result{}
}

// ExtractOtherProject returns the display name of the first unrelated-project
// keyword found in the subject, or "" when none match.
func ExtractOtherProject(subject string) string {
	lower := strings.ToLower(subject)
	for _, kw := range otherProjectKeywords {
		if strings.Contains(lower, kw) {
			return prettyProjectName(kw)
		}
	}
	return ""
}

func prettyProjectName(keyword string) string {
	switch keyword {
	case "mtvh", "lsa":
		return strings.ToUpper(keyword)
	case "befirst":
		return "BeFirst"
	}
	words := strings.Fields(keyword)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
