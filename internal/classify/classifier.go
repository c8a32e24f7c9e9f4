// Package classify decides whether a transcript is a public-address
// announcement and tags announcements with a coarse category.
//
// Classification runs in a fixed order: a length gate, then conversational
// veto patterns, then public-address override patterns, then a weighted score.
// An earlier stage that reaches a decision ends evaluation.
package classify

import (
	"regexp"
	"strings"

	"github.com/loqalabs/herald/internal/config"
)

// Stage names the step that produced a verdict.
type Stage string

const (
	StageLength   Stage = "length"
	StageVeto     Stage = "veto"
	StageOverride Stage = "override"
	StageScore    Stage = "score"
	StageBypass   Stage = "bypass"
)

// RuleID is a stable identifier for a matched pattern or decision rule.
type RuleID string

// Signals is the per-stage breakdown behind a scored verdict.
type Signals struct {
	Words          int
	Vocabulary     int
	Formal         int
	PublicService  int
	Time           int
	Location       int
	Structure      float64
	Conversational int
}

// Verdict is the outcome of classifying one transcript.
type Verdict struct {
	IsAnnouncement bool
	Score          float64
	Confidence     float64
	Stage          Stage
	MatchedRules   []RuleID
	Signals        Signals
}

// AcceptAll is the verdict used when the classifier is bypassed.
func AcceptAll() Verdict {
	return Verdict{IsAnnouncement: true, Confidence: 1, Stage: StageBypass}
}

type rule struct {
	id RuleID
	re *regexp.Regexp
}

func newRule(id, pattern string) rule {
	return rule{id: RuleID(id), re: regexp.MustCompile(pattern)}
}

var vetoRules = []rule{
	newRule("veto.epistemic", `\bi (think|feel|believe)\b`),
	newRule("veto.request", `\b(can|could|would|will|do) you\b`),
	newRule("veto.preference", `\bi (like|love|hate|prefer|want|need)\b`),
	newRule("veto.suggestion", `\b(let's|we should|should we|why don't we)\b`),
	newRule("veto.hearsay", `\b(i heard|someone said|i wonder)\b`),
	newRule("veto.possessive", `\b(my|our) (flight|train|meeting|appointment)\b`),
	newRule("veto.evaluative", `\breally (nice|good|bad|great|loud)\b`),
	newRule("veto.tag_question", `\bisn't it\b`),
	newRule("veto.right_tag", `\bright\?`),
	newRule("veto.opinion_question", `\bwhat do you think\b`),
	newRule("veto.personal_offer", `\bif you need me\b`),
	newRule("veto.recap", `\bwent (well|badly|great)\b`),
	newRule("veto.greeting", `(^(hey|hi|hello)\b|\bhow are you\b|\bwhat's up\b|\b(bye|goodbye|see you later)\b)`),
}

var overrideRules = []rule{
	newRule("override.address", `\b(attention|ladies and gentlemen|code (red|blue|green))\b`),
	newRule("override.group", `\ball (passengers|students|staff|visitors|everyone)\b`),
	newRule("override.notice", `\b(please note|for your information)\b`),
	newRule("override.urgency", `\b(final call|now boarding|last call)\b`),
	newRule("override.emergency", `\b(emergency|evacuation|drill)\b`),
}

// Each vocabulary category contributes at most once to the score.
var vocabularyRules = []rule{
	newRule("vocab.address", `\b(attention|announcement|notice|important|alert|urgent)\b`),
	newRule("vocab.notice", `\b(please note|kindly note|for your information|fyi)\b`),
	newRule("vocab.group", `\b(all passengers|all students|all staff|all users|everyone)\b`),
	newRule("vocab.transport", `\b(boarding|departure|arrival|gate|platform|floor|room)\b`),
	newRule("vocab.safety", `\b(reminder|warning|caution|safety|emergency)\b`),
	newRule("vocab.urgency", `\b(now boarding|final call|last call|delayed|cancelled|canceled)\b`),
	newRule("vocab.meeting", `\b(meeting|event|session|break|lunch|closing)\b`),
}

var (
	formalPhrases = phraseSet(
		"please", "kindly", "we would like to", "we are pleased to",
		"due to", "as a result of", "effective immediately", "passengers are",
		"will be", "has been", "have been", "is now", "are now",
	)
	publicServicePhrases = phraseSet(
		"passengers", "students", "staff", "visitors", "customers",
		"will be closed", "will be open", "is currently", "are currently",
		"please complete", "please proceed", "please stand",
		"must sign in", "must have", "required to",
	)
	timeTokens = phraseSet(
		"minutes", "hours", "pm", "am", "today", "tomorrow", "now", "currently",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	)
	locationTokens = phraseSet(
		"gate", "platform", "room", "floor", "hall", "building", "area",
		"terminal", "level", "entrance", "exit",
		"north", "south", "east", "west",
	)
	passiveAuxiliary = regexp.MustCompile(`\b(will be|has been|have been|is being|are being)\b`)
	softCues         = regexp.MustCompile(`\b(um|uh|well|so|anyway|actually|oh|ah|maybe|perhaps|probably|i guess|you know|kind of|sort of)\b`)
)

var (
	strongOpeners = map[string]struct{}{
		"attention": {}, "notice": {}, "announcement": {}, "important": {},
		"please": {}, "all": {}, "ladies": {}, "dear": {},
		"passengers": {}, "students": {},
	}
	weakOpeners = map[string]struct{}{
		"due": {}, "we": {}, "this": {}, "the": {},
	}
)

// phrase is one indicator of a phrase set, matched on word boundaries.
type phrase struct {
	text string
	re   *regexp.Regexp
}

func phraseSet(items ...string) []phrase {
	out := make([]phrase, 0, len(items))
	for _, item := range items {
		out = append(out, phrase{text: item, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(item) + `\b`)})
	}
	return out
}

// countDistinct returns how many indicators of set occur in text.
func countDistinct(set []phrase, text string) int {
	n := 0
	for _, p := range set {
		if p.re.MatchString(text) {
			n++
		}
	}
	return n
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	cfg config.ClassifierConfig
}

func New(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify returns the announcement verdict for text.
func (c *Classifier) Classify(text string) Verdict {
	normalized := normalize(text)
	words := strings.Fields(normalized)

	if len(words) < c.cfg.MinWords {
		return Verdict{
			Stage:        StageLength,
			Confidence:   c.cfg.ConfidenceFloor,
			MatchedRules: []RuleID{"length.min_words"},
			Signals:      Signals{Words: len(words)},
		}
	}

	for _, r := range vetoRules {
		if r.re.MatchString(normalized) {
			return Verdict{
				Stage:        StageVeto,
				Confidence:   c.cfg.ConfidenceFloor,
				MatchedRules: []RuleID{r.id},
				Signals:      Signals{Words: len(words)},
			}
		}
	}

	var overrides []RuleID
	for _, r := range overrideRules {
		if r.re.MatchString(normalized) {
			overrides = append(overrides, r.id)
		}
	}
	if len(overrides) > 0 {
		return Verdict{
			IsAnnouncement: true,
			Stage:          StageOverride,
			Confidence:     c.cfg.ConfidenceCeiling,
			MatchedRules:   overrides,
			Signals:        Signals{Words: len(words)},
		}
	}

	return c.score(normalized, words)
}

func (c *Classifier) score(text string, words []string) Verdict {
	var matched []RuleID
	sig := Signals{Words: len(words)}

	for _, r := range vocabularyRules {
		if r.re.MatchString(text) {
			sig.Vocabulary++
			matched = append(matched, r.id)
		}
	}
	sig.Formal = countDistinct(formalPhrases, text)
	sig.PublicService = countDistinct(publicServicePhrases, text)
	sig.Time = countDistinct(timeTokens, text)
	sig.Location = countDistinct(locationTokens, text)

	opener := strings.Trim(words[0], ".,!?;:\"'")
	if _, ok := strongOpeners[opener]; ok {
		sig.Structure += c.cfg.StrongOpenerBonus
	} else if _, ok := weakOpeners[opener]; ok {
		sig.Structure += c.cfg.WeakOpenerBonus
	}
	if passiveAuxiliary.MatchString(text) {
		sig.Structure += c.cfg.PassiveBonus
	}
	sig.Conversational = len(softCues.FindAllStringIndex(text, -1))

	score := float64(sig.Vocabulary)*c.cfg.VocabularyWeight +
		float64(sig.Formal)*c.cfg.FormalWeight +
		float64(sig.PublicService)*c.cfg.PublicServiceWeight +
		float64(sig.Time)*c.cfg.TimeWeight +
		float64(sig.Location)*c.cfg.LocationWeight +
		sig.Structure -
		float64(sig.Conversational)*c.cfg.ConversationalPenalty
	if len(words) < c.cfg.ShortWords {
		score -= c.cfg.ShortPenalty
	}

	v := Verdict{
		Stage:      StageScore,
		Score:      score,
		Confidence: c.confidence(score),
		Signals:    sig,
	}
	switch {
	case sig.Vocabulary >= 1 && score >= c.cfg.ModerateThreshold:
		v.IsAnnouncement = true
		matched = append(matched, "score.vocabulary_moderate")
	case sig.Formal >= c.cfg.FormalMinimum && sig.PublicService >= c.cfg.PublicServiceMinimum:
		v.IsAnnouncement = true
		matched = append(matched, "score.formal_public")
	case score >= c.cfg.HighThreshold:
		v.IsAnnouncement = true
		matched = append(matched, "score.high")
	}
	v.MatchedRules = matched
	return v
}

// confidence maps score linearly onto [floor, ceiling].
func (c *Classifier) confidence(score float64) float64 {
	conf := c.cfg.ConfidenceFloor
	if c.cfg.ConfidenceScoreAtCeil > 0 {
		conf += (c.cfg.ConfidenceCeiling - c.cfg.ConfidenceFloor) * score / c.cfg.ConfidenceScoreAtCeil
	}
	if conf < c.cfg.ConfidenceFloor {
		return c.cfg.ConfidenceFloor
	}
	if conf > c.cfg.ConfidenceCeiling {
		return c.cfg.ConfidenceCeiling
	}
	return conf
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'")

func normalize(text string) string {
	return strings.TrimSpace(apostrophes.Replace(strings.ToLower(text)))
}
