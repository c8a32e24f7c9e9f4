package classify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/herald/internal/config"
)

func newClassifier() *Classifier {
	return New(config.DefaultClassifier())
}

func TestEndToEndScenarios(t *testing.T) {
	c := newClassifier()

	boarding := "Attention all passengers, flight 123 is now boarding at gate 5"
	v := c.Classify(boarding)
	require.True(t, v.IsAnnouncement)
	require.Equal(t, StageOverride, v.Stage)
	require.Equal(t, CategoryTravel, Categorize(boarding))

	v = c.Classify("How are you doing today?")
	require.False(t, v.IsAnnouncement)

	v = c.Classify("I think the meeting starts at 3 PM")
	require.False(t, v.IsAnnouncement)
	require.Equal(t, StageVeto, v.Stage)
	require.Equal(t, []RuleID{"veto.epistemic"}, v.MatchedRules)
}

func TestShortTextsAreNeverAnnouncements(t *testing.T) {
	c := newClassifier()
	for _, text := range []string{
		"",
		"   ",
		"Attention all passengers",
		"Final call gate five",
		"Emergency evacuation now please go",
	} {
		v := c.Classify(text)
		require.False(t, v.IsAnnouncement, text)
		require.Equal(t, StageLength, v.Stage, text)
	}
}

func TestVetoTakesPrecedenceOverOverride(t *testing.T) {
	c := newClassifier()
	cases := []string{
		"I think attention all passengers should board now please",
		"Can you hear the final call for the Denver flight",
		"Let’s ignore the emergency drill and grab lunch instead",
		"My flight had a last call at gate nine already",
		"The evacuation drill went well this morning everyone",
	}
	for _, text := range cases {
		v := c.Classify(text)
		require.False(t, v.IsAnnouncement, text)
		require.Equal(t, StageVeto, v.Stage, text)
	}
}

func TestOverrideIgnoresScore(t *testing.T) {
	c := newClassifier()
	v := c.Classify("um so attention everyone well um uh it is okay")
	require.True(t, v.IsAnnouncement)
	require.Equal(t, StageOverride, v.Stage)
	require.Equal(t, []RuleID{"override.address"}, v.MatchedRules)
	require.Equal(t, 0.9, v.Confidence)
}

func TestScoringPaths(t *testing.T) {
	c := newClassifier()

	t.Run("formal and public service", func(t *testing.T) {
		v := c.Classify("The library will be closed today due to scheduled maintenance work")
		require.True(t, v.IsAnnouncement)
		require.Equal(t, StageScore, v.Stage)
		require.Equal(t, 2, v.Signals.Formal)
		require.Equal(t, 1, v.Signals.PublicService)
		require.InDelta(t, 7.3, v.Score, 1e-9)
		require.InDelta(t, 0.684, v.Confidence, 1e-9)
		require.Contains(t, v.MatchedRules, RuleID("score.formal_public"))
	})

	t.Run("vocabulary with moderate score", func(t *testing.T) {
		v := c.Classify("Reminder the north entrance is currently closed for cleaning")
		require.True(t, v.IsAnnouncement)
		require.Equal(t, 1, v.Signals.Vocabulary)
		require.InDelta(t, 6.3, v.Score, 1e-9)
		require.Contains(t, v.MatchedRules, RuleID("vocab.safety"))
		require.Contains(t, v.MatchedRules, RuleID("score.vocabulary_moderate"))
	})

	t.Run("second person is not a veto", func(t *testing.T) {
		v := c.Classify("Please have your boarding pass ready at gate five now")
		require.True(t, v.IsAnnouncement)
		require.Equal(t, StageScore, v.Stage)
		require.InDelta(t, 7.3, v.Score, 1e-9)
	})

	t.Run("small talk stays below threshold", func(t *testing.T) {
		v := c.Classify("The weather has been lovely this week and we went hiking")
		require.False(t, v.IsAnnouncement)
		require.Equal(t, StageScore, v.Stage)
		require.InDelta(t, 3.5, v.Score, 1e-9)
	})

	t.Run("soft cues pull the score down", func(t *testing.T) {
		v := c.Classify("So um the gate area is kind of crowded today honestly")
		require.False(t, v.IsAnnouncement)
		require.Equal(t, 3, v.Signals.Conversational)
		require.InDelta(t, -1.2, v.Score, 1e-9)
		require.Equal(t, 0.1, v.Confidence)
	})
}

func TestConfidenceStaysClamped(t *testing.T) {
	c := newClassifier()
	for _, score := range []float64{-50, -1, 0, 3, 7.5, 10, 40} {
		conf := c.confidence(score)
		require.GreaterOrEqual(t, conf, 0.1)
		require.LessOrEqual(t, conf, 0.9)
	}
	require.Less(t, c.confidence(2), c.confidence(5))
}

func TestThresholdsAreConfigurable(t *testing.T) {
	cfg := config.DefaultClassifier()
	cfg.MinWords = 3
	c := New(cfg)
	require.True(t, c.Classify("Attention all passengers").IsAnnouncement)

	cfg = config.DefaultClassifier()
	cfg.FormalMinimum = 3
	cfg.HighThreshold = 20
	c = New(cfg)
	require.False(t, c.Classify("The library will be closed today due to scheduled maintenance work").IsAnnouncement)
}

func TestAcceptAllVerdict(t *testing.T) {
	v := AcceptAll()
	require.True(t, v.IsAnnouncement)
	require.Equal(t, StageBypass, v.Stage)
}
