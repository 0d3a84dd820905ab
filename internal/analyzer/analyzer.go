// Package analyzer derives a requirement vector from a conversation turn.
// The keyword strategy here is deliberately simple pattern counting; it sits
// behind the Analyzer interface so a classifier model can replace it later
// without touching the planner or executor contracts.
package analyzer

import (
	"regexp"

	"github.com/rs/zerolog"

	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/logging"
)

// Vector is the set of derived requirement flags for one turn.
// Derived fresh per turn; it has no persisted identity.
type Vector struct {
	NeedsImages       bool `json:"needs_images"`
	NeedsCode         bool `json:"needs_code"`
	NeedsOptimization bool `json:"needs_optimization"`
	NeedsReasoning    bool `json:"needs_reasoning"`
	NeedsFastResponse bool `json:"needs_fast_response"`
}

// Analyzer derives a requirement vector from a turn.
type Analyzer interface {
	Analyze(turn chat.Turn) Vector
}

// Decision thresholds over pattern counts.
const (
	codeThreshold         = 2
	optimizationThreshold = 1
	reasoningThreshold    = 1
	fastQueryThreshold    = 1

	// fastMaxChars bounds the total text length for a fast-response turn.
	fastMaxChars = 200
)

// Pattern families, counted case-insensitively over the whole turn text.
var (
	codePattern = regexp.MustCompile(`(?i)\b(function|const|let|var|async|class|import|export|return|if|else|for|while|def|print|range|lambda)\b`)

	optimizationPattern = regexp.MustCompile(`(?i)(optimi|performance|speed(?:\s?up)?|cache|memory|efficien|eficien)`)

	reasoningPattern = regexp.MustCompile(`(?i)\b(analyze|analiza|reason|razona|think|piensa|explain|explica|why|por qué|compare|compara|evaluate|evalúa)\b`)

	fastQueryPattern = regexp.MustCompile(`(?i)\b(hola|hello|hi|hey|gracias|thanks|thank you|ok|vale|bye|adiós)\b`)

	// Cues used by the vision-then-adaptive workflow to decide follow-up
	// stages from the vision model's description.
	tabularPattern = regexp.MustCompile(`(?i)(\|[-: ]*\||\btable\b|\btabla\b|\bcolumn\b|\brow\b|\bcsv\b|\bjson\b)`)
)

// Keyword is the pattern-counting Analyzer.
type Keyword struct {
	log zerolog.Logger
}

// NewKeyword creates the keyword-based analyzer.
func NewKeyword() *Keyword {
	return &Keyword{log: logging.Component("analyzer")}
}

// Analyze derives the requirement vector for a turn. Pure over the turn
// content: the same text always yields the same vector.
func (k *Keyword) Analyze(turn chat.Turn) Vector {
	text := turn.Text()

	codeCount := len(codePattern.FindAllString(text, -1))
	optCount := len(optimizationPattern.FindAllString(text, -1))
	reasonCount := len(reasoningPattern.FindAllString(text, -1))
	fastCount := len(fastQueryPattern.FindAllString(text, -1))

	v := Vector{
		NeedsImages:       turn.HasImages(),
		NeedsCode:         codeCount >= codeThreshold,
		NeedsOptimization: optCount >= optimizationThreshold,
		NeedsReasoning:    reasonCount >= reasoningThreshold,
		NeedsFastResponse: fastCount >= fastQueryThreshold && len(text) < fastMaxChars,
	}

	k.log.Debug().
		Int("code", codeCount).
		Int("optimization", optCount).
		Int("reasoning", reasonCount).
		Int("fast", fastCount).
		Bool("images", v.NeedsImages).
		Msg("requirement vector computed")

	return v
}

// NeedsStructuring reports whether a vision description contains code or
// tabular cues that warrant a coder follow-up stage.
func NeedsStructuring(text string) bool {
	return codePattern.MatchString(text) || tabularPattern.MatchString(text)
}

// NeedsReasoningFollowup reports whether a vision description contains
// explanatory vocabulary that warrants a verifier follow-up stage.
func NeedsReasoningFollowup(text string) bool {
	return reasoningPattern.MatchString(text)
}
