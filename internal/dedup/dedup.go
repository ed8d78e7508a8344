// Package dedup classifies AI-synthesized draft test cases against a
// project's existing published tests and already-generated drafts, using
// exact-signature matching and Jaccard token-set similarity.
package dedup

import (
	"fmt"
	"strings"
)

const (
	// NearDuplicateThreshold and OverlapThreshold bound the three Jaccard
	// similarity bands: skip, accept-with-reference, accept.
	NearDuplicateThreshold = 0.88
	OverlapThreshold       = 0.72
)

// ExistingTest is one published test case considered during dedup.
type ExistingTest struct {
	ID              string
	Title           string
	Description     string
	ExpectedOutcome string
}

// Candidate is one AI-synthesized draft awaiting classification.
type Candidate struct {
	Title           string
	Description     string
	ExpectedOutcome string
}

// Outcome is the classification of one Candidate.
type Outcome struct {
	Candidate     Candidate
	Duplicate     bool
	DuplicateOfID string
	Reason        string
}

// Classifier holds the running state of one dedup pass: the signature and
// token-set index built from existing tests/drafts, plus the
// acceptedSignatures set accumulated as candidates are accepted.
type Classifier struct {
	signatureOwner     map[string]string // signature -> owning existing test id ("" for draft-only signatures)
	tokenSets          map[string]map[string]struct{}
	acceptedSignatures map[string]struct{}
}

// NewClassifier builds a Classifier from the project's current published
// tests and existing draft-status drafts. Draft signatures are registered
// for exact-match detection only; they contribute no token set, so a
// near-duplicate of an unpublished draft is not suppressed.
func NewClassifier(existingTests []ExistingTest, existingDraftSignatures []Candidate) *Classifier {
	c := &Classifier{
		signatureOwner:     make(map[string]string, len(existingTests)+len(existingDraftSignatures)),
		tokenSets:          make(map[string]map[string]struct{}, len(existingTests)),
		acceptedSignatures: make(map[string]struct{}),
	}
	for _, t := range existingTests {
		sig := Signature(t.Title, t.Description, t.ExpectedOutcome)
		c.signatureOwner[sig] = t.ID
		c.tokenSets[t.ID] = TokenSet(t.Title, t.Description, t.ExpectedOutcome)
	}
	for _, d := range existingDraftSignatures {
		sig := Signature(d.Title, d.Description, d.ExpectedOutcome)
		if _, ok := c.signatureOwner[sig]; !ok {
			c.signatureOwner[sig] = ""
		}
	}
	return c
}

// Classify runs one candidate through the dedup rules and records its
// signature in acceptedSignatures if it is not a duplicate. Candidates must
// be classified in order: acceptance is order-dependent.
func (c *Classifier) Classify(cand Candidate) Outcome {
	sig := Signature(cand.Title, cand.Description, cand.ExpectedOutcome)

	if ownerID, exists := c.signatureOwner[sig]; exists {
		return Outcome{
			Candidate:     cand,
			Duplicate:     true,
			DuplicateOfID: ownerID,
			Reason:        "Exact duplicate of an existing or already-generated test.",
		}
	}
	if _, accepted := c.acceptedSignatures[sig]; accepted {
		return Outcome{
			Candidate: cand,
			Duplicate: true,
			Reason:    "Exact duplicate of an existing or already-generated test.",
		}
	}

	tokens := TokenSet(cand.Title, cand.Description, cand.ExpectedOutcome)
	bestID, bestScore := bestMatch(tokens, c.tokenSets)

	switch {
	case bestScore >= NearDuplicateThreshold:
		return Outcome{
			Candidate:     cand,
			Duplicate:     true,
			DuplicateOfID: bestID,
			Reason:        fmt.Sprintf("Near-duplicate of existing coverage (%d%% similarity).", similarityPercent(bestScore)),
		}
	case bestScore >= OverlapThreshold:
		c.acceptedSignatures[sig] = struct{}{}
		return Outcome{
			Candidate:     cand,
			Duplicate:     false,
			DuplicateOfID: bestID,
			Reason:        fmt.Sprintf("Potential overlap detected (%d%% similarity).", similarityPercent(bestScore)),
		}
	default:
		c.acceptedSignatures[sig] = struct{}{}
		return Outcome{Candidate: cand, Duplicate: false}
	}
}

func bestMatch(tokens map[string]struct{}, existing map[string]map[string]struct{}) (string, float64) {
	var bestID string
	var bestScore float64
	for id, other := range existing {
		score := Jaccard(tokens, other)
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	return bestID, bestScore
}

func similarityPercent(score float64) int {
	return int(score*100 + 0.5)
}

// Normalize lowercases s, replaces runs of non-alphanumerics with a single
// space, collapses whitespace, and trims.
func Normalize(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range strings.ToLower(s) {
		if isAlphanumeric(r) {
			b.WriteRune(r)
			lastWasSpace = false
			continue
		}
		if !lastWasSpace {
			b.WriteRune(' ')
			lastWasSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
}

// Signature is the exact-duplicate key for a test/candidate.
func Signature(title, description, expectedOutcome string) string {
	return Normalize(title) + "|" + Normalize(description) + "|" + Normalize(expectedOutcome)
}

// TokenSet builds the token set used for Jaccard similarity.
func TokenSet(title, description, expectedOutcome string) map[string]struct{} {
	combined := Normalize(title + " " + description + " " + expectedOutcome)
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(combined) {
		if tok == "" {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard computes |a ∩ b| / |a ∪ b|, or 0 if both sets are empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
