package main

import (
	"regexp"
	"strings"
)

// noiseWords are stripped both as a dash-introduced suffix ("Song - Live at
// Wembley") and as standalone tokens anywhere in the string ("Song (Live)").
var noiseWords = []string{
	"remastered", "remaster", "remix", "live", "acoustic", "radio", "single",
	"album", "version", "edit", "mix", "deluxe", "bonus", "original", "mono",
	"stereo", "anniversary", "edition", "feat", "featuring", "ft", "with",
}

var noiseWordSet = func() map[string]bool {
	set := make(map[string]bool, len(noiseWords))
	for _, w := range noiseWords {
		set[w] = true
	}
	return set
}()

var (
	bracketSpanRe = regexp.MustCompile(`[(\[][^)\]]*[)\]]`)
	dashSuffixRe  = regexp.MustCompile(`[-\x{2010}-\x{2015}]\s*(?:` + strings.Join(noiseWords, "|") + `)\b.*$`)
	acronymRe     = regexp.MustCompile(`\b(?:[a-zA-Z0-9]\.){1,5}[a-zA-Z0-9]\.?\b`)
	nonWordRe     = regexp.MustCompile(`[^\w\s]`)
	wsRe          = regexp.MustCompile(`\s+`)
)

// normalize collapses a submitted or catalog string down to a comparison
// form: lowercase, parenthetical/bracketed asides removed, a dash-introduced
// noise suffix removed, letter-dot acronyms collapsed ("p.i.m.p." -> "pimp"),
// remaining punctuation dropped, and standalone noise words removed. It is
// idempotent: normalize(normalize(s)) == normalize(s).
func normalize(s string) string {
	s = strings.ToLower(s)
	s = bracketSpanRe.ReplaceAllString(s, "")
	s = dashSuffixRe.ReplaceAllString(s, "")
	s = acronymRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.ReplaceAll(m, ".", "")
	})
	s = strings.ReplaceAll(s, ".", "")
	s = nonWordRe.ReplaceAllString(s, " ")
	s = removeNoiseWords(s)
	s = wsRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func removeNoiseWords(s string) string {
	fields := strings.Fields(s)
	out := fields[:0]
	for _, w := range fields {
		if noiseWordSet[w] {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

func bigrams(s string) []string {
	runes := []rune(s)
	if len(runes) < 2 {
		return nil
	}
	out := make([]string, 0, len(runes)-1)
	for i := 0; i < len(runes)-1; i++ {
		out = append(out, string(runes[i:i+2]))
	}
	return out
}

// similarity returns the Sørensen–Dice coefficient over character bigrams of
// a and b: 1 for exact equality (two empty strings included), 0 if only one
// operand is empty, otherwise
// 2*|intersection| / (|bigrams(a)| + |bigrams(b)|). Symmetric in a and b.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ab, bb := bigrams(a), bigrams(b)
	if len(ab) == 0 || len(bb) == 0 {
		return 0
	}

	counts := make(map[string]int, len(ab))
	for _, g := range ab {
		counts[g]++
	}

	intersection := 0
	for _, g := range bb {
		if counts[g] > 0 {
			intersection++
			counts[g]--
		}
	}

	return 2 * float64(intersection) / float64(len(ab)+len(bb))
}

// acceptanceThreshold raises the bar to 0.85 for short strings, where a
// single bigram slip would otherwise clear the default 0.75 cutoff.
func acceptanceThreshold(a, b string) float64 {
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	if shorter <= 5 {
		return 0.85
	}
	return 0.75
}

func titleCorrect(submitted, trackName string) bool {
	ns, nt := normalize(submitted), normalize(trackName)
	if ns == "" {
		return false
	}
	return similarity(ns, nt) >= acceptanceThreshold(ns, nt)
}

// artistCorrect accepts a similarity-threshold match against any credited
// artist, or a substring containment where the shorter normalized string
// makes up at least half the longer one (covers "weeknd" matching "the
// weeknd", whose similarity of about 0.71 falls short of the 0.75 cutoff).
func artistCorrect(submitted string, artists []Artist) bool {
	ns := normalize(submitted)
	if ns == "" {
		return false
	}
	for _, a := range artists {
		na := normalize(a.Name)
		if na == "" {
			continue
		}
		if similarity(ns, na) >= acceptanceThreshold(ns, na) {
			return true
		}
		shorter, longer := na, ns
		if len(ns) < len(na) {
			shorter, longer = ns, na
		}
		if strings.Contains(longer, shorter) {
			if float64(len(shorter))/float64(len(longer)) >= 0.5 {
				return true
			}
		}
	}
	return false
}

type Scoring struct {
	Result        ScoreClass
	SongCorrect   bool
	ArtistCorrect bool
}

func scoreAnswer(submittedTitle, submittedArtist, trackName string, trackArtists []Artist) Scoring {
	songOK := titleCorrect(submittedTitle, trackName)
	artistOK := artistCorrect(submittedArtist, trackArtists)

	switch {
	case songOK && artistOK:
		return Scoring{ScoreBoth, true, true}
	case songOK || artistOK:
		return Scoring{ScoreOne, songOK, artistOK}
	default:
		return Scoring{ScoreNone, false, false}
	}
}

func paceDelta(class ScoreClass) int {
	switch class {
	case ScoreBoth:
		return 1
	case ScoreOne:
		return 0
	default:
		return -3
	}
}

func clampPace(p int) int {
	if p < minPace {
		return minPace
	}
	if p > maxPace {
		return maxPace
	}
	return p
}

// eliminationRound reports whether round r triggers an elimination check
// (every sixth round).
func eliminationRound(r int) bool {
	return r%6 == 0
}

// eliminationThreshold is the pace gap below the leader that eliminates a
// player at round r: 10 at round 6, tightening by 1 every 6 rounds after,
// floored at 1 so it never stops eliminating outright.
func eliminationThreshold(r int) int {
	t := 10 - ((r - 1) / 6)
	if t < 1 {
		return 1
	}
	return t
}
