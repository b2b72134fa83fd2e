package themes

// Sentiment scores text against a word valence lexicon.
type Sentiment map[string]int

// Score is the mean valence over all tokens; unknown words count as zero.
func (s Sentiment) Score(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	sum := 0
	for _, t := range tokens {
		sum += s[t]
	}
	return float64(sum) / float64(len(tokens))
}
