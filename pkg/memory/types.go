package memory

// Row is the persisted shape of one remembered record.
type Row struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Author   string `json:"author"`
	Location int    `json:"location"`
}

// Hit is a candidate record returned by a scan.
type Hit struct {
	Key       string
	Count     int
	Clues     []string
	Relevance float64
}

// Query parameterizes Search.
type Query struct {
	Text string
	// MinRelevance drops hits scoring below it. Relevance ranges over [0, 10].
	MinRelevance float64
	// MaxResults caps the result; 0 means unlimited.
	MaxResults int
	// SenseThreshold enables clue weighting when greater than 1.
	SenseThreshold float64
	// Filter keeps only records whose lowercase value contains it.
	Filter string
}

// Excerpt is the part of a record surrounding its clue occurrences.
type Excerpt struct {
	Key    string
	Author string
	Clues  []string
	Text   string
}

// Delta is the set of changes not yet persisted.
type Delta struct {
	Upserts []Row
	Cuts    []string
}

// Empty reports whether there is nothing to persist.
func (d Delta) Empty() bool {
	return len(d.Upserts) == 0 && len(d.Cuts) == 0
}
