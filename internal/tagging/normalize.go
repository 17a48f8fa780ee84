package tagging

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/your-org/tileflow/internal/store"
)

// NormalizeLabel maps a label to its canonical graph form: NFKC, case folded,
// inner whitespace collapsed to single spaces.
func NormalizeLabel(label string) string {
	label = norm.NFKC.String(label)
	// Casers are stateful, so each call gets its own.
	label = cases.Fold().String(label)
	return strings.Join(strings.Fields(label), " ")
}

// Normalize canonicalizes labels, merges duplicates keeping the highest
// score, and returns at most maxTags tags ordered by score.
func Normalize(labels []Label, maxTags int) []store.Tag {
	best := make(map[string]float64, len(labels))
	for _, l := range labels {
		key := NormalizeLabel(l.Label)
		if key == "" {
			continue
		}
		if score, ok := best[key]; !ok || l.Score > score {
			best[key] = l.Score
		}
	}
	tags := make([]store.Tag, 0, len(best))
	for label, score := range best {
		tags = append(tags, store.Tag{Label: label, Score: score})
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Score != tags[j].Score {
			return tags[i].Score > tags[j].Score
		}
		return tags[i].Label < tags[j].Label
	})
	if maxTags > 0 && len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}
