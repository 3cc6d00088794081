package domain

import "strings"

// GroupCandidates folds link hits into one candidate per upstream identifier,
// preserving upstream order. Hits without an identifier or embed URL are dropped.
func GroupCandidates(results []LinkResult) []Candidate {
	order := make([]string, 0, len(results))
	byID := make(map[string]*Candidate, len(results))
	seenLinks := make(map[string]struct{}, len(results))

	for _, result := range results {
		id := strings.TrimSpace(result.UpstreamID)
		embed := NormalizeEmbedURL(result.EmbedURL)
		if id == "" || embed == "" {
			continue
		}
		candidate, ok := byID[id]
		if !ok {
			candidate = &Candidate{UpstreamID: id}
			byID[id] = candidate
			order = append(order, id)
		}
		linkKey := id + "\x00" + embed
		if _, dup := seenLinks[linkKey]; !dup {
			seenLinks[linkKey] = struct{}{}
			candidate.Players = append(candidate.Players, PlayerRef{
				EmbedURL:    embed,
				Translation: strings.TrimSpace(result.Translation),
				Quality:     strings.TrimSpace(result.Quality),
			})
		}
		candidate.Inline = preferRecord(candidate.Inline, result.Material)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func preferRecord(current, next *MetadataRecord) *MetadataRecord {
	if next == nil {
		return current
	}
	if current == nil {
		return next
	}
	if !current.Sufficient() && next.Sufficient() {
		return next
	}
	return current
}
