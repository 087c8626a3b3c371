package reactions

import "github.com/victorivanov/retrosync/internal/models"

// Group buckets raw reactions by emoji in first-occurrence order. Count is the
// number of raw records for the emoji, duplicates included.
func Group(raw []models.Reaction) []models.ReactionGroup {
	return GroupFor(raw, "")
}

// GroupFor is Group with Me set on every group selfID took part in.
func GroupFor(raw []models.Reaction, selfID string) []models.ReactionGroup {
	groups := make([]models.ReactionGroup, 0, len(raw))
	index := make(map[string]int, len(raw))

	for _, r := range raw {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, models.ReactionGroup{Emoji: r.Emoji, Participants: []string{}})
		}
		g := &groups[i]
		g.Count++
		g.Participants = append(g.Participants, r.UserID)
		if selfID != "" && r.UserID == selfID {
			g.Me = true
		}
	}
	return groups
}

// Has reports whether userID has a raw record for emoji.
func Has(raw []models.Reaction, userID, emoji string) bool {
	for _, r := range raw {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Add returns raw with (userID, emoji) appended unless already present.
func Add(raw []models.Reaction, userID, emoji string) []models.Reaction {
	out := make([]models.Reaction, 0, len(raw)+1)
	out = append(out, raw...)
	if Has(raw, userID, emoji) {
		return out
	}
	return append(out, models.Reaction{UserID: userID, Emoji: emoji})
}

// Remove returns raw without any (userID, emoji) record.
func Remove(raw []models.Reaction, userID, emoji string) []models.Reaction {
	out := make([]models.Reaction, 0, len(raw))
	for _, r := range raw {
		if r.UserID == userID && r.Emoji == emoji {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Toggle adds the record when absent and removes it when present.
func Toggle(raw []models.Reaction, userID, emoji string) []models.Reaction {
	if Has(raw, userID, emoji) {
		return Remove(raw, userID, emoji)
	}
	return Add(raw, userID, emoji)
}
