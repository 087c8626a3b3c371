package session

import (
	"slices"
	"unicode/utf8"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/reactions"
	"github.com/victorivanov/retrosync/internal/store"
)

const previewLength = 80

// BuildViews derives the read model of st for the user selfID. Reaction
// groups and reply references are recomputed on every call.
func BuildViews(st *store.Store, selfID string) []models.View {
	entries := st.Snapshot()
	byID := make(map[string]*models.Message, len(entries))
	for i := range entries {
		byID[entries[i].Message.ID] = &entries[i].Message
	}

	views := make([]models.View, len(entries))
	for i, en := range entries {
		views[i] = models.View{
			Message:       en.Message,
			Groups:        reactions.GroupFor(en.Message.Reactions, selfID),
			Starred:       selfID != "" && slices.Contains(en.Message.StarredBy, selfID),
			SendError:     en.SendError,
			StarError:     en.StarError,
			ReactionError: en.ReactionError,
		}
		if ref := en.Message.ReplyTo; ref != nil {
			views[i].Reply = resolveReply(st, byID, ref)
		}
	}
	return views
}

// resolveReply renders a reply reference. A parent still in the store
// supplies live fields; a deleted parent, or one never seen and without
// cached fields, is unavailable.
func resolveReply(st *store.Store, byID map[string]*models.Message, ref *models.ReplyRef) *models.ReplyView {
	id := st.Resolve(ref.ID)
	if parent, ok := byID[id]; ok {
		return &models.ReplyView{
			ID:         parent.ID,
			AuthorName: parent.Author.Name(),
			Preview:    truncate(parent.Content, previewLength),
		}
	}
	if st.Removed(id) || (ref.AuthorName == "" && ref.Preview == "") {
		return &models.ReplyView{ID: ref.ID, Unavailable: true}
	}
	return &models.ReplyView{
		ID:         ref.ID,
		AuthorName: ref.AuthorName,
		Preview:    ref.Preview,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
