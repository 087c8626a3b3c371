package models

// ReplyView is the resolved form of a reply reference. Unavailable is set when
// the referenced message is no longer known.
type ReplyView struct {
	ID          string `json:"id"`
	AuthorName  string `json:"author_name,omitempty"`
	Preview     string `json:"preview,omitempty"`
	Unavailable bool   `json:"unavailable"`
}

// View is the read model handed to the presentation layer.
type View struct {
	Message
	Groups        []ReactionGroup `json:"reaction_groups"`
	Reply         *ReplyView      `json:"reply,omitempty"`
	Starred       bool            `json:"starred"`
	SendError     string          `json:"send_error,omitempty"`
	StarError     string          `json:"star_error,omitempty"`
	ReactionError string          `json:"reaction_error,omitempty"`
}
