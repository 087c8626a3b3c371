package models

// Reaction is one raw (user, emoji) record as delivered by the server.
type Reaction struct {
	UserID string `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// ReactionGroup is the grouped view of all raw reactions sharing an emoji.
type ReactionGroup struct {
	Emoji        string   `json:"emoji"`
	Count        int      `json:"count"`
	Participants []string `json:"participants"`
	Me           bool     `json:"me"`
}
