package models

// Author is the roster entry a message points at.
type Author struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name,omitempty"`
	AvatarHash  *string `json:"avatar_hash,omitempty"`
}

// Name returns the display name, falling back to the username.
func (a Author) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Username
}
