package models

// AttachmentKind classifies an attachment for rendering.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
	AttachmentLink  AttachmentKind = "link"
)

// Valid reports whether k is one of the known attachment kinds.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentVideo, AttachmentAudio, AttachmentFile, AttachmentLink:
		return true
	}
	return false
}

// Attachment references an uploaded file. For optimistic messages URL may be a
// local object reference that is only valid until the durable URL replaces it.
type Attachment struct {
	Kind  AttachmentKind `json:"kind"`
	URL   string         `json:"url"`
	Name  string         `json:"name,omitempty"`
	Size  int64          `json:"size,omitempty"`
	Local bool           `json:"local,omitempty"`
}
