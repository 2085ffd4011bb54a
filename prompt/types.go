// Package prompt holds the prompt draft model and turns a draft into the
// ordered, role-tagged messages sent to a completion endpoint.
package prompt

import (
	"bytes"
	"encoding/json"
)

// Role is a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageSource says how an image URL was provided.
type ImageSource string

const (
	ImageSourceURL    ImageSource = "url"
	ImageSourceBase64 ImageSource = "base64"
)

// ImageDetail is the fidelity hint forwarded to the API.
type ImageDetail string

const (
	DetailLow  ImageDetail = "low"
	DetailHigh ImageDetail = "high"
	DetailAuto ImageDetail = "auto"
)

// ImageStatus tracks an image through loading. Only ready images are compiled.
type ImageStatus string

const (
	ImageLoading ImageStatus = "loading"
	ImageReady   ImageStatus = "ready"
	ImageError   ImageStatus = "error"
)

// Draft is the prompt being edited.
type Draft struct {
	InstructionRole  Role              `json:"instructionRole" yaml:"instruction_role" validate:"omitempty,oneof=system developer"`
	InstructionText  string            `json:"instructionText" yaml:"instruction_text"`
	UserSegments     []Segment         `json:"userSegments" yaml:"user_segments" validate:"dive"`
	AssistantPresets []AssistantPreset `json:"assistantPresets" yaml:"assistant_presets"`
	Variables        map[string]string `json:"variables" yaml:"variables"`
}

// Segment is one toggleable block of user text with attached images. Joiner is
// written after the segment's text unless it is the last enabled segment.
type Segment struct {
	ID      string  `json:"id" yaml:"id"`
	Title   string  `json:"title" yaml:"title"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Text    string  `json:"text" yaml:"text"`
	Joiner  string  `json:"joiner" yaml:"joiner"`
	Images  []Image `json:"images,omitempty" yaml:"images" validate:"dive"`
}

// Image is an image attached to a segment. URL is a remote URL or a data URI.
type Image struct {
	ID     string      `json:"id" yaml:"id"`
	Type   ImageSource `json:"type" yaml:"type" validate:"omitempty,oneof=url base64"`
	URL    string      `json:"url" yaml:"url"`
	Detail ImageDetail `json:"detail" yaml:"detail" validate:"omitempty,oneof=low high auto"`
	Status ImageStatus `json:"status" yaml:"status" validate:"omitempty,oneof=loading ready error"`
}

// AssistantPreset is a synthetic prior assistant turn.
type AssistantPreset struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Text    string `json:"text" yaml:"text"`
}

// Message is one compiled message. Content is either Text or Parts; when Parts
// is non-nil the message is multimodal.
type Message struct {
	Role  Role
	Text  string
	Parts []ContentPart
}

// ContentPart is a text or image_url part of multimodal content.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL is the image reference of an image_url part.
type ImageURL struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image_url content part.
func ImagePart(url string, detail ImageDetail) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// IsMultimodal reports whether the message carries content parts.
func (m Message) IsMultimodal() bool {
	return m.Parts != nil
}

type messageJSON struct {
	Role    Role        `json:"role"`
	Content interface{} `json:"content"`
}

// MarshalJSON writes content as a string, or as a part list for multimodal messages.
// Content is not HTML-escaped, so the body sent matches the previewed one.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Role: m.Role, Content: m.Text}
	if m.Parts != nil {
		out.Content = m.Parts
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// UnmarshalJSON accepts either content form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Text = ""
	m.Parts = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	if raw.Content[0] == '[' {
		parts := []ContentPart{}
		if err := json.Unmarshal(raw.Content, &parts); err != nil {
			return err
		}
		m.Parts = parts
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Text)
}

// EnabledSegments returns the enabled segments in order.
func (d *Draft) EnabledSegments() []Segment {
	var out []Segment
	for _, s := range d.UserSegments {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
