package prompt

import "strings"

// PreviousConversationMarker is the placeholder user turn inserted ahead of
// assistant presets so roles keep alternating.
const PreviousConversationMarker = "[Previous conversation]"

// Assemble turns a draft into messages ordered instruction, then preset history,
// then the current user turn. Empty pieces are omitted; an empty draft yields no
// messages.
//
// Variables are substituted in segment text only. The instruction is sent as written.
func Assemble(d *Draft) []Message {
	if d == nil {
		return nil
	}
	var msgs []Message

	if strings.TrimSpace(d.InstructionText) != "" {
		msgs = append(msgs, Message{Role: d.instructionRole(), Text: d.InstructionText})
	}

	first := true
	for _, p := range d.AssistantPresets {
		if !p.Enabled || strings.TrimSpace(p.Text) == "" {
			continue
		}
		if first {
			msgs = append(msgs, Message{Role: RoleUser, Text: PreviousConversationMarker})
			first = false
		}
		msgs = append(msgs, Message{Role: RoleAssistant, Text: p.Text})
	}

	segments := d.EnabledSegments()
	if hasReadyImages(segments) {
		if parts := multimodalContent(segments, d.Variables); len(parts) > 0 {
			msgs = append(msgs, Message{Role: RoleUser, Parts: parts})
		}
		return msgs
	}

	if text := textContent(segments, d.Variables); strings.TrimSpace(text) != "" {
		msgs = append(msgs, Message{Role: RoleUser, Text: text})
	}
	return msgs
}

func (d *Draft) instructionRole() Role {
	if d.InstructionRole == "" {
		return RoleSystem
	}
	return d.InstructionRole
}

func hasReadyImages(segments []Segment) bool {
	for _, s := range segments {
		for _, img := range s.Images {
			if img.Status == ImageReady {
				return true
			}
		}
	}
	return false
}

func textContent(segments []Segment, vars map[string]string) string {
	var b strings.Builder
	for i, s := range segments {
		b.WriteString(Substitute(s.Text, vars))
		if i < len(segments)-1 {
			b.WriteString(s.Joiner)
		}
	}
	return b.String()
}

func multimodalContent(segments []Segment, vars map[string]string) []ContentPart {
	var parts []ContentPart
	for i, s := range segments {
		text := Substitute(s.Text, vars)
		if i < len(segments)-1 {
			text += s.Joiner
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, TextPart(text))
		}
		for _, img := range s.Images {
			if img.Status == ImageReady {
				parts = append(parts, ImagePart(img.URL, img.Detail))
			}
		}
	}
	return parts
}

// HasContent reports whether the draft has something to send: an enabled
// segment with non-blank text or a non-blank instruction.
func (d *Draft) HasContent() bool {
	if strings.TrimSpace(d.InstructionText) != "" {
		return true
	}
	for _, s := range d.UserSegments {
		if s.Enabled && strings.TrimSpace(s.Text) != "" {
			return true
		}
	}
	return false
}
