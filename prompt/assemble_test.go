package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segment(id, text, joiner string, enabled bool, images ...Image) Segment {
	return Segment{ID: id, Title: id, Enabled: enabled, Text: text, Joiner: joiner, Images: images}
}

func TestAssemble_InstructionAndUser(t *testing.T) {
	d := &Draft{
		InstructionRole: RoleSystem,
		InstructionText: "Be terse.",
		UserSegments:    []Segment{segment("s1", "Hello {{name}}", "\n\n", true)},
		Variables:       map[string]string{"name": "Alice"},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: RoleSystem, Text: "Be terse."}, msgs[0])
	assert.Equal(t, Message{Role: RoleUser, Text: "Hello Alice"}, msgs[1])
}

func TestAssemble_InstructionNotSubstituted(t *testing.T) {
	d := &Draft{
		InstructionRole: RoleDeveloper,
		InstructionText: "You help {{name}}",
		Variables:       map[string]string{"name": "Alice"},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleDeveloper, msgs[0].Role)
	assert.Equal(t, "You help {{name}}", msgs[0].Text)
}

func TestAssemble_BlankInstructionOmitted(t *testing.T) {
	d := &Draft{InstructionText: "   \n", UserSegments: []Segment{segment("s1", "hi", "", true)}}
	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestAssemble_JoinersAndDisabledSegments(t *testing.T) {
	d := &Draft{
		UserSegments: []Segment{
			segment("a", "alpha", "|A|", true),
			segment("b", "beta", "|B|", false),
			segment("c", "gamma", "|C|", true),
		},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alpha|A|gamma", msgs[0].Text)
	assert.NotContains(t, msgs[0].Text, "beta")
	assert.NotContains(t, msgs[0].Text, "|B|")
	assert.NotContains(t, msgs[0].Text, "|C|")
}

func TestAssemble_AssistantPresets(t *testing.T) {
	d := &Draft{
		AssistantPresets: []AssistantPreset{
			{ID: "p1", Enabled: true, Text: "first"},
			{ID: "p2", Enabled: false, Text: "skipped"},
			{ID: "p3", Enabled: true, Text: "  "},
			{ID: "p4", Enabled: true, Text: "second"},
		},
		UserSegments: []Segment{segment("s", "now", "", true)},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 4)
	assert.Equal(t, Message{Role: RoleUser, Text: PreviousConversationMarker}, msgs[0])
	assert.Equal(t, Message{Role: RoleAssistant, Text: "first"}, msgs[1])
	assert.Equal(t, Message{Role: RoleAssistant, Text: "second"}, msgs[2])
	assert.Equal(t, Message{Role: RoleUser, Text: "now"}, msgs[3])
}

func TestAssemble_Multimodal(t *testing.T) {
	d := &Draft{
		UserSegments: []Segment{
			segment("a", "Describe {{what}}", "\n", true,
				Image{ID: "i1", Type: ImageSourceURL, URL: "https://x/1.png", Detail: DetailHigh, Status: ImageReady},
				Image{ID: "i2", Type: ImageSourceURL, URL: "https://x/2.png", Detail: DetailLow, Status: ImageLoading},
			),
			segment("b", "", "", true,
				Image{ID: "i3", Type: ImageSourceBase64, URL: "data:image/png;base64,AAA", Detail: DetailAuto, Status: ImageReady},
				Image{ID: "i4", URL: "https://x/4.png", Status: ImageError},
			),
		},
		Variables: map[string]string{"what": "this"},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsMultimodal())
	assert.Equal(t, []ContentPart{
		TextPart("Describe this\n"),
		ImagePart("https://x/1.png", DetailHigh),
		ImagePart("data:image/png;base64,AAA", DetailAuto),
	}, msgs[0].Parts)
}

func TestAssemble_NonReadyImagesDegradeToText(t *testing.T) {
	d := &Draft{
		UserSegments: []Segment{
			segment("a", "look", "", true, Image{ID: "i", URL: "https://x", Status: ImageLoading}),
		},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].IsMultimodal())
	assert.Equal(t, "look", msgs[0].Text)
}

func TestAssemble_ImagesOnDisabledSegmentIgnored(t *testing.T) {
	d := &Draft{
		UserSegments: []Segment{
			segment("a", "text", "", true),
			segment("b", "hidden", "", false, Image{ID: "i", URL: "https://x", Status: ImageReady}),
		},
	}

	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].Text)
}

func TestAssemble_Empty(t *testing.T) {
	assert.Empty(t, Assemble(&Draft{}))
	assert.Empty(t, Assemble(nil))
	assert.Empty(t, Assemble(&Draft{UserSegments: []Segment{segment("a", " ", "", true)}}))
}

func TestAssemble_ContentPreservedAsBuilt(t *testing.T) {
	d := &Draft{UserSegments: []Segment{segment("a", "  padded  ", "", true)}}
	msgs := Assemble(d)
	require.Len(t, msgs, 1)
	assert.Equal(t, "  padded  ", msgs[0].Text)
}

func TestMessage_JSON(t *testing.T) {
	text, err := json.Marshal(Message{Role: RoleUser, Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(text))

	mm, err := json.Marshal(Message{Role: RoleUser, Parts: []ContentPart{
		TextPart("a"),
		ImagePart("https://x", DetailLow),
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"https://x","detail":"low"}}]}`, string(mm))

	var back Message
	require.NoError(t, json.Unmarshal(mm, &back))
	assert.True(t, back.IsMultimodal())
	assert.Len(t, back.Parts, 2)
}

func TestMessage_MarshalKeepsMarkup(t *testing.T) {
	raw, err := Message{Role: RoleUser, Text: "<b>a & b</b>"}.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"role":"user","content":"<b>a & b</b>"}`, string(raw))

	raw, err = Message{Role: RoleUser, Parts: []ContentPart{TextPart("x < y")}}.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"x < y"`)
}

func TestDraft_HasContent(t *testing.T) {
	assert.False(t, (&Draft{}).HasContent())
	assert.True(t, (&Draft{InstructionText: "x"}).HasContent())
	assert.False(t, (&Draft{UserSegments: []Segment{segment("a", "x", "", false)}}).HasContent())
	assert.True(t, (&Draft{UserSegments: []Segment{segment("a", "x", "", true)}}).HasContent())
	assert.False(t, (&Draft{UserSegments: []Segment{segment("a", strings.Repeat(" ", 3), "", true)}}).HasContent())
}
