package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tamcore/slackirc/internal/model"
)

func buildWorld() *model.World {
	w := model.NewWorld()
	w.SelfID = "U1"
	w.UpdateUser(model.UserSnapshot{ID: "U1", Name: "alice"})
	w.UpdateUser(model.UserSnapshot{ID: "U_BOB", Name: "bob"})
	w.UpdateChannel(model.ChannelPublic, model.ChannelSnapshot{ID: "C1", Name: "general"})
	return w
}

func TestEscapeOutboundOrderAndTranslation(t *testing.T) {
	w := buildWorld()
	got := EscapeOutbound(w, "hello <@bob> & <#general> bye")
	assert.Equal(t, "hello <@U_BOB> &amp; <#C1> bye", got)
}

func TestEscapeOutboundUnknownPassesThrough(t *testing.T) {
	w := buildWorld()
	got := EscapeOutbound(w, "hi <@nobody>")
	assert.Equal(t, "hi &lt;@nobody&gt;", got)
}

func TestRoundTripIdentifierTranslation(t *testing.T) {
	w := buildWorld()

	// alice (U1, self) sends; bob receives. Outbound from alice's client.
	outbound := EscapeOutbound(w, "hello <@bob> and <#general>")

	// inbound rendering for another client whose nick is "bob-viewer":
	// that nick would only replace a <@U1> (self) reference, which this
	// text does not contain. Build the receiver-side text as it reaches
	// that client.
	lines := InboundLines(w, w.SelfID, "bob-viewer", outbound, "", nil)
	assert.Equal(t, []string{"hello <@bob> and <#general>"}, lines)
}

func TestInboundSelfSubstitution(t *testing.T) {
	w := buildWorld()
	lines := InboundLines(w, "U1", "my-own-nick", "hi <@U1>", "", nil)
	assert.Equal(t, []string{"hi <@my-own-nick>"}, lines)
}

func TestInboundSubtypeBold(t *testing.T) {
	w := buildWorld()
	lines := InboundLines(w, "U1", "alice", "hi", "thread", nil)
	assert.Equal(t, []string{"\x02[thread]\x02 hi"}, lines)
}

func TestInboundAttachmentsFlattened(t *testing.T) {
	w := buildWorld()
	lines := InboundLines(w, "U1", "alice", "body", "", []MessageAttachment{
		{Title: "T", Text: "txt", TitleLink: "http://x"},
	})
	assert.Equal(t, []string{"body", "T txt http://x"}, lines)
}

func TestInboundSplitsOnNewline(t *testing.T) {
	w := buildWorld()
	lines := InboundLines(w, "U1", "alice", "line1\nline2", "", nil)
	assert.Equal(t, []string{"line1", "line2"}, lines)
}
