package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
)

var _ model.Model = (*Model)(nil)

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(model.Request{
		System: "lead the group",
		Messages: []model.Message{
			{Role: core.RoleAssistant, Content: "OK"},
			{Role: core.RoleUser, Content: "gm"},
			{Role: core.RoleUser, Content: ""},
		},
	})

	require.Len(t, msgs, 3)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfAssistant)
	assert.NotNil(t, msgs[2].OfUser)
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "gpt-4o" })
	assert.Equal(t, model.Info{Name: "gpt-4o", Provider: "openai"}, m.Info())
}
