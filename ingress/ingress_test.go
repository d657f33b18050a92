package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/agentrelay/briefing"
	"github.com/hupe1980/agentrelay/channel/memory"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/relay"
	"github.com/hupe1980/agentrelay/router"
	"github.com/hupe1980/agentrelay/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	lead   = core.Identity{Name: "lead", Address: "@lead:hs"}
	social = core.Identity{Name: "SocialAgent", Address: "@Social:hs"}
)

func setup(t *testing.T) (*Forwarder, *supervisor.Supervisor, *testutil.ScriptedLedger, *supervisor.Handle) {
	t.Helper()

	ledger := testutil.NewScriptedLedger()
	ledger.OnAppend = func(l *testutil.ScriptedLedger, run core.RunID, text string) {
		l.Reply(run, "SocialAgent: "+text+" too")
	}

	g := router.DefaultGrammar("SocialAgent")
	g.Styles = []router.Style{router.StylePrefix}
	rt, err := router.New(g)
	require.NoError(t, err)
	rl, err := relay.New(memory.New(), []relay.Binding{{Persona: "SocialAgent", Identity: social}})
	require.NoError(t, err)

	sup, err := supervisor.New(ledger, rt, rl, func(o *supervisor.Options) {
		o.Poller = poller.New(func(o *poller.Options) {
			o.Policy = poller.Policy{MaxAttempts: 3, Delay: time.Millisecond}
		})
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sup.Shutdown(context.Background())) })

	h, err := sup.Start(context.Background(), briefing.Brief{
		Creator: "c", Target: "t", TargetFirstName: "Bob", TargetFriend: "Jack",
		Situation: briefing.UsdcDonation, SituationAddress: "0xdao", PublicInfo: "p", PrivateInfo: "q",
		GroupTitle: "g", GroupID: "!group:hs",
	})
	require.NoError(t, err)

	return New(sup, append(rl.Identities(), lead)), sup, ledger, h
}

func TestForward_SubmitsHumanMessages(t *testing.T) {
	f, _, ledger, h := setup(t)

	err := f.Forward(context.Background(), core.InboundMessage{ChannelID: "!group:hs", Sender: "@bob:hs", Text: " gm "})
	require.NoError(t, err)
	f.Wait()

	appends := ledger.CallsOf("append_turn")
	require.Len(t, appends, 1)
	assert.Equal(t, h.ID(), appends[0].Run)
	assert.Equal(t, "gm", appends[0].Text)
	assert.Equal(t, core.StateActive, h.State())
}

func TestForward_DropsOwnMessages(t *testing.T) {
	f, _, ledger, _ := setup(t)
	ctx := context.Background()

	err := f.Forward(ctx, core.InboundMessage{ChannelID: "!group:hs", Sender: "@social:hs", Text: "gm too"})
	assert.ErrorIs(t, err, ErrOwnMessage, "sender match ignores case")

	err = f.Forward(ctx, core.InboundMessage{ChannelID: "!group:hs", Sender: lead.Address, Text: "hello"})
	assert.ErrorIs(t, err, ErrOwnMessage)

	assert.Empty(t, ledger.CallsOf("append_turn"))
}

func TestForward_DropsUnknownChannelsAndBlankText(t *testing.T) {
	f, _, ledger, _ := setup(t)
	ctx := context.Background()

	err := f.Forward(ctx, core.InboundMessage{ChannelID: "!elsewhere:hs", Sender: "@bob:hs", Text: "hi"})
	assert.ErrorIs(t, err, ErrNoSession)

	err = f.Forward(ctx, core.InboundMessage{ChannelID: "!group:hs", Sender: "@bob:hs", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	f.Handle(ctx, core.InboundMessage{ChannelID: "!elsewhere:hs", Sender: "@bob:hs", Text: "hi"})
	assert.Empty(t, ledger.CallsOf("append_turn"))
}

func TestForward_TerminatedSession(t *testing.T) {
	f, sup, _, h := setup(t)

	require.NoError(t, sup.Terminate(h.ID()))
	<-h.Done()

	err := f.Forward(context.Background(), core.InboundMessage{ChannelID: "!group:hs", Sender: "@bob:hs", Text: "hi"})
	assert.ErrorIs(t, err, ErrNoSession)
}
