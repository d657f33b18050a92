package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/agentrelay/channel/memory"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/poller"
	"github.com/hupe1980/agentrelay/router"
)

func fastPoller(attempts int) *poller.Poller {
	return poller.New(func(o *poller.Options) {
		o.Policy = poller.Policy{MaxAttempts: attempts, Delay: time.Millisecond, Multiplier: 1}
	})
}

func newRelay(t *testing.T, ch core.Channel, bindings ...Binding) *Relay {
	t.Helper()
	r, err := New(ch, bindings, func(o *Options) { o.Poller = fastPoller(3) })
	require.NoError(t, err)
	return r
}

func directive(persona, instruction string) router.Decision {
	return router.Decision{Kind: router.Dispatch, Persona: persona, Style: router.StyleDirective, Instruction: instruction}
}

func prefix(persona, text string) router.Decision {
	return router.Decision{Kind: router.Dispatch, Persona: persona, Style: router.StylePrefix, Instruction: text}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(memory.New(), []Binding{{Persona: ""}})
	assert.Error(t, err)

	_, err = New(memory.New(), []Binding{{Persona: "TechAgent"}, {Persona: "TechAgent"}})
	assert.Error(t, err)

	r, err := New(memory.New(), []Binding{{Persona: "TechAgent"}, {Persona: "SocialAgent", Identity: core.Identity{Name: "social", Address: "@social:hs"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"TechAgent", "SocialAgent"}, r.Personas())

	b, ok := r.Binding("TechAgent")
	require.True(t, ok)
	assert.Equal(t, "TechAgent", b.Identity.Name, "identity name defaults to persona")
	assert.Len(t, r.Identities(), 2)
}

func TestDispatch_UnboundPersona(t *testing.T) {
	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: testutil.NewScriptedLedger()})
	sc := testutil.NewSessionBuilder("0").Active().Build()

	_, err := r.Dispatch(sc, directive("DataAgent", "pull stats"))
	require.Error(t, err)
	assert.True(t, core.IsRelayKind(err, core.UnboundPersona))
	assert.Empty(t, ch.Messages())
}

func TestDispatch_DirectiveWithoutLedgerIsUnbound(t *testing.T) {
	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent"})
	sc := testutil.NewSessionBuilder("0").Build()

	_, err := r.Dispatch(sc, directive("TechAgent", "explain bridging"))
	assert.True(t, core.IsRelayKind(err, core.UnboundPersona))
	assert.Empty(t, ch.Messages())
}

func TestDispatch_PrefixSendsAsIs(t *testing.T) {
	ch := memory.New()
	id := core.Identity{Name: "TechAgent", Address: "@tech:hs"}
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Identity: id})
	sc := testutil.NewSessionBuilder("0").Channel("!group:hs").Build()

	out, err := r.Dispatch(sc, prefix("TechAgent", "gas is cheap on L2 right now"))
	require.NoError(t, err)
	assert.True(t, out.Sent)
	assert.Nil(t, out.Poll)

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].From)
	assert.Equal(t, "!group:hs", msgs[0].ChannelID)
	assert.Equal(t, "gas is cheap on L2 right now", msgs[0].Text)
	assert.Equal(t, msgs[0].ID, out.MessageID)
}

func TestDispatch_DirectiveRelaysPersonaReply(t *testing.T) {
	persona := testutil.NewScriptedLedger()
	persona.OnCreate = func(l *testutil.ScriptedLedger, run core.RunID, prompt string) {
		l.Reply(run, "TechAgent: bridging takes about two minutes")
	}

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona, Role: "Knows the tech."})
	sc := testutil.NewSessionBuilder("0").Build()

	out, err := r.Dispatch(sc, directive("TechAgent", "explain bridging"))
	require.NoError(t, err)
	assert.Equal(t, "bridging takes about two minutes", out.Text)
	require.NotNil(t, out.Poll)

	run, ok := sc.SubChannel("TechAgent")
	require.True(t, ok)
	assert.Equal(t, run, out.SubChannel)
	assert.Equal(t, 2, sc.Offset("TechAgent"))

	creates := persona.CallsOf("create_run")
	require.Len(t, creates, 1)
	assert.True(t, strings.HasSuffix(creates[0].Text, "Instruction: explain bridging"))
	assert.Contains(t, creates[0].Text, "Knows the tech.")

	msgs := ch.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "TechAgent", msgs[0].From.Name)
}

func TestDispatch_SubChannelOpenedOnce(t *testing.T) {
	persona := testutil.NewScriptedLedger()
	persona.OnCreate = func(l *testutil.ScriptedLedger, run core.RunID, _ string) { l.Reply(run, "first") }
	persona.OnAppend = func(l *testutil.ScriptedLedger, run core.RunID, text string) { l.Reply(run, "re: "+text) }

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona})
	sc := testutil.NewSessionBuilder("0").Build()

	_, err := r.Dispatch(sc, directive("TechAgent", "say hi"))
	require.NoError(t, err)
	out, err := r.Dispatch(sc, directive("TechAgent", "mention fees"))
	require.NoError(t, err)

	assert.Equal(t, "re: mention fees", out.Text)
	assert.Len(t, persona.CallsOf("create_run"), 1)
	appends := persona.CallsOf("append_turn")
	require.Len(t, appends, 1)
	assert.Equal(t, "mention fees", appends[0].Text)
	assert.Equal(t, 4, sc.Offset("TechAgent"))

	var texts []string
	for _, m := range ch.Messages() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"first", "re: mention fees"}, texts)
}

func TestDispatch_SendFailure(t *testing.T) {
	ch := memory.New(func(o *memory.Options) {
		o.Fail = func(core.Identity, string, string) error { return errors.New("rate limited") }
	})
	r := newRelay(t, ch, Binding{Persona: "SocialAgent"})
	sc := testutil.NewSessionBuilder("0").Build()

	out, err := r.Dispatch(sc, prefix("SocialAgent", "wagmi"))
	require.Error(t, err)
	assert.True(t, core.IsRelayKind(err, core.ChannelSendFailure))
	assert.False(t, out.Sent)
	assert.False(t, core.IsFatal(err))
}

func TestDispatch_SubChannelOpenFailure(t *testing.T) {
	persona := testutil.NewScriptedLedger()
	persona.CreateErr = func(string) error { return errors.New("insufficient funds") }

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona})
	sc := testutil.NewSessionBuilder("0").Build()

	out, err := r.Dispatch(sc, directive("TechAgent", "explain gas"))
	require.Error(t, err)

	var re *core.RelayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, core.SubChannelFailure, re.Kind)
	assert.Equal(t, "TechAgent", re.Persona)
	var we *core.LedgerWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "create_run", we.Op)

	assert.False(t, core.IsFatal(err))
	assert.False(t, out.Sent)
	assert.Empty(t, sc.SubChannels(), "failed open binds nothing")
	assert.Empty(t, ch.Messages())
}

func TestDispatch_SubChannelBriefFailure(t *testing.T) {
	persona := testutil.NewScriptedLedger()
	persona.OnCreate = func(l *testutil.ScriptedLedger, run core.RunID, _ string) { l.Reply(run, "hello") }
	persona.AppendErr = func(core.RunID, string) error { return errors.New("nonce too low") }

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona})
	sc := testutil.NewSessionBuilder("0").Build()

	_, err := r.Dispatch(sc, directive("TechAgent", "say hi"))
	require.NoError(t, err)

	out, err := r.Dispatch(sc, directive("TechAgent", "mention fees"))
	require.Error(t, err)
	assert.True(t, core.IsRelayKind(err, core.SubChannelFailure))
	var we *core.LedgerWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "append_turn", we.Op)
	assert.False(t, core.IsFatal(err))
	assert.Equal(t, sc.SubChannels()["TechAgent"], out.SubChannel)
	assert.Len(t, ch.Messages(), 1, "only the first reply was relayed")
}

func TestDispatch_PollTimeout(t *testing.T) {
	persona := testutil.NewScriptedLedger()

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona})
	sc := testutil.NewSessionBuilder("0").Build()

	_, err := r.Dispatch(sc, directive("TechAgent", "explain gas"))
	require.Error(t, err)
	assert.True(t, core.IsRelayKind(err, core.RelayPollTimeout))
	assert.True(t, core.IsFatal(err))

	var pt *core.PollTimeoutError
	require.ErrorAs(t, err, &pt)
	assert.Equal(t, 3, pt.Attempts)
	assert.Equal(t, core.Participant("TechAgent"), pt.Participant)
	assert.Empty(t, ch.Messages())
}

func TestDispatch_AbandonedWhenCancelledBeforeSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persona := testutil.NewScriptedLedger()
	persona.OnCreate = func(l *testutil.ScriptedLedger, run core.RunID, _ string) {
		l.Reply(run, "too late")
		cancel()
	}

	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "TechAgent", Ledger: persona})
	sc := testutil.NewSessionBuilder("0").Context(ctx).Build()

	_, err := r.Dispatch(sc, directive("TechAgent", "hello"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, ch.Messages())
}

func TestDispatch_StartedSendSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sendErr error
	ch := core.ChannelFunc(func(sendCtx context.Context, _ core.Identity, _ string, _ string) (core.MessageID, error) {
		cancel()
		sendErr = sendCtx.Err()
		return "m1", nil
	})
	r := newRelay(t, ch, Binding{Persona: "SocialAgent"})
	sc := testutil.NewSessionBuilder("0").Context(ctx).Build()

	out, err := r.Dispatch(sc, prefix("SocialAgent", "gm"))
	require.NoError(t, err)
	assert.NoError(t, sendErr)
	assert.Equal(t, core.MessageID("m1"), out.MessageID)
}

func TestDispatch_EmptyTextIsNotSent(t *testing.T) {
	ch := memory.New()
	r := newRelay(t, ch, Binding{Persona: "SocialAgent"})
	sc := testutil.NewSessionBuilder("0").Build()

	out, err := r.Dispatch(sc, prefix("SocialAgent", "  "))
	require.NoError(t, err)
	assert.False(t, out.Sent)
	assert.Empty(t, ch.Messages())
}

func TestDispatch_RejectsNonDispatchDecision(t *testing.T) {
	r := newRelay(t, memory.New())
	_, err := r.Dispatch(testutil.NewSessionBuilder("0").Build(), router.Decision{Kind: router.Terminate})
	assert.Error(t, err)
}

func TestDispatch_RecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ch := memory.New()
	r, err := New(ch, []Binding{{Persona: "TechAgent"}}, func(o *Options) {
		o.Poller = fastPoller(3)
		o.Tracer = tp.Tracer("test")
	})
	require.NoError(t, err)
	sc := testutil.NewSessionBuilder("7").Channel("!group:hs").Build()

	_, err = r.Dispatch(sc, prefix("TechAgent", "hello"))
	require.NoError(t, err)
	_, err = r.Dispatch(sc, directive("TechAgent", "explain"))
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "relay.dispatch", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("persona", "TechAgent"))
	assert.Contains(t, spans[0].Attributes(), attribute.Bool("sent", true))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("marker.style", "directive"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestStripSpeaker(t *testing.T) {
	assert.Equal(t, "hi", stripSpeaker(" TechAgent: hi ", "TechAgent"))
	assert.Equal(t, "SocialAgent: hi", stripSpeaker("SocialAgent: hi", "TechAgent"))
}
