package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentrelay/briefing"
	chmemory "github.com/hupe1980/agentrelay/channel/memory"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/sim"
	"github.com/hupe1980/agentrelay/supervisor"
)

func newSimulateCmd(c *cli) *cobra.Command {
	brief := briefing.Brief{
		Creator:          "0x0000000000000000000000000000000000000000",
		Target:           "@you:localhost",
		TargetFirstName:  "Alex",
		TargetFriend:     "Sam",
		Situation:        briefing.UsdcDonation,
		SituationAddress: "0x0000000000000000000000000000000000000001",
		PublicInfo:       "Alex is active in the community chat.",
		PrivateInfo:      "Alex has been thinking about supporting an open source project.",
		GroupTitle:       "Local simulation",
		GroupID:          "!local:localhost",
	}
	var situation string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Chat with a simulated group in the terminal",
		Long: `simulate runs one session against a local ledger answered by the
configured simulator model. Each line read from stdin is a group message
from the target; persona replies are printed as they are sent. The session
ends when the lead finishes, on EOF or on SIGINT.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Ledger.Backend == config.LedgerEVM {
				return errors.New("simulate needs a memory or sqlite ledger")
			}
			brief.Situation = briefing.Situation(situation)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			a, err := wireApp(ctx, cfg, c.logger, wireOptions{
				channel: chmemory.New(func(o *chmemory.Options) { o.Echo = out }),
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					c.logger.Warn("Close failed", "error", err)
				}
			}()

			return a.simulate(ctx, brief, cmd.InOrStdin(), out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&brief.TargetFirstName, "target-name", brief.TargetFirstName, "First name of the simulated target")
	f.StringVar(&brief.TargetFriend, "friend", brief.TargetFriend, "Friend of the target the group mentions")
	f.StringVar(&situation, "situation", string(brief.Situation), "Outcome to steer toward (UsdcDonation or NftMint)")
	f.StringVar(&brief.SituationAddress, "situation-address", brief.SituationAddress, "Address of the donation or mint")
	f.StringVar(&brief.PublicInfo, "public-info", brief.PublicInfo, "What the group knows about the target")
	f.StringVar(&brief.PrivateInfo, "private-info", brief.PrivateInfo, "What only the lead knows about the target")
	f.StringVar(&brief.GroupTitle, "group-title", brief.GroupTitle, "Title of the group chat")

	return cmd
}

func (a *app) simulate(ctx context.Context, b briefing.Brief, in io.Reader, out io.Writer) error {
	m, err := newModel(a.cfg)
	if err != nil {
		return err
	}

	simCtx, cancelSim := context.WithCancel(ctx)
	simDone := make(chan error, 1)
	go func() {
		simDone <- sim.New(a.writable, m, func(o *sim.Options) {
			o.PollInterval = a.cfg.Simulator.PollInterval
			o.Logger = a.logger
		}).Run(simCtx)
	}()
	defer func() {
		cancelSim()
		<-simDone
	}()
	defer func() {
		if err := a.relay.Shutdown(context.Background()); err != nil {
			a.logger.Warn("Shutdown failed", "error", err)
		}
	}()

	h, err := a.relay.Start(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started in %s. Type a message, or Ctrl-D to leave.\n", h.ID(), h.ChannelID())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Done():
			return h.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			o, err := a.relay.SubmitSync(ctx, h.ID(), text)
			if err != nil {
				return err
			}
			printOutcome(out, o)
		}
	}
}

func printOutcome(w io.Writer, o supervisor.Outcome) {
	if o.Err != nil {
		fmt.Fprintf(w, "! %s: %v\n", o.Decision, o.Err)
		return
	}
	if o.Dispatch != nil && !o.Dispatch.Sent {
		fmt.Fprintf(w, "! %s: nothing sent\n", o.Decision)
	}
	if o.State == core.StateTerminated {
		fmt.Fprintln(w, "The lead ended the conversation.")
	}
}
