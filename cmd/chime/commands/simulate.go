package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/chime/pkg/chime/engine"
	"github.com/jholhewres/chime/pkg/chime/host"
)

// newSimulateCmd creates the `chime simulate` command: an interactive REPL
// that feeds synthetic group messages through the full pipeline.
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Interactive pipeline simulator",
		Long: `Opens a REPL that plays a group chat against the decision engine with
an offline echo provider. Every line becomes a group message; directives
switch the sender or poke the bot.

  <text>        send a plain message
  @ <text>      send an @-bot mention
  :user <id>    switch the simulated sender
  :poke         poke the bot
  :quit         leave

Examples:
  chime simulate
  chime simulate --config ./config.yaml -v`,
		RunE: runSimulate,
	}
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	// A simulator session wants visible decisions and no artificial delays.
	cfg.Core.DebugMode = true
	cfg.Typing.Enabled = false
	cfg.Audit.Enabled = false
	cfg.Proactive.Enabled = false

	plugin, err := engine.NewPlugin(cfg, newLocalHost(echoProvider{}), logger)
	if err != nil {
		return fmt.Errorf("plugin setup: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := plugin.Initialize(ctx); err != nil {
		return err
	}
	defer plugin.Terminate()

	rl, err := readline.New("sim> ")
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	chat := host.ChatKey{Platform: "sim", PlatformID: "sim", Kind: host.KindGroup, ChatID: "room"}
	sender := "u1"
	fmt.Println("Simulating chat sim:group:room. Type :quit to leave.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == ":quit":
			return nil
		case line == ":poke":
			plugin.OnGroupMessage(ctx, simEvent(chat, sender, nil, true))
			continue
		case strings.HasPrefix(line, ":user "):
			sender = strings.TrimSpace(strings.TrimPrefix(line, ":user "))
			fmt.Printf("now speaking as %s\n", sender)
			continue
		}

		var chain []host.Segment
		if text, ok := strings.CutPrefix(line, "@ "); ok {
			chain = append(chain, host.Segment{Type: host.SegMention, TargetID: "chime"})
			line = text
		} else if line == "@" {
			chain = append(chain, host.Segment{Type: host.SegMention, TargetID: "chime"})
			line = ""
		}
		if line != "" {
			chain = append(chain, host.Segment{Type: host.SegText, Text: line})
		}
		plugin.OnGroupMessage(ctx, simEvent(chat, sender, chain, false))
	}
}

// simEvent builds one synthetic group message.
func simEvent(chat host.ChatKey, sender string, chain []host.Segment, poke bool) *host.GroupMessageEvent {
	ev := &host.GroupMessageEvent{
		MessageID:     uuid.NewString(),
		SenderID:      sender,
		SenderName:    sender,
		SelfID:        "chime",
		Chat:          chat,
		UnifiedOrigin: "sim:room",
		Chain:         chain,
		Timestamp:     time.Now(),
	}
	if poke {
		ev.IsPokeNotify = true
		ev.PokeTargetID = "chime"
	}
	return ev
}
