package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/chime/pkg/chime/engine"
	"github.com/jholhewres/chime/pkg/chime/host"
)

// newServeCmd creates the `chime serve` command: the plugin running behind a
// JSON-lines event bridge on stdin.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision engine as a stdio host bridge",
		Long: `Runs chime against a host framework that streams group message events
as JSON lines on stdin. Replies and pokes are written to stdout.

One event per line, for example:
  {"message_id":"1","sender_id":"u1","sender_name":"alice","chat_id":"g1","text":"hello"}

Examples:
  chime serve --config ./config.yaml
  some-host | chime serve`,
		RunE: runServe,
	}
	cmd.Flags().Bool("echo", false, "use the offline echo provider instead of the configured API")
	return cmd
}

// inboundEvent is one host-bridge event line.
type inboundEvent struct {
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	SelfID     string   `json:"self_id"`
	Platform   string   `json:"platform"`
	ChatID     string   `json:"chat_id"`
	Text       string   `json:"text"`
	MentionBot bool     `json:"mention_bot"`
	MentionAll bool     `json:"mention_all"`
	Mentions   []string `json:"mentions"`
	Images     []string `json:"images"`
	Poke       bool     `json:"poke"`
	PokeTarget string   `json:"poke_target"`
}

// toEvent converts a bridge line into the host event shape.
func (in *inboundEvent) toEvent() *host.GroupMessageEvent {
	if in.SelfID == "" {
		in.SelfID = "chime"
	}
	if in.Platform == "" {
		in.Platform = "local"
	}
	var chain []host.Segment
	if in.MentionBot {
		chain = append(chain, host.Segment{Type: host.SegMention, TargetID: in.SelfID})
	}
	if in.MentionAll {
		chain = append(chain, host.Segment{Type: host.SegMention, All: true})
	}
	for _, id := range in.Mentions {
		chain = append(chain, host.Segment{Type: host.SegMention, TargetID: id})
	}
	if in.Text != "" {
		chain = append(chain, host.Segment{Type: host.SegText, Text: in.Text})
	}
	for _, url := range in.Images {
		chain = append(chain, host.Segment{Type: host.SegImage, URL: url})
	}
	return &host.GroupMessageEvent{
		MessageID:  in.MessageID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		SelfID:     in.SelfID,
		Chat: host.ChatKey{
			Platform:   in.Platform,
			PlatformID: in.Platform,
			Kind:       host.KindGroup,
			ChatID:     in.ChatID,
		},
		UnifiedOrigin: in.Platform + ":" + in.ChatID,
		Chain:         chain,
		IsPokeNotify:  in.Poke,
		PokeTargetID:  in.PokeTarget,
		Timestamp:     time.Now(),
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	var provider host.Provider
	if echo, _ := cmd.Flags().GetBool("echo"); echo {
		provider = echoProvider{}
	} else {
		key := engine.ResolveAPIKey("default", cfg.Provider, logger)
		provider, err = engine.NewOpenAIProvider("default", cfg.Provider, key, logger)
		if err != nil {
			return fmt.Errorf("provider setup (try 'chime key set' or --echo): %w", err)
		}
	}

	plugin, err := engine.NewPlugin(cfg, newLocalHost(provider), logger)
	if err != nil {
		return fmt.Errorf("plugin setup: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := plugin.Initialize(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	plugin.OnPlatformLoaded(ctx)

	logger.Info("chime running, reading events from stdin")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received, stopping")
			break loop
		case line, ok := <-lines:
			if !ok {
				logger.Info("stdin closed, stopping")
				break loop
			}
			if line == "" {
				continue
			}
			var in inboundEvent
			if err := json.Unmarshal([]byte(line), &in); err != nil {
				logger.Warn("bad event line, skipping", "error", err)
				continue
			}
			plugin.OnGroupMessage(ctx, in.toEvent())
		}
	}

	done := make(chan struct{})
	go func() {
		plugin.Terminate()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
