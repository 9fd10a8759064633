package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"relaybot/internal/domain"
)

// Console implements domain.Channel over a terminal. Used for exercising the
// relay pipeline locally without a WhatsApp or Telegram account.
type Console struct {
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
}

type ConsoleConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Console{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *Console) Name() string { return "console" }

// Start runs the read loop and blocks until EOF, /quit, or ctx cancellation.
func (c *Console) Start(ctx context.Context, bus domain.MessageBus) error {
	_, _ = fmt.Fprintln(c.out, "console channel. Type a message and press Enter. /quit exits.")
	_, _ = fmt.Fprint(c.out, "> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("console quit requested")
			return nil
		}

		bus.Publish(domain.InboundMessage{
			Channel:   "console",
			ChatID:    "local",
			SenderID:  "local",
			Content:   line,
			Kind:      domain.EventText,
			Timestamp: time.Now(),
		})
	}
}

func (c *Console) Stop() error { return nil }

func (c *Console) SendText(ctx context.Context, chatID string, text string) error {
	_, err := fmt.Fprintf(c.out, "\n%s\n> ", text)
	return err
}

// SendMedia prints the media reference since a terminal cannot render it.
func (c *Console) SendMedia(ctx context.Context, chatID string, url string, kind domain.MediaKind, caption string) error {
	line := fmt.Sprintf("[%s] %s", kind, url)
	if caption != "" {
		line += " " + caption
	}
	_, err := fmt.Fprintf(c.out, "\n%s\n> ", line)
	return err
}
