// Package relayctl implements an interactive relay client: each stdin line
// is published and everything the relay broadcasts is printed.
package relayctl

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	entrypoint "github.com/frorz1/wss/internal/platform/cmd"
	platformgrpc "github.com/frorz1/wss/internal/platform/grpc"
	"github.com/frorz1/wss/internal/platform/logging"
	"github.com/frorz1/wss/internal/platform/timeouts"
	"github.com/frorz1/wss/internal/services/relay/client"
	"github.com/frorz1/wss/internal/services/relay/protocol"
)

// Config holds relayctl configuration. Environment variables carry the
// RELAY_ prefix.
type Config struct {
	URL          string        `env:"URL"         envDefault:"ws://localhost:3000/ws"`
	User         string        `env:"USER_NAME"`
	HealthAddr   string        `env:"CTL_HEALTH_ADDR"`
	HealthWait   time.Duration `env:"HEALTH_WAIT" envDefault:"10s"`
	AckTimeout   time.Duration `env:"ACK_TIMEOUT" envDefault:"3s"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	LastSequence int64         `env:"LAST_SEQUENCE"`
	LogLevel     string        `env:"CTL_LOG_LEVEL" envDefault:"warn"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.URL, "url", cfg.URL, "relay WebSocket URL")
	fs.StringVar(&cfg.User, "user", cfg.User, "display name announced to other clients")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "wait for this worker health address before connecting")
	fs.DurationVar(&cfg.HealthWait, "health-wait", cfg.HealthWait, "how long to wait for the worker to report SERVING")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "resend a publish after this long without an ack")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "publish attempts before giving up")
	fs.Int64Var(&cfg.LastSequence, "last-sequence", cfg.LastSequence, "replay messages after this sequence on connect")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run connects and pumps lines from in to the relay until in ends or ctx is
// cancelled. Lines "/typing" and "/reconnect" are commands.
func Run(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Console: true, Service: entrypoint.ServiceRelayCtl})
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.HealthAddr) != "" {
		if err := platformgrpc.WaitForWorker(ctx, cfg.HealthAddr, cfg.HealthWait, logger); err != nil {
			return fmt.Errorf("wait for relay worker: %w", err)
		}
	}

	printer := &printer{out: out}
	dialCtx, cancel := context.WithTimeout(ctx, timeouts.Dial)
	defer cancel()
	c, err := client.Dial(dialCtx, client.Config{
		URL:          cfg.URL,
		User:         cfg.User,
		AckTimeout:   cfg.AckTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		LastSequence: cfg.LastSequence,
		OnMessage: func(msg protocol.MessagePayload) {
			printer.printf("[%d] %s\n", msg.Sequence, msg.Content)
		},
		OnPresence: func(p protocol.PresencePayload) {
			printer.printf("* %s is %s\n", p.User, p.Status)
		},
		OnTyping: func(p protocol.TypingPayload) {
			printer.printf("* %s is typing\n", p.User)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	printer.printf("* connected as session %s\n", c.SessionID())

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := handleLine(ctx, c, printer, line); err != nil {
				return err
			}
		}
	}
}

func handleLine(ctx context.Context, c *client.Client, p *printer, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/typing":
		return c.Typing()
	case "/reconnect":
		if err := c.Reconnect(ctx); err != nil {
			return err
		}
		p.printf("* reconnected as session %s (recovered=%t)\n", c.SessionID(), c.Recovered())
		return nil
	}
	seq, err := c.Publish(ctx, line)
	if err != nil {
		if errors.Is(err, client.ErrNoAck) {
			p.printf("! not delivered: %v\n", err)
			return nil
		}
		return err
	}
	p.printf("* ack %d\n", seq)
	return nil
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}
