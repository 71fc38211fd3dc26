package main

import (
	"bytes"
	"chat-relay/client"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// Config holds the tester defaults. Flags override them.
type Config struct {
	Addr     string        `envconfig:"ADDR" default:"localhost:9000"`
	Bots     int           `envconfig:"BOTS" default:"5"`
	Room     string        `envconfig:"ROOM" default:"load"`
	Messages int           `envconfig:"MESSAGES" default:"20"`
	FileSize int           `envconfig:"FILE_SIZE" default:"0"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"30s"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"WARN"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var config Config
	if err := envconfig.Process("TESTER", &config); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	cmd := &cobra.Command{
		Use:   "tester",
		Short: "Drive a chat relay with a swarm of bot clients",
		Long: `tester connects N bots to one room, has every bot send a batch of
messages and optionally offers a file from the first bot to all others.
It prints a per bot summary when every expected delivery arrived or the
timeout expired.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if config.Bots < 2 {
				return fmt.Errorf("at least 2 bots are needed, got %d", config.Bots)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), config.Timeout)
			defer cancel()
			return run(ctx, config)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&config.Addr, "addr", config.Addr, "relay TCP address")
	flags.IntVarP(&config.Bots, "bots", "n", config.Bots, "number of bot clients")
	flags.StringVarP(&config.Room, "room", "r", config.Room, "room every bot joins")
	flags.IntVarP(&config.Messages, "messages", "m", config.Messages, "messages sent by each bot")
	flags.IntVar(&config.FileSize, "file-size", config.FileSize, "size of the file offered by the first bot, 0 to skip")
	flags.DurationVar(&config.Timeout, "timeout", config.Timeout, "overall deadline")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level of the bots")
	return cmd
}

type bot struct {
	name     string
	client   *client.Client
	sent     int
	received atomic.Int64
	notices  atomic.Int64
	joins    atomic.Int64
	files    atomic.Int64
	complete atomic.Int64
	welcomed chan struct{}

	mu  sync.Mutex
	err error
}

func (b *bot) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *bot) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func run(ctx context.Context, config Config) error {
	log := logs.GetLoggerFromString(config.LogLevel)
	color.Cyan.Printf("Connecting %d bots to %s, room %q\n", config.Bots, config.Addr, config.Room)

	var wg sync.WaitGroup
	bots := make([]*bot, 0, config.Bots)
	defer func() {
		for _, b := range bots {
			_ = b.client.Exit()
			_ = b.client.Close()
		}
		wg.Wait()
	}()

	// Bots join one after the other so each welcome is in before the next join.
	for i := range config.Bots {
		b, err := connect(ctx, log, config, i)
		if err != nil {
			return err
		}
		bots = append(bots, b)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.listen(config.FileSize > 0)
		}()
		select {
		case <-b.welcomed:
		case <-ctx.Done():
			return fmt.Errorf("%s was never welcomed: %w", b.name, ctx.Err())
		}
	}
	if !waitFor(ctx, func() bool { return bots[0].joins.Load() >= int64(config.Bots-1) }) {
		return fmt.Errorf("first bot saw %d of %d joins", bots[0].joins.Load(), config.Bots-1)
	}

	start := time.Now()
	for _, b := range bots {
		for m := range config.Messages {
			if err := b.client.Send(fmt.Sprintf("message %d from %s", m, b.name)); err != nil {
				b.fail(err)
				break
			}
			b.sent++
		}
	}

	expected := int64((config.Bots - 1) * config.Messages)
	waitFor(ctx, func() bool {
		for _, b := range bots[1:] {
			if b.received.Load() < expected {
				return false
			}
		}
		return bots[0].received.Load() >= expected
	})
	elapsed := time.Since(start)

	if config.FileSize > 0 {
		content := make([]byte, config.FileSize)
		_, _ = rand.Read(content)
		if err := bots[0].client.OfferFile("tester.bin", int64(len(content)), bytes.NewReader(content)); err != nil {
			bots[0].fail(err)
		}
		waitFor(ctx, func() bool { return bots[0].complete.Load() > 0 })
	}

	printSummary(bots, expected, config.FileSize > 0, elapsed)
	return nil
}

func connect(ctx context.Context, log *slog.Logger, config Config, i int) (*bot, error) {
	c, err := client.Dial(ctx, log, config.Addr)
	if err != nil {
		return nil, err
	}
	b := &bot{name: fmt.Sprintf("bot-%02d", i), client: c, welcomed: make(chan struct{})}
	if err := c.Join(b.name, config.Room); err != nil {
		_ = c.Close()
		return nil, err
	}
	return b, nil
}

// listen consumes events until the connection ends. Every offer is accepted
// when acceptFiles is set.
func (b *bot) listen(acceptFiles bool) {
	var welcomeOnce sync.Once
	for e := range b.client.Events() {
		switch ev := e.(type) {
		case client.TextEvent:
			b.received.Add(1)
		case client.NoticeEvent:
			b.notices.Add(1)
			switch {
			case strings.HasPrefix(ev.Text, "Welcome "):
				welcomeOnce.Do(func() { close(b.welcomed) })
			case strings.HasSuffix(ev.Text, " has joined the room."):
				b.joins.Add(1)
			}
		case client.OfferEvent:
			if acceptFiles {
				_ = b.client.Accept()
			} else {
				_ = b.client.Decline()
			}
		case client.FileEvent:
			b.files.Add(1)
		case client.CompleteEvent:
			b.complete.Add(1)
		}
	}
	if err := b.client.Err(); err != nil {
		b.fail(err)
	}
}

func waitFor(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func printSummary(bots []*bot, expected int64, withFile bool, elapsed time.Duration) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Bot", "Sent", "Received", "Notices", "Files", "Status"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	failures := 0
	for i, b := range bots {
		status := color.Green.Sprint("OK")
		switch {
		case b.failure() != nil:
			status = color.Red.Sprint(b.failure().Error())
			failures++
		case b.received.Load() < expected:
			status = color.Yellow.Sprintf("missing %d", expected-b.received.Load())
			failures++
		case withFile && i > 0 && b.files.Load() == 0:
			status = color.Yellow.Sprint("no file")
			failures++
		}
		table.Append([]string{
			b.name,
			strconv.Itoa(b.sent),
			strconv.FormatInt(b.received.Load(), 10),
			strconv.FormatInt(b.notices.Load(), 10),
			strconv.FormatInt(b.files.Load(), 10),
			status,
		})
	}
	table.Render()

	summary := fmt.Sprintf("%d bots, %d messages each way, %s", len(bots), expected, elapsed.Round(time.Millisecond))
	if failures > 0 {
		color.Red.Printf("%s, %d bots incomplete\n", summary, failures)
		return
	}
	color.Green.Printf("%s, all deliveries complete\n", summary)
}
