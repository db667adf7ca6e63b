package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/PhantasyServer/pso2-protocol-lib/internal/config"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/db"
	"github.com/PhantasyServer/pso2-protocol-lib/internal/proxy"
)

// LiveSessions is what the console needs from the proxy.
type LiveSessions interface {
	Sessions() []proxy.Info
	Kill(id string) error
}

// Console is the interactive command line of pso2proxy.
type Console struct {
	cfg   *config.Config
	live  LiveSessions
	index *db.CaptureIndex
	quit  func()

	in  io.Reader
	out io.Writer
}

// NewConsole creates a console reading in and writing out. quit is called
// by the quit command. index may be nil.
func NewConsole(cfg *config.Config, live LiveSessions, index *db.CaptureIndex, quit func(), in io.Reader, out io.Writer) *Console {
	return &Console{
		cfg:   cfg,
		live:  live,
		index: index,
		quit:  quit,
		in:    in,
		out:   out,
	}
}

// Start reads commands until ctx is done or input ends.
func (c *Console) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\npso2proxy console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "pso2proxy> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command.
func (c *Console) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "sessions", "ls":
		return c.printSessions(ctx, args)
	case "kill":
		return c.cmdKill(args)
	case "setconfig":
		return c.cmdSetConfig(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down pso2proxy...")
		if c.quit != nil {
			c.quit()
		}
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
  status              Show live sessions
  sessions [n]        Show the last n indexed sessions
  kill <id>           Disconnect a live session (id prefix accepted)
  setconfig <k> <v>   Update a proxy setting, applied on restart
  quit                Shut down pso2proxy
  help                Show this help message`)
}

func (c *Console) printStatus() {
	sessions := c.live.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No live sessions")
		return
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"ID", "Client", "Cipher", "Uptime", "Idle", "Packets", "Relayed"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	now := time.Now()
	for _, s := range sessions {
		tw.Append([]string{
			shortID(s.ID),
			s.ClientAddr,
			s.Cipher,
			now.Sub(s.StartedAt).Truncate(time.Second).String(),
			now.Sub(s.LastActive).Truncate(time.Second).String(),
			fmt.Sprintf("%d", s.Packets),
			humanize.Bytes(uint64(s.Bytes)),
		})
	}
	tw.Render()
}

func (c *Console) printSessions(ctx context.Context, args []string) error {
	if c.index == nil {
		return errors.New("capture index is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}
	sessions, err := c.index.Sessions(ctx, limit)
	if err != nil {
		return err
	}
	RenderSessions(c.out, sessions)
	return nil
}

// cmdKill accepts a full id or an unambiguous prefix, as printed by status.
func (c *Console) cmdKill(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kill <id>")
	}
	var match []string
	for _, s := range c.live.Sessions() {
		if strings.HasPrefix(s.ID, args[0]) {
			match = append(match, s.ID)
		}
	}
	switch len(match) {
	case 0:
		return fmt.Errorf("no live session matches %s", args[0])
	case 1:
	default:
		return fmt.Errorf("%s matches %d sessions", args[0], len(match))
	}
	if err := c.live.Kill(match[0]); err != nil {
		return err
	}
	log.Info().Str("session", match[0]).Msg("console: session killed")
	fmt.Fprintf(c.out, "Session %s killed\n", shortID(match[0]))
	return nil
}

func (c *Console) cmdSetConfig(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{} = raw
	if n, err := strconv.Atoi(raw); err == nil {
		value = n
	} else if b, err := strconv.ParseBool(raw); err == nil {
		value = b
	}

	previous := c.cfg.GetProxy()
	if err := c.cfg.UpdateProxyField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetProxy(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		c.cfg.SetProxy(previous)
		return err
	}
	fmt.Fprintf(c.out, "Config updated: %s = %s (applied on restart)\n", key, raw)
	return nil
}
