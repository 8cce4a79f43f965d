// Package interactive is the deskctl command prompt.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mlsorensen/godesk"
	"github.com/mlsorensen/godesk/server"
)

// Shell drives one desk from a readline prompt.
type Shell struct {
	desk godesk.Desk
	cfg  godesk.Config
	rl   *readline.Instance
}

// New creates a new interactive shell.
func New(desk godesk.Desk, cfg godesk.Config) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "desk> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{desk: desk, cfg: cfg, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	go s.watch(ctx)
	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		switch strings.ToLower(parts[0]) {
		case "help", "?":
			s.printHelp()
		case "status", "s":
			s.printStatus()
		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			cmd, err := Parse(parts)
			if err != nil {
				fmt.Fprintf(s.rl.Stdout(), "%v (type 'help' for commands)\n", err)
				continue
			}
			if err := server.Execute(ctx, s.desk, cmd); err != nil {
				fmt.Fprintf(s.rl.Stdout(), "Error: %v\n", err)
			}
		}
	}
}

// watch prints phase changes and height movement as they happen.
func (s *Shell) watch(ctx context.Context) {
	phases, stopPhases := s.desk.SubscribePhases()
	defer stopPhases()
	snaps, stopSnaps := s.desk.Subscribe()
	defer stopSnaps()

	var last *float64
	for {
		select {
		case <-ctx.Done():
			return
		case pc, ok := <-phases:
			if !ok {
				return
			}
			fmt.Fprintf(s.rl.Stdout(), "[%s -> %s] %s\n", pc.From, pc.To, pc.Reason)
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if snap.Height != nil && (last == nil || *last != *snap.Height) {
				fmt.Fprintf(s.rl.Stdout(), "height %.1f cm (%s)\n", *snap.Height, snap.Direction)
			}
			last = snap.Height
			if snap.Collision {
				fmt.Fprintln(s.rl.Stdout(), "collision detected, movement stopped")
			}
		}
	}
}

func (s *Shell) printStatus() {
	st := server.NewState(s.desk, s.cfg, s.desk.Snapshot())
	out := s.rl.Stdout()
	snap := st.Snapshot

	fmt.Fprintf(out, "%s (%s)\n", st.DisplayName, st.Name)
	fmt.Fprintf(out, "  phase:     %s\n", snap.Phase)
	fmt.Fprintf(out, "  height:    %s\n", cm(snap.Height))
	if st.Position != nil {
		fmt.Fprintf(out, "  position:  %d%%\n", *st.Position)
	}
	fmt.Fprintf(out, "  target:    %s\n", cm(snap.Target))
	fmt.Fprintf(out, "  direction: %s\n", snap.Direction)
	fmt.Fprintf(out, "  limits:    %s - %s\n", cm(snap.LowerLimit), cm(snap.UpperLimit))
	fmt.Fprintf(out, "  collision: %t\n", snap.Collision)
	for id, v := range snap.Features {
		fmt.Fprintf(out, "  feature 0x%02X = %d\n", uint8(id), v)
	}
	if snap.Info.Model != "" {
		fmt.Fprintf(out, "  device:    %s %s, firmware %s\n", snap.Info.Manufacturer, snap.Info.Model, snap.Info.FirmwareRevision)
	}
}

func cm(v *float64) string {
	if v == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.1f cm", *v)
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Desk Commands:
  Movement:
    up | down | stop         - Move continuously or halt
    preset <1-4>             - Recall a memory slot
    height <cm>              - Move to an absolute height
    position <0-100>         - Move to a position within the configured range

  Limits:
    limit <upper|lower> <cm> - Set a height limit
    clear-limits             - Remove both limits

  Features:
    feature <id>             - Query a feature (id in hex, e.g. 0xB4)
    feature <id> <value>     - Set a feature value

  General:
    status                   - Show the last known desk state
    help                     - Show this help
    quit                     - Exit`)
}

// Parse turns a tokenized prompt line into a desk command.
func Parse(parts []string) (server.Command, error) {
	if len(parts) == 0 {
		return server.Command{}, fmt.Errorf("empty command")
	}
	args := parts[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s)", parts[0], n)
		}
		return nil
	}

	switch strings.ToLower(parts[0]) {
	case "up", "u":
		return server.Command{Action: server.ActionMoveUp}, nil
	case "down", "d":
		return server.Command{Action: server.ActionMoveDown}, nil
	case "stop", "x":
		return server.Command{Action: server.ActionStop}, nil
	case "clear-limits":
		return server.Command{Action: server.ActionClearLimits}, nil

	case "preset", "p":
		if err := need(1); err != nil {
			return server.Command{}, err
		}
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid slot %q", args[0])
		}
		return server.Command{Action: server.ActionPreset, Slot: slot}, nil

	case "height", "h":
		if err := need(1); err != nil {
			return server.Command{}, err
		}
		h, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid height %q", args[0])
		}
		return server.Command{Action: server.ActionMoveToHeight, HeightCM: &h}, nil

	case "position", "pos":
		if err := need(1); err != nil {
			return server.Command{}, err
		}
		pos, err := strconv.Atoi(args[0])
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid position %q", args[0])
		}
		return server.Command{Action: server.ActionMoveToPosition, Position: &pos}, nil

	case "limit":
		if err := need(2); err != nil {
			return server.Command{}, err
		}
		h, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid height %q", args[1])
		}
		return server.Command{Action: server.ActionSetLimit, Limit: strings.ToLower(args[0]), HeightCM: &h}, nil

	case "feature", "f":
		if err := need(1); err != nil {
			return server.Command{}, err
		}
		id, err := parseByte(args[0])
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid feature id %q", args[0])
		}
		if len(args) == 1 {
			return server.Command{Action: server.ActionQueryFeature, Feature: &id}, nil
		}
		v, err := parseByte(args[1])
		if err != nil {
			return server.Command{}, fmt.Errorf("invalid feature value %q", args[1])
		}
		return server.Command{Action: server.ActionSetFeature, Feature: &id, Value: &v}, nil
	}
	return server.Command{}, fmt.Errorf("unknown command: %s", parts[0])
}

// parseByte accepts decimal or 0x-prefixed hex.
func parseByte(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	return uint8(v), err
}
