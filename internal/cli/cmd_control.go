package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/proxyvpn/internal/config"
	"github.com/koltyakov/proxyvpn/internal/control"
	"github.com/koltyakov/proxyvpn/internal/controller"
	"github.com/koltyakov/proxyvpn/internal/servers"
	"github.com/koltyakov/proxyvpn/internal/timing"
)

// parseControl parses the shared control flags plus any bound by extra and
// returns a client for the running instance.
func parseControl(name string, args []string, extra func(*flag.FlagSet)) (*control.Client, config.ControlConfig, []string, error) {
	cfg, fs, err := config.ParseControlFlags(name, args)
	if err != nil {
		return nil, cfg, nil, err
	}
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, cfg, nil, err
	}
	return control.NewClient(cfg.ControlAddr, cfg.ControlToken, cfg.Timeout), cfg, fs.Args(), nil
}

func runStatus(ctx context.Context, args []string) int {
	var watch bool
	cl, _, _, err := parseControl("status", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&watch, "watch", false, "Stream state changes until interrupted")
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 2
	}

	if watch {
		err := cl.Watch(ctx, func(ev controller.Event) {
			printEvent(os.Stdout, ev)
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "status error:", err)
			return 1
		}
		return 0
	}

	snap, err := cl.State(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	printSnapshot(os.Stdout, snap)
	return 0
}

func runConnect(ctx context.Context, args []string) int {
	var (
		serverID, country, city string
		random, secureCore      bool
		features                int
	)
	cl, _, _, err := parseControl("connect", args, func(fs *flag.FlagSet) {
		fs.StringVar(&serverID, "server", "", "Logical server ID")
		fs.StringVar(&country, "country", "", "Exit country code")
		fs.StringVar(&city, "city", "", "Exit city")
		fs.IntVar(&features, "features", 0, "Required feature bitmask")
		fs.BoolVar(&random, "random", false, "Pick a random eligible server")
		fs.BoolVar(&secureCore, "secure-core", false, "Use Secure Core servers")
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect error:", err)
		return 2
	}

	choice := buildChoice(serverID, country, city, features, random, secureCore)
	snap, err := cl.Connect(ctx, choice)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect error:", err)
		return 1
	}
	printSnapshot(os.Stdout, snap)
	return 0
}

func buildChoice(serverID, country, city string, features int, random, secureCore bool) servers.Choice {
	c := servers.Choice{
		Kind:       servers.ChoiceFastest,
		Country:    strings.ToUpper(strings.TrimSpace(country)),
		SecureCore: secureCore,
	}
	switch {
	case strings.TrimSpace(serverID) != "":
		c.Kind, c.ServerID = servers.ChoiceServer, strings.TrimSpace(serverID)
	case strings.TrimSpace(city) != "":
		c.Kind, c.City = servers.ChoiceCity, strings.TrimSpace(city)
	case features != 0:
		c.Kind, c.Features = servers.ChoiceFeature, features
	case random:
		c.Kind = servers.ChoiceRandom
	case c.Country != "":
		c.Kind = servers.ChoiceCountry
	}
	return c
}

func runDisconnect(ctx context.Context, args []string) int {
	cl, _, _, err := parseControl("disconnect", args, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "disconnect error:", err)
		return 2
	}
	snap, err := cl.Disconnect(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "disconnect error:", err)
		return 1
	}
	printSnapshot(os.Stdout, snap)
	return 0
}

func runDismiss(ctx context.Context, args []string) int {
	cl, _, rest, err := parseControl("dismiss", args, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dismiss error:", err)
		return 2
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "dismiss error: expected a single error id, e.g. `proxyvpn dismiss proxy-overridden`")
		return 2
	}
	snap, err := cl.DismissError(ctx, rest[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "dismiss error:", err)
		return 1
	}
	printSnapshot(os.Stdout, snap)
	return 0
}

func printSnapshot(w io.Writer, s controller.Snapshot) {
	printSnapshotAt(w, s, time.Now())
}

func printSnapshotAt(w io.Writer, s controller.Snapshot, now time.Time) {
	status := s.State
	switch {
	case s.Connected:
		status = "connected"
	case s.Connecting:
		status = "connecting"
	}
	fmt.Fprintf(w, "state:   %s\n", status)
	if s.Server != nil {
		fmt.Fprintf(w, "server:  %s (%s:%d)\n", s.Server.Name, s.Server.Host, s.Server.Port)
	}
	if s.Choice != "" {
		fmt.Fprintf(w, "choice:  %s\n", s.Choice)
	}
	if !s.InitializedAt.IsZero() {
		fmt.Fprintf(w, "since:   %s\n", s.InitializedAt.Local().Format(time.DateTime))
	}
	if !s.RenewAt.IsZero() {
		fmt.Fprintf(w, "renewal: in %s\n", timing.FormatRemaining(timing.Remaining(s.RenewAt, now)))
	}
	if s.Error != "" {
		fmt.Fprintf(w, "error:   %s [%s]\n", s.Error, s.ErrorID)
	}
	if s.NetworkWarning != "" {
		fmt.Fprintf(w, "warning: %s\n", s.NetworkWarning)
	}
}

func printEvent(w io.Writer, ev controller.Event) {
	line := fmt.Sprintf("%s %-15s %s", time.Now().Format(time.TimeOnly), ev.Type, ev.State.State)
	if ev.State.Server != nil {
		line += " " + ev.State.Server.Name
	}
	if ev.Error != "" {
		line += " error=" + ev.Error
	}
	fmt.Fprintln(w, line)
}
