package cli

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/koltyakov/proxyvpn/internal/config"
	"github.com/koltyakov/proxyvpn/internal/domain"
	ilog "github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/store"
)

func runServers(ctx context.Context, args []string) int {
	cfg, fs, err := config.ParseStoreFlags("servers", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "servers error:", err)
		return 2
	}
	var country string
	var all bool
	fs.StringVar(&country, "country", "", "Only list servers exiting in this country")
	fs.BoolVar(&all, "all", false, "Include servers that are down")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "servers error:", err)
		return 2
	}

	st, err := openStores(ctx, cfg, ilog.NewWithWriter(os.Stderr, "warn"), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	var list []domain.Logical
	if _, err := st.cache.Load(ctx, store.KeyLogicals, &list); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			fmt.Fprintln(os.Stderr, "no cached server list; start `proxyvpn run` while logged in first")
			return 1
		}
		fmt.Fprintln(os.Stderr, "servers error:", err)
		return 1
	}

	list = filterLogicals(list, country, all)
	writeLogicals(os.Stdout, list)
	fmt.Printf("\n%d servers, list age %s\n", len(list), st.cache.Age(ctx, store.KeyLogicals).Round(time.Second))
	return 0
}

// filterLogicals keeps the servers matching country, dropping down ones
// unless all is set, best score first.
func filterLogicals(list []domain.Logical, country string, all bool) []domain.Logical {
	out := make([]domain.Logical, 0, len(list))
	for _, l := range list {
		if country != "" && !strings.EqualFold(l.ExitCountry, country) {
			continue
		}
		if !all && !l.IsUp() {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b domain.Logical) int {
		if c := cmp.Compare(a.Score, b.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func writeLogicals(w io.Writer, list []domain.Logical) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEXIT\tCITY\tTIER\tLOAD\tSCORE\tUP")
	for _, l := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d%%\t%.2f\t%t\n",
			l.ID, l.Name, l.ExitCountry, l.City, l.Tier, l.Load, l.Score, l.IsUp())
	}
	_ = tw.Flush()
}
