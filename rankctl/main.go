package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/bringyour/ranksync/ranksync"
)

const RankCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Live profile rankings.

The default urls are:
    url: ws://localhost:8000/ws
    api_url: http://localhost:8000

Usage:
    rankctl watch [--url=<url>] [--api_url=<api_url>]
        [--search=<search>] [--filter=<filter>] [--sort=<sort>] [--order=<order>]
        [--min=<min>] [--limit=<limit>] [--refresh=<refresh>]
        [--metrics_addr=<metrics_addr>]
    rankctl list [--api_url=<api_url>]
        [--search=<search>] [--filter=<filter>] [--sort=<sort>] [--order=<order>]
        [--min=<min>] [--limit=<limit>]
    rankctl add [--api_url=<api_url>] <username>...

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --url=<url>                    Live ranking endpoint.
    --api_url=<api_url>            Profile api. For watch, seeds the table before the live feed.
    --search=<search>              Match username or name.
    --filter=<filter>              all, verified, public, private [default: all].
    --sort=<sort>                  followers, following, posts, engagement [default: followers].
    --order=<order>                asc, desc [default: desc].
    --min=<min>                    Hide profiles with the sort metric below this.
    --limit=<limit>                Show at most this many rows.
    --refresh=<refresh>            Minimum time between redraws [default: 500ms].
    --metrics_addr=<metrics_addr>  Serve prometheus metrics on this address.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RankCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		add(opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if v, err := opts.String(key); err == nil && v != "" {
		return v
	}
	return defaultValue
}

func parseCriteria(opts docopt.Opts) (criteria ranksync.ViewCriteria, limit int, err error) {
	criteria = ranksync.DefaultViewCriteria()
	criteria.Search = optString(opts, "--search", "")
	if criteria.Category, err = ranksync.ParseCategory(optString(opts, "--filter", "all")); err != nil {
		return
	}
	if criteria.SortMetric, err = ranksync.ParseMetric(optString(opts, "--sort", "followers")); err != nil {
		return
	}
	if criteria.Direction, err = ranksync.ParseSortDirection(optString(opts, "--order", "desc")); err != nil {
		return
	}
	if _, ok := opts["--min"].(string); ok {
		var minThreshold float64
		if minThreshold, err = opts.Float64("--min"); err != nil {
			return
		}
		criteria.MinThreshold = &minThreshold
	}
	if _, ok := opts["--limit"].(string); ok {
		if limit, err = opts.Int("--limit"); err != nil {
			return
		}
	}
	return
}

type rankRow struct {
	Rank       string `header:"rank"`
	Change     string `header:"change"`
	Username   string `header:"username"`
	Name       string `header:"name"`
	Followers  string `header:"followers"`
	Following  string `header:"following"`
	Posts      string `header:"posts"`
	Engagement string `header:"engagement"`
	Flags      string `header:"flags"`
	Updated    string `header:"updated"`
}

func printView(view []ranksync.Profile, ranking *ranksync.Ranking, limit int) {
	if 0 < limit && limit < len(view) {
		view = view[:limit]
	}

	now := time.Now()
	rows := make([]rankRow, 0, len(view))
	for _, profile := range view {
		rank := "-"
		if r, ok := ranking.Rank(profile.Username); ok {
			rank = fmt.Sprintf("%d", r)
		}
		flags := []string{}
		if profile.Verified {
			flags = append(flags, "verified")
		}
		if profile.Private {
			flags = append(flags, "private")
		}
		rows = append(rows, rankRow{
			Rank:       rank,
			Change:     ranking.Change(profile.Username).String(),
			Username:   profile.Username,
			Name:       profile.DisplayName,
			Followers:  ranksync.FormatCount(profile.Followers),
			Following:  ranksync.FormatCount(profile.Following),
			Posts:      ranksync.FormatCommas(profile.Posts),
			Engagement: ranksync.FormatPercentage(profile.EngagementRate, 2),
			Flags:      strings.Join(flags, ","),
			Updated:    ranksync.FormatRelativeTime(profile.LastUpdated, now),
		})
	}

	printer := tableprinter.New(os.Stdout)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}

func formatStats(stats ranksync.ViewStats) string {
	return fmt.Sprintf(
		"%d profiles  %s followers  %s following  %s avg engagement  %d verified  %d private",
		stats.Count,
		ranksync.FormatCount(stats.TotalFollowers),
		ranksync.FormatCount(stats.TotalFollowing),
		ranksync.FormatPercentage(stats.AverageEngagement, 2),
		stats.VerifiedCount,
		stats.PrivateCount,
	)
}

func seed(ctx context.Context, apiUrl string, reconciler *ranksync.Reconciler) error {
	api := ranksync.NewProfileApiWithDefaults(ctx, apiUrl)
	defer api.Close()

	profiles, err := api.ListProfilesSync(ranksync.NewNoopApiCallback[[]*ranksync.ApiProfile]())
	if err != nil {
		return err
	}
	ranksync.SeedReconciler(reconciler, profiles)
	return nil
}

func watch(opts docopt.Opts) {
	url := optString(opts, "--url", "ws://localhost:8000/ws")
	criteria, limit, err := parseCriteria(opts)
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(2)
	}
	refresh, err := time.ParseDuration(optString(opts, "--refresh", "500ms"))
	if err != nil {
		Err.Printf("Invalid refresh (%s).\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil && metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				Err.Printf("Metrics server exited (%s).\n", err)
			}
		}()
	}

	session := ranksync.NewSessionWithDefaults(ctx, url)
	defer session.Close()

	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		if err := seed(ctx, apiUrl, session.Reconciler()); err != nil {
			Err.Printf("Could not load profiles from the api (%s).\n", err)
		}
	}

	redraw := make(chan struct{}, 1)
	requestRedraw := func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	}
	session.Reconciler().AddChangeCallback(func(ranking *ranksync.Ranking) {
		requestRedraw()
	})
	session.Client().AddStatusCallback(func(status ranksync.ConnectionStatus) {
		switch status.State {
		case ranksync.Failed:
			Err.Printf("Connection failed. Press enter to retry.\n")
		case ranksync.Reconnecting:
			Err.Printf("Connection lost, reconnect attempt %d.\n", status.Attempt)
		}
		requestRedraw()
	})

	// each line on stdin is an explicit retry
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			session.Connect()
		}
	}()

	session.Connect()
	requestRedraw()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))
	limiter := rate.NewLimiter(rate.Every(refresh), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-redraw:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		view, ranking := session.View(criteria)
		if interactive {
			// clear
			Out.Printf("\033[H\033[2J")
		}
		Out.Printf("%s  v%d\n", session.Status(), ranking.Version)
		Out.Printf("%s\n", formatStats(ranksync.SummarizeView(view)))
		printView(view, ranking, limit)
	}
}

func list(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", "http://localhost:8000")
	criteria, limit, err := parseCriteria(opts)
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(2)
	}

	reconciler := ranksync.NewReconcilerWithDefaults()
	if err := seed(context.Background(), apiUrl, reconciler); err != nil {
		Err.Printf("Could not load profiles from the api (%s).\n", err)
		os.Exit(1)
	}

	view := ranksync.BuildView(reconciler.Profiles(), criteria)
	Out.Printf("%s\n", formatStats(ranksync.SummarizeView(view)))
	printView(view, reconciler.Rankings(), limit)
}

func add(opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", "http://localhost:8000")
	usernames, _ := opts["<username>"].([]string)

	api := ranksync.NewProfileApiWithDefaults(context.Background(), apiUrl)
	defer api.Close()

	failed := false
	for _, username := range usernames {
		result, err := api.CreateProfileSync(
			&ranksync.CreateProfileArgs{Username: username},
			ranksync.NewNoopApiCallback[*ranksync.CreateProfileResult](),
		)
		if err != nil {
			Err.Printf("Could not add %s (%s).\n", username, err)
			failed = true
			continue
		}
		action := string(result.Action)
		if action == "" {
			action = "added"
		}
		if result.Message != "" {
			Out.Printf("%s: %s (%s)\n", username, action, result.Message)
		} else {
			Out.Printf("%s: %s\n", username, action)
		}
	}
	if failed {
		os.Exit(1)
	}
}
