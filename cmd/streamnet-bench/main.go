// Package main runs an in-process throughput benchmark: one writer and one
// reader move items over N channels, either on one host or between two
// nodes over loopback, and the results are printed as tables.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/c360/streamnet/channel"
	"github.com/c360/streamnet/stats"
)

const appName = "streamnet-bench"

func parseFlags(args []string) (benchOptions, bool, error) {
	var (
		opts    benchOptions
		mode    string
		scheme  string
		verbose bool
	)
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.IntVar(&opts.Channels, "channels", 4, "Number of channels")
	fs.IntVar(&opts.Items, "items", 10000, "Items per channel")
	fs.IntVar(&opts.PayloadSize, "payload", 64, "Padding bytes per item")
	fs.StringVar(&mode, "mode", "local", "Channel kind: local or remote")
	fs.StringVar(&scheme, "scheme", "tcp", "Cross-host transport for remote mode: tcp or ws")
	fs.Float64Var(&opts.Rate, "rate", 0, "Items per second across all channels, 0 for unlimited")
	fs.IntVar(&opts.Workers, "workers", 4, "IO loop workers")
	fs.StringVar(&opts.Overflow, "overflow", "block", "Relay overflow policy: block or drop")
	fs.IntVar(&opts.BufferSize, "buffer-size", 32<<10, "Writer buffer size in bytes")
	fs.DurationVar(&opts.Timeout, "timeout", time.Minute, "Give up after this long")
	fs.BoolVar(&verbose, "verbose", false, "Log component output to stderr")

	if err := fs.Parse(args); err != nil {
		return opts, verbose, err
	}

	switch mode {
	case "local":
	case "remote":
		opts.Remote = true
	default:
		return opts, verbose, fmt.Errorf("invalid mode %q", mode)
	}
	switch channel.Scheme(scheme) {
	case channel.SchemeTCP, channel.SchemeWebSocket:
		opts.Scheme = channel.Scheme(scheme)
	default:
		return opts, verbose, fmt.Errorf("invalid scheme %q", scheme)
	}
	if opts.Channels <= 0 || opts.Items <= 0 || opts.PayloadSize < 0 || opts.Workers <= 0 {
		return opts, verbose, fmt.Errorf("channels, items and workers must be positive")
	}
	return opts, verbose, nil
}

func main() {
	opts, verbose, err := parseFlags(os.Args[1:])
	if err == flag.ErrHelp {
		return
	}
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}

	var logOut io.Writer = io.Discard
	if verbose {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pterm.Info.Println(fmt.Sprintf("%s: %d channels x %d items, mode=%s", appName,
		opts.Channels, opts.Items, modeName(opts)))

	spinner, _ := pterm.DefaultSpinner.Start("transferring")
	res, err := runBench(ctx, opts, logger)
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success(fmt.Sprintf("%d items in %s", res.Items, res.Elapsed.Round(time.Millisecond)))

	if err := pterm.DefaultTable.WithHasHeader().WithData(summaryTable(res)).Render(); err != nil {
		pterm.Error.Println(err)
	}
	if len(res.Relays) > 0 {
		if err := pterm.DefaultTable.WithHasHeader().WithData(relayTable(res)).Render(); err != nil {
			pterm.Error.Println(err)
		}
	}
}

func modeName(opts benchOptions) string {
	if opts.Remote {
		return "remote/" + string(opts.Scheme)
	}
	return "local"
}

func summaryTable(res *benchResult) pterm.TableData {
	return pterm.TableData{
		{"Items", "Elapsed", "Items/s", "Throughput", "Resends"},
		{
			fmt.Sprint(res.Items),
			res.Elapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%.0f", res.itemsPerSecond()),
			formatBytes(res.bytesPerSecond()) + "/s",
			fmt.Sprint(res.Resends),
		},
	}
}

func relayTable(res *benchResult) pterm.TableData {
	data := pterm.TableData{{"Relay", "msg_sent", "msg_rcvd", "ack_sent", "ack_rcvd", "dropped"}}
	for _, row := range res.Relays {
		data = append(data, []string{
			row.Name,
			fmt.Sprint(row.Counts[stats.MsgSent]),
			fmt.Sprint(row.Counts[stats.MsgRcvd]),
			fmt.Sprint(row.Counts[stats.AckSent]),
			fmt.Sprint(row.Counts[stats.AckRcvd]),
			fmt.Sprint(row.Counts[stats.BufferDropped]),
		})
	}
	return data
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// formatBytes renders b with a binary unit, e.g. " 1.5 MiB".
func formatBytes(b float64) string {
	unit := 0
	for b > 99 && unit < len(byteUnits)-1 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unit])
}
