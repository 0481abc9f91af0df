// Command steerctl drives a running steering server over its HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/banshee-data/steering/internal/httputil"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/version"
)

// ServerEnv overrides the default -server address.
const ServerEnv = "STEERCTL_SERVER"

var errUsage = errors.New("usage")

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := run(ctx, os.Args[1:], os.Stdout, &http.Client{})
	cancel()
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "steerctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `steerctl - command line client for the steering server

Usage: steerctl [-server URL] <command> [options]

Commands:
  orbit                        Show the live orbit
  sectors                      Show the sector boundaries
  fit [-start] [-end] [-fit-point] [-params] [-text]
                               Fit the live orbit
  last-fit                     Show the most recent fit
  fits [-limit N]              List stored fits
  edef N                       Read EDEF N (0 for the unsuffixed channels)
  snapshot save [-name NAME]   Freeze and store the live orbit
  snapshot list [-limit N]     List stored snapshots
  snapshot show ID             Show a stored snapshot
  snapshot delete ID           Delete a stored snapshot
  magnet list [-axis X|Y]      Show corrector setpoints and readbacks
  magnet increase NAME         Step a corrector up
  magnet decrease NAME         Step a corrector down
  magnet save [-axis X|Y]      Save corrector setpoints
  magnet restore [-axis X|Y]   Restore saved setpoints
  version                      Show client and server versions
`)
}

func defaultServer() string {
	if s := os.Getenv(ServerEnv); s != "" {
		return s
	}
	return "http://localhost:8090"
}

// printJSON writes v indented, one document per call.
func printJSON(out io.Writer, v json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, v, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// cli holds what every command needs.
type cli struct {
	ctx    context.Context
	client *httputil.Client
	out    io.Writer
}

// show GETs path and prints the response.
func (c *cli) show(path string) error {
	var raw json.RawMessage
	if err := c.client.Get(c.ctx, path, &raw); err != nil {
		return err
	}
	return printJSON(c.out, raw)
}

// post POSTs in to path and prints the response.
func (c *cli) post(path string, in any) error {
	var raw json.RawMessage
	if err := c.client.Post(c.ctx, path, in, &raw); err != nil {
		return err
	}
	return printJSON(c.out, raw)
}

func run(ctx context.Context, args []string, out io.Writer, doer httputil.Doer) error {
	fs := flag.NewFlagSet("steerctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", defaultServer(), "Steering server base URL (env "+ServerEnv+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	c := &cli{ctx: ctx, client: httputil.NewClient(*server, doer), out: out}
	command, rest := fs.Arg(0), fs.Args()[1:]

	switch command {
	case "orbit":
		return c.show("/api/orbit")
	case "sectors":
		return c.show("/api/orbit/sectors")
	case "last-fit":
		return c.show("/api/orbit/fit")
	case "fit":
		return c.fit(rest)
	case "fits":
		return c.withLimit("fits", "/api/orbit/fits", rest)
	case "edef":
		return c.edef(rest)
	case "snapshot":
		return c.snapshot(rest)
	case "magnet":
		return c.magnet(rest)
	case "version":
		return c.version()
	case "help":
		printUsage(out)
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, command)
}

func (c *cli) fit(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	start := fs.String("start", "0", "First reading, by index or name")
	end := fs.String("end", "", "Last reading (default: last)")
	fitPoint := fs.String("fit-point", "", "Fit point (default: start)")
	params := fs.String("params", "all", "Comma separated fit parameters")
	text := fs.Bool("text", false, "Print the parameters on one line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := orbit.ParseFitOptions(*params)
	if err != nil {
		return err
	}

	body := struct {
		Start    orbit.Ref         `json:"start"`
		End      *orbit.Ref        `json:"end,omitempty"`
		FitPoint orbit.Ref         `json:"fit_point"`
		Options  *orbit.FitOptions `json:"options"`
	}{
		Start:    orbit.ParseRef(*start),
		FitPoint: orbit.ParseRef(*start),
		Options:  &opts,
	}
	if *end != "" {
		r := orbit.ParseRef(*end)
		body.End = &r
	}
	if *fitPoint != "" {
		body.FitPoint = orbit.ParseRef(*fitPoint)
	}

	if !*text {
		return c.post("/api/orbit/fit", body)
	}
	var res orbit.FitResult
	if err := c.client.Post(c.ctx, "/api/orbit/fit", body, &res); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%s chi2=%.4g ndf=%d\n", res.FormatParams(), res.ChiSquare, res.NDF)
	return err
}

func (c *cli) withLimit(name, path string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 0, "Maximum entries (default: server default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit > 0 {
		path += "?limit=" + strconv.Itoa(*limit)
	}
	return c.show(path)
}

func (c *cli) edef(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: edef takes one number", errUsage)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid EDEF %q", args[0])
	}
	return c.post("/api/orbit/edef", map[string]int{"edef": n})
}

func (c *cli) snapshot(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: snapshot needs an action", errUsage)
	}
	action, rest := args[0], args[1:]
	switch action {
	case "save":
		fs := flag.NewFlagSet("snapshot save", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		name := fs.String("name", "", "Snapshot name (default: timestamped)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return c.post("/api/snapshots", map[string]string{"name": *name})
	case "list":
		return c.withLimit("snapshot list", "/api/snapshots", rest)
	case "show", "delete":
		if len(rest) != 1 {
			return fmt.Errorf("%w: snapshot %s takes an id", errUsage, action)
		}
		path := "/api/snapshots/" + url.PathEscape(rest[0])
		if action == "show" {
			return c.show(path)
		}
		if err := c.client.Delete(c.ctx, path); err != nil {
			return err
		}
		_, err := fmt.Fprintf(c.out, "deleted %s\n", rest[0])
		return err
	}
	return fmt.Errorf("%w: unknown snapshot action %q", errUsage, action)
}

func axisQuery(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	axis := fs.String("axis", "", "X or Y (default: both)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *axis == "" {
		return "", nil
	}
	return "?axis=" + url.QueryEscape(*axis), nil
}

func (c *cli) magnet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: magnet needs an action", errUsage)
	}
	action, rest := args[0], args[1:]
	switch action {
	case "list", "save", "restore":
		q, err := axisQuery("magnet "+action, rest)
		if err != nil {
			return err
		}
		if action == "list" {
			return c.show("/api/magnets" + q)
		}
		return c.post("/api/magnets/"+action+q, nil)
	case "increase", "decrease":
		if len(rest) != 1 {
			return fmt.Errorf("%w: magnet %s takes a name", errUsage, action)
		}
		return c.post("/api/magnets/"+url.PathEscape(rest[0])+"/"+action, nil)
	}
	return fmt.Errorf("%w: unknown magnet action %q", errUsage, action)
}

func (c *cli) version() error {
	fmt.Fprintln(c.out, version.String("steerctl"))
	var info version.Info
	if err := c.client.Get(c.ctx, "/api/version", &info); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "server %s (%s)\n", info.Version, info.GitSHA)
	return err
}
