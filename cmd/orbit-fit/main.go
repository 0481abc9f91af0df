// Command orbit-fit fits a trajectory to a saved orbit snapshot against a
// lattice table, without a control system connection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/steering/internal/bpm"
	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/orbit"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("orbit-fit: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("orbit-fit", flag.ContinueOnError)
	snapshot := fs.String("snapshot", "", "Orbit snapshot JSON file (required)")
	table := fs.String("lattice", "config/lattice.json", "Lattice table JSON file")
	start := fs.String("start", "0", "First reading, by index or name")
	end := fs.String("end", "", "Last reading, by index or name (default: last)")
	fitPoint := fs.String("fit-point", "", "Reading the launch is fitted at (default: start)")
	params := fs.String("params", "all", "Comma separated parameters: xpos0,xang0,ypos0,yang0,dE/E,xkick,ykick or all")
	threshold := fs.Float64("dispersion-threshold", orbit.DefaultDispersionThreshold, "Minimum |R16| to fit dE/E")
	anyTMIT := fs.Bool("any-tmit", false, "Include readings whose TMIT is in alarm")
	text := fs.Bool("text", false, "Print the fitted parameters on one line instead of JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *snapshot == "" {
		fs.Usage()
		return errors.New("-snapshot is required")
	}

	files := fsutil.OSFileSystem{}
	o, err := orbit.LoadJSON(files, *snapshot)
	if err != nil {
		return err
	}
	if o.Len() == 0 {
		return fmt.Errorf("%s: no readings", *snapshot)
	}
	gw, err := lattice.LoadTable(files, *table)
	if err != nil {
		return err
	}

	opts, err := orbit.ParseFitOptions(*params)
	if err != nil {
		return err
	}
	req := orbit.FitRequest{
		Start:               orbit.ParseRef(*start),
		End:                 orbit.Index(o.Len() - 1),
		FitPoint:            orbit.ParseRef(*start),
		Options:             &opts,
		DispersionThreshold: *threshold,
	}
	if *end != "" {
		req.End = orbit.ParseRef(*end)
	}
	if *fitPoint != "" {
		req.FitPoint = orbit.ParseRef(*fitPoint)
	}
	if *anyTMIT {
		req.Quality = func(bpm.Reading) bool { return true }
	}

	res, err := o.Fit(context.Background(), gw, req)
	if err != nil {
		return err
	}
	if *text {
		_, err = fmt.Fprintf(out, "%s chi2=%.4g ndf=%d\n", res.FormatParams(), res.ChiSquare, res.NDF)
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
