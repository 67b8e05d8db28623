// Command passpredict lists upcoming passes of a satellite over a site.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/target"
)

// readTLE returns the first element set in a TLE file, with the name
// line when one precedes it.
func readTLE(path string) (name, line1, line2 string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", "", err
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l = strings.TrimRight(l, "\r "); strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	for i := 0; i+1 < len(lines); i++ {
		if strings.HasPrefix(lines[i], "1 ") && strings.HasPrefix(lines[i+1], "2 ") {
			if i > 0 {
				name = strings.TrimSpace(lines[i-1])
			}
			return name, lines[i], lines[i+1], nil
		}
	}
	return "", "", "", fmt.Errorf("no TLE element set found in %s", path)
}

func main() {
	tleFile := flag.String("tle", "", "path to a TLE file (name line optional)")
	lat := flag.Float64("lat", 0, "observer latitude in degrees")
	lon := flag.Float64("lon", 0, "observer longitude in degrees east")
	height := flag.Float64("height", 0, "observer height in meters")
	hours := flag.Float64("hours", 24, "look-ahead window in hours")
	minAlt := flag.Float64("min-alt", 10, "minimum culmination altitude in degrees")
	step := flag.Duration("step", 10*time.Second, "coarse search step")
	flag.Parse()

	if *tleFile == "" {
		log.Fatal("-tle is required")
	}

	name, line1, line2, err := readTLE(*tleFile)
	if err != nil {
		log.Fatalf("Failed to read TLE: %v", err)
	}
	if name == "" {
		name = "satellite " + strings.TrimSpace(line1[2:7])
	}

	tgt, err := target.NewSatellite(name, line1, line2)
	if err != nil {
		log.Fatalf("Invalid TLE: %v", err)
	}

	site := align.New()
	if err := site.SetLocationLatLon(*lat, *lon, *height); err != nil {
		log.Fatalf("Invalid site: %v", err)
	}

	start := time.Now().UTC()
	end := start.Add(time.Duration(*hours * float64(time.Hour)))
	passes, err := target.FindPasses(context.Background(), tgt, site.Snapshot(), start, end, *step, *minAlt)
	if err != nil {
		log.Fatalf("Pass search failed: %v", err)
	}

	fmt.Printf("%s over %.4f, %.4f for the next %.0fh (min alt %.0f deg)\n\n",
		tgt.Name(), *lat, *lon, *hours, *minAlt)
	if len(passes) == 0 {
		fmt.Println("No passes found")
		return
	}

	fmt.Printf("%-19s  %7s  %-19s  %7s  %-19s  %7s  %9s\n",
		"RISE (UTC)", "AZI", "CULMINATE", "MAX ALT", "SET (UTC)", "AZI", "DURATION")
	for _, p := range passes {
		fmt.Printf("%-19s  %7.1f  %-19s  %7.1f  %-19s  %7.1f  %9s\n",
			p.Rise.UTC().Format("2006-01-02 15:04:05"),
			p.RiseAzi,
			p.Culminate.UTC().Format("2006-01-02 15:04:05"),
			p.MaxAlt,
			p.Set.UTC().Format("2006-01-02 15:04:05"),
			p.SetAzi,
			p.Set.Sub(p.Rise).Round(time.Second))
	}
}
