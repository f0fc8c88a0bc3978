package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"fleet-replay/internal/geojson"
	"fleet-replay/internal/models"
	"fleet-replay/internal/playback"
	"fleet-replay/internal/service"
	"fleet-replay/internal/speed"
	"fleet-replay/internal/stats"
)

// rangeFlags selects a route window from the command line
type rangeFlags struct {
	preset string
	from   string
	to     string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.preset, "preset", models.PresetToday, "Date range preset (today, yesterday, last7days, thisWeek, thisMonth, last30days)")
	cmd.Flags().StringVar(&f.from, "from", "", "Range start (RFC3339 or YYYY-MM-DD), overrides --preset")
	cmd.Flags().StringVar(&f.to, "to", "", "Range end (RFC3339 or YYYY-MM-DD); a bare date covers the whole day")
}

func parseBound(v string, loc *time.Location, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (use RFC3339 or YYYY-MM-DD)", v)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

func (f *rangeFlags) resolve(loc *time.Location) (models.DateRange, error) {
	if f.from == "" && f.to == "" {
		return models.RangeForPreset(f.preset, time.Now(), loc)
	}
	if f.from == "" || f.to == "" {
		return models.DateRange{}, fmt.Errorf("--from and --to must be given together")
	}
	start, err := parseBound(f.from, loc, false)
	if err != nil {
		return models.DateRange{}, err
	}
	end, err := parseBound(f.to, loc, true)
	if err != nil {
		return models.DateRange{}, err
	}
	return models.DateRange{Start: start, End: end}, nil
}

// withRoute opens the database, loads a route and hands it to fn
func withRoute(ctx context.Context, vehicleID string, rf *rangeFlags, fn func(*service.Routes, *models.Route) error) error {
	if err := initDB(); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer database.Close()

	routes, err := newRoutes()
	if err != nil {
		return err
	}
	defer routes.Close()

	rng, err := rf.resolve(routes.Location())
	if err != nil {
		return err
	}
	route, err := routes.Load(ctx, vehicleID, rng)
	if err != nil {
		return err
	}
	if route.Len() == 0 {
		return fmt.Errorf("no samples for %s between %s and %s", vehicleID,
			rng.Start.Format(time.RFC3339), rng.End.Format(time.RFC3339))
	}
	return fn(routes, route)
}

// routeCmd groups route analytics
func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route analytics commands",
	}
	cmd.AddCommand(routeStatsCmd(), routeTimelineCmd(), routeGeoJSONCmd())
	return cmd
}

func routeStatsCmd() *cobra.Command {
	var rf rangeFlags
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "stats [vehicle_id]",
		Short: "Show distance, speed and stop statistics for a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoute(cmd.Context(), args[0], &rf, func(routes *service.Routes, route *models.Route) error {
				snap := routes.Snapshot(route)
				if outputFormat == "json" {
					return printJSON(snap)
				}
				printSnapshot(route.VehicleID, snap, routes.Aggregator().Classifier())
				return nil
			})
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func printSnapshot(vehicleID string, snap *stats.Snapshot, c *speed.Classifier) {
	fmt.Printf("Route Statistics for %s\n", vehicleID)
	fmt.Println("==========================================")
	fmt.Printf("  Window:           %s - %s\n", snap.StartTime.Format("2006-01-02 15:04:05"), snap.EndTime.Format("15:04:05"))
	fmt.Printf("  Samples:          %d (%.1f%% usable)\n", snap.SampleCount, snap.DataQuality)
	fmt.Printf("  Distance:         %.2f km\n", snap.TotalDistanceKm)
	fmt.Printf("  Duration:         %s\n", stats.FormatDuration(snap.TotalDuration))
	fmt.Printf("  Moving / Stopped: %s / %s\n", stats.FormatDuration(snap.MovingDuration), stats.FormatDuration(snap.StoppedDuration))
	fmt.Printf("  Average Speed:    %.1f km/h (moving %.1f km/h)\n", snap.AverageSpeedKmh, snap.MovingAverageSpeedKmh)
	fmt.Printf("  Maximum Speed:    %.1f km/h\n", snap.MaxSpeedKmh)
	fmt.Printf("  Fuel / CO2:       %.2f L / %.2f kg\n", snap.EstimatedFuelLitres, snap.CO2Kg)

	fmt.Println("\n  Time by category:")
	for _, cat := range speed.All {
		if d := snap.TimeByCategory[cat]; d > 0 {
			fmt.Printf("    %-24s %10s %8.2f km\n", c.Label(cat), stats.FormatDuration(d), snap.DistanceByCategory[cat])
		}
	}

	if len(snap.Stops) > 0 {
		fmt.Printf("\n  Stops (%d):\n", len(snap.Stops))
		for _, s := range snap.Stops {
			fmt.Printf("    %s  %-8s %-6s at %.5f,%.5f\n", s.Start.Format("15:04:05"),
				stats.FormatDuration(s.Duration), s.Type, s.Position.Lat, s.Position.Lng)
		}
	}
	if len(snap.Violations) > 0 {
		fmt.Printf("\n  Speed violations (%d):\n", len(snap.Violations))
		for _, v := range snap.Violations {
			fmt.Printf("    %s  %-8s peak %.1f km/h (limit %.0f)\n", v.Start.Format("15:04:05"),
				stats.FormatDuration(v.Duration), v.PeakSpeedKmh, v.LimitKmh)
		}
	}
	if len(snap.Events) > 0 {
		fmt.Printf("\n  Events (%d):\n", len(snap.Events))
		for _, e := range snap.Events {
			fmt.Printf("    %s  %s\n", e.Time.Format("15:04:05"), e.Name)
		}
	}
}

func routeTimelineCmd() *cobra.Command {
	var rf rangeFlags
	var markers int

	cmd := &cobra.Command{
		Use:   "timeline [vehicle_id]",
		Short: "Print scrub-bar markers for a route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoute(cmd.Context(), args[0], &rf, func(routes *service.Routes, route *models.Route) error {
				mapper, err := routes.Timeline(route)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("markers") {
					markers = routes.MaxMarkers()
				}
				fmt.Printf("%d samples, %s - %s\n\n", mapper.Len(), mapper.LabelAt(0), mapper.LabelAt(mapper.Last()))
				for _, m := range mapper.Markers(markers) {
					fmt.Printf("  %5.1f%%  #%-6d %s\n", m.Progress*100, m.Index, m.Label)
				}
				return nil
			})
		},
	}

	rf.register(cmd)
	cmd.Flags().IntVarP(&markers, "markers", "m", 20, "Maximum number of markers")
	return cmd
}

func routeGeoJSONCmd() *cobra.Command {
	var rf rangeFlags
	var noMerge bool
	var output string

	cmd := &cobra.Command{
		Use:   "geojson [vehicle_id]",
		Short: "Export a route as a GeoJSON FeatureCollection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoute(cmd.Context(), args[0], &rf, func(routes *service.Routes, route *models.Route) error {
				opts := geojson.DefaultOptions()
				opts.MergeSegments = !noMerge
				fc := geojson.Build(route.VehicleID, routes.Aggregator().Segments(route.Samples), routes.Snapshot(route), opts)
				if output == "" {
					return printJSON(fc)
				}

				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()
				if err := json.NewEncoder(file).Encode(fc); err != nil {
					return fmt.Errorf("error writing geojson: %w", err)
				}
				fmt.Printf("Wrote %d features to %s\n", len(fc.Features), output)
				return nil
			})
		},
	}

	rf.register(cmd)
	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "Emit one line per sample pair instead of merged runs")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

// replayCmd plays a route back in the terminal
func replayCmd() *cobra.Command {
	var rf rangeFlags
	var rate float64
	var interval time.Duration
	var from float64

	cmd := &cobra.Command{
		Use:   "replay [vehicle_id]",
		Short: "Replay a route sample by sample",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg := cfg.Playback
			if cmd.Flags().Changed("interval") {
				pcfg.BaseInterval = interval
			}
			if cmd.Flags().Changed("rate") {
				pcfg.InitialRate = rate
				if rate > pcfg.MaxRate {
					pcfg.MaxRate = rate
				}
				if rate < pcfg.MinRate {
					pcfg.MinRate = rate
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withRoute(ctx, args[0], &rf, func(routes *service.Routes, route *models.Route) error {
				mapper, err := routes.Timeline(route)
				if err != nil {
					return err
				}
				classifier := routes.Aggregator().Classifier()

				states := make(chan playback.State, 64)
				ctrl, err := playback.New(mapper, pcfg, playback.WithOnChange(func(st playback.State) {
					select {
					case states <- st:
					default:
					}
				}))
				if err != nil {
					return err
				}
				defer ctrl.Close()

				if err := ctrl.SeekProgress(from); err != nil {
					return err
				}
				if err := ctrl.Play(); err != nil {
					return err
				}

				fmt.Printf("Replaying %s: %d samples at %gx (Ctrl+C to stop)\n\n", route.VehicleID, mapper.Len(), ctrl.State().Rate)
				var last uint64
				for {
					select {
					case <-ctx.Done():
						fmt.Println("\nstopped")
						return nil
					case st := <-states:
						if st.Version <= last {
							continue
						}
						last = st.Version
						f := mapper.FrameAt(st.Index)
						cur := &f.Current
						cat := classifier.Classify(cur.SpeedKmh, cur.Ignition())
						spd := "   n/a"
						if cur.HasSpeed() {
							spd = fmt.Sprintf("%6.1f", cur.Speed())
						}
						line := fmt.Sprintf("[%s] %5.1f%%  %s km/h  %-11s %.5f,%.5f", f.Label, f.Progress, spd, cat, cur.Latitude, cur.Longitude)
						if name := cur.EventName(); name != "" {
							line += "  " + strings.ToUpper(name)
						}
						fmt.Println(line)
						if !st.Playing && st.Index == mapper.Last() {
							fmt.Println("\nend of route")
							return nil
						}
					}
				}
			})
		},
	}

	rf.register(cmd)
	cmd.Flags().Float64VarP(&rate, "rate", "r", 1, "Playback rate multiplier")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Wall time per sample at 1x")
	cmd.Flags().Float64Var(&from, "from-progress", 0, "Start position as a 0-1 ratio")
	return cmd
}
