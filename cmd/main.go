package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fleet-replay/internal/api"
	"fleet-replay/internal/config"
	"fleet-replay/internal/db"
	"fleet-replay/internal/logging"
	"fleet-replay/internal/models"
	"fleet-replay/internal/parser"
	"fleet-replay/internal/service"
)

var (
	dbPath     string
	configPath string
	cfg        *config.Config
	database   *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-replay",
		Short: "Fleet Replay - GPS route analytics and playback",
		Long: `A CLI tool for ingesting vehicle GPS telemetry, computing route
statistics (distance, speed categories, stops, violations) and replaying
routes sample by sample, with SQLite storage and REST/WebSocket access.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "fleet_telemetry.db", "Path to SQLite database")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(vehicleCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment. An explicit --db wins
// over both.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if f := cmd.Flag("db"); f != nil && f.Changed {
		cfg.Database.Path = dbPath
	}
	logging.Init(cfg.Logging.Logger())
	return nil
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path)
	return err
}

// newRoutes builds the route service over the open database
func newRoutes() (*service.Routes, error) {
	agg, err := cfg.Analysis.Aggregator()
	if err != nil {
		return nil, err
	}
	tl, err := cfg.Timeline.Options()
	if err != nil {
		return nil, err
	}
	return service.NewRoutes(database, agg, service.Config{
		Timeline:       tl,
		MaxMarkers:     cfg.Timeline.MaxMarkers,
		CacheMaxRoutes: cfg.Analysis.CacheMaxRoutes,
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"serve"},
		Short:   "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			routes, err := newRoutes()
			if err != nil {
				return err
			}
			defer routes.Close()

			sessions, err := service.NewSessions(routes, cfg.Playback)
			if err != nil {
				return err
			}

			server := api.NewServer(database, routes, sessions, api.Options{
				RateLimitRPS:      cfg.Server.RateLimitRPS,
				RateLimitBurst:    cfg.Server.RateLimitBurst,
				RateLimitDisabled: cfg.Server.RateLimitDisabled,
				WebDir:            cfg.Server.WebDir,
			})
			defer server.Close()

			httpServer := &http.Server{
				Addr:         cfg.Server.Addr(),
				Handler:      server.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Info().
					Str("addr", httpServer.Addr).
					Str("database", cfg.Database.Path).
					Msg("fleet replay API server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logging.Info().Msg("shutting down")
				sessions.CloseAll()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port")
	return cmd
}

// ingestCmd ingests telemetry data from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool
	var tz string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest telemetry data from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := time.UTC
			if tz != "" {
				var err error
				if loc, err = time.LoadLocation(tz); err != nil {
					return fmt.Errorf("invalid timezone: %w", err)
				}
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			p := parser.NewParser(format).WithLocation(loc)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				if validate {
					valid := records[:0]
					for i := range records {
						if errs := parser.ValidateSample(&records[i]); len(errs) == 0 {
							valid = append(valid, records[i])
						} else {
							logging.Warn().
								Str("file", file).
								Str("vehicle_id", records[i].VehicleID).
								Strs("errors", errs).
								Msg("skipping invalid sample")
							totalErrors++
						}
					}
					records = valid
				}

				count, err := database.InsertSamples(ctx, records, "file")
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					continue
				}

				elapsed := time.Since(start)
				fmt.Printf("  Inserted %d records in %v (%.0f records/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			fmt.Printf("\nTotal: %d records ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate records before inserting")
	cmd.Flags().StringVar(&tz, "tz", "", "Timezone for timestamps without an offset (default UTC)")
	return cmd
}

func formatSpeed(s *models.Sample) string {
	if !s.HasSpeed() {
		return "   n/a"
	}
	return fmt.Sprintf("%6.1f", s.Speed())
}

// queryCmd queries telemetry data
func queryCmd() *cobra.Command {
	var vehicleID string
	var startTime string
	var endTime string
	var limit int
	var ascending bool
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query telemetry data",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := models.TelemetryQuery{
				VehicleID: vehicleID,
				Limit:     limit,
				Ascending: ascending,
			}

			if startTime != "" {
				t, err := time.Parse(time.RFC3339, startTime)
				if err != nil {
					return fmt.Errorf("invalid start_time format (use RFC3339): %w", err)
				}
				q.StartTime = t
			}

			if endTime != "" {
				t, err := time.Parse(time.RFC3339, endTime)
				if err != nil {
					return fmt.Errorf("invalid end_time format (use RFC3339): %w", err)
				}
				q.EndTime = t
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			start := time.Now()
			results, err := database.QueryTelemetry(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				return printJSON(results)
			default:
				fmt.Printf("Found %d records (query time: %v)\n\n", len(results), elapsed)
				for i := range results {
					r := &results[i]
					ignition := "?"
					if r.IgnitionOn != nil {
						ignition = map[bool]string{true: "on", false: "off"}[*r.IgnitionOn]
					}
					fmt.Printf("[%s] Vehicle: %s | Pos: %.6f,%.6f | Speed: %s km/h | Ignition: %s\n",
						r.Timestamp.Format("2006-01-02 15:04:05"),
						r.VehicleID, r.Latitude, r.Longitude,
						formatSpeed(r), ignition)
					if name := r.EventName(); name != "" {
						fmt.Printf("     Event: %s\n", name)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&vehicleID, "vehicle", "V", "", "Filter by vehicle ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().BoolVar(&ascending, "asc", false, "Oldest first")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			st, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("Fleet Replay Statistics")
			fmt.Println("=======================")
			fmt.Printf("  Total Vehicles:     %d\n", st.Vehicles)
			fmt.Printf("  Telemetry Records:  %d\n", st.TelemetryRecords)
			fmt.Printf("  Flagged Samples:    %d\n", st.FlaggedSamples)
			fmt.Printf("  Missing Speed:      %d\n", st.MissingSpeed)
			fmt.Printf("  Database:           %s\n", cfg.Database.Path)

			return nil
		},
	}
}

// vehicleCmd manages vehicles
func vehicleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Vehicle management commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			vehicles, err := database.ListVehicles(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing vehicles: %w", err)
			}

			if len(vehicles) == 0 {
				fmt.Println("No vehicles found. Use 'fleet-replay generate' to create sample data.")
				return nil
			}

			fmt.Printf("%-10s %-20s %-12s %-10s\n", "ID", "Name", "Plate", "Type")
			fmt.Println(strings.Repeat("-", 55))
			for _, v := range vehicles {
				fmt.Printf("%-10s %-20s %-12s %-10s\n", v.ID, v.Name, v.LicensePlate, v.VehicleType)
			}

			return nil
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary [vehicle_id]",
		Short: "Show vehicle telemetry summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			start := time.Now()
			summary, err := database.GetTelemetrySummary(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			elapsed := time.Since(start)

			fmt.Printf("Telemetry Summary for %s (query: %v)\n", args[0], elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Total Records:    %d\n", summary.TotalRecords)
			fmt.Printf("  First Seen:       %s\n", summary.FirstSeen.Format(time.RFC3339))
			fmt.Printf("  Last Seen:        %s\n", summary.LastSeen.Format(time.RFC3339))
			fmt.Printf("  Average Speed:    %.1f km/h\n", summary.AvgSpeed)
			fmt.Printf("  Maximum Speed:    %.1f km/h\n", summary.MaxSpeed)
			fmt.Printf("  Odometer:         %.1f km\n", summary.OdometerKM)

			return nil
		},
	}

	cmd.AddCommand(listCmd, summaryCmd)
	return cmd
}
