package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"fleet-replay/internal/models"
)

// leg is one phase of a synthetic drive
type leg struct {
	samples  int
	speedKmh float64 // target; 0 parks the vehicle
	ignition bool
}

// drivePlan is a workday: warm up, city, highway with a burst over the
// limit, back to town, then parked with the engine off
var drivePlan = []leg{
	{samples: 6, speedKmh: 0, ignition: true},
	{samples: 30, speedKmh: 35, ignition: true},
	{samples: 12, speedKmh: 15, ignition: true},
	{samples: 40, speedKmh: 85, ignition: true},
	{samples: 10, speedKmh: 125, ignition: true},
	{samples: 30, speedKmh: 70, ignition: true},
	{samples: 20, speedKmh: 0, ignition: true},
	{samples: 25, speedKmh: 40, ignition: true},
	{samples: 15, speedKmh: 0, ignition: false},
}

type generator struct {
	rng      *rand.Rand
	interval time.Duration
	missing  float64
}

// route produces a plausible drive for one vehicle starting at start
func (g *generator) route(vehicleID string, start time.Time, lat, lon float64) []models.Sample {
	var out []models.Sample
	heading := g.rng.Float64() * 360
	odometer := float64(50000 + g.rng.Intn(100000))
	fuel := 40 + g.rng.Float64()*60
	ts := start

	for _, l := range drivePlan {
		for i := 0; i < l.samples; i++ {
			v := 0.0
			if l.speedKmh > 0 {
				v = math.Max(1, l.speedKmh+g.rng.NormFloat64()*l.speedKmh*0.1)
				heading = math.Mod(heading+g.rng.NormFloat64()*8+360, 360)
			}

			distKm := v * g.interval.Hours()
			lat, lon = step(lat, lon, heading, distKm)
			odometer += distKm
			fuel = math.Max(5, fuel-distKm*0.08)

			s := models.Sample{
				VehicleID:  vehicleID,
				Timestamp:  ts,
				Latitude:   lat,
				Longitude:  lon,
				SpeedKmh:   models.Float(math.Round(v*10) / 10),
				IgnitionOn: models.Bool(l.ignition),
				Heading:    math.Round(heading),
				OdometerKM: math.Round(odometer*10) / 10,
				FuelLevel:  math.Round(fuel*10) / 10,
			}
			if g.rng.Float64() < g.missing {
				s.SpeedKmh = nil
			}
			switch {
			case l.speedKmh >= 100 && i == 0:
				s.StatusFlags = "EventName=harsh_acceleration"
			case l.speedKmh == 0 && l.ignition && i == 0 && len(out) > 0:
				s.StatusFlags = "EventName=harsh_braking"
			case !l.ignition && i == 0:
				s.StatusFlags = "EventName=ignition_off"
			}
			out = append(out, s)
			ts = ts.Add(g.interval)
		}
	}
	return out
}

// step moves a point distKm along heading on a spherical earth
func step(lat, lon, heading, distKm float64) (float64, float64) {
	const earthRadiusKm = 6371.0
	if distKm <= 0 {
		return lat, lon
	}
	d := distKm / earthRadiusKm
	brg := heading * math.Pi / 180
	lat1 := lat * math.Pi / 180
	lon1 := lon * math.Pi / 180
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))
	return lat2 * 180 / math.Pi, math.Mod(lon2*180/math.Pi+540, 360) - 180
}

// generateCmd generates sample telemetry data
func generateCmd() *cobra.Command {
	var vehicleCount int
	var interval time.Duration
	var days int
	var missing float64
	var seed int64
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample drives for replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if vehicleCount < 1 || days < 1 {
				return fmt.Errorf("vehicles and days must be positive")
			}
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			g := &generator{rng: rand.New(rand.NewSource(seed)), interval: interval, missing: missing}

			vehicleTypes := []string{"Truck", "Van", "Sedan", "SUV"}
			var records []models.Sample
			tl, err := cfg.Timeline.Options()
			if err != nil {
				return err
			}
			now := time.Now().In(tl.Location)
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, tl.Location)

			for i := 1; i <= vehicleCount; i++ {
				v := models.Vehicle{
					ID:           fmt.Sprintf("VEH-%03d", i),
					Name:         fmt.Sprintf("Vehicle %d", i),
					LicensePlate: fmt.Sprintf("FL-%04d", g.rng.Intn(10000)),
					VehicleType:  vehicleTypes[g.rng.Intn(len(vehicleTypes))],
				}
				if err := database.InsertVehicle(ctx, &v); err != nil {
					fmt.Printf("  Skipping vehicle %s: %v\n", v.ID, err)
				}

				// Casablanca area
				lat := 33.5731 + (g.rng.Float64()-0.5)*0.1
				lon := -7.5898 + (g.rng.Float64()-0.5)*0.1
				for d := days - 1; d >= 0; d-- {
					start := today.AddDate(0, 0, -d).Add(7*time.Hour + time.Duration(g.rng.Intn(120))*time.Minute)
					drive := g.route(v.ID, start, lat, lon)
					records = append(records, drive...)
				}
			}

			fmt.Printf("Created %d vehicles\n", vehicleCount)

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(records); i += batchSize {
				end := i + batchSize
				if end > len(records) {
					end = len(records)
				}
				count, err := database.InsertSamples(ctx, records[i:end], "generate")
				if err != nil {
					return fmt.Errorf("insert error: %w", err)
				}
				inserted += int(count)
				fmt.Printf("\rInserted %d/%d records...", inserted, len(records))
			}

			elapsed := time.Since(start)
			fmt.Printf("\nGenerated %d telemetry records in %v (%.0f records/sec, seed %d)\n",
				inserted, elapsed, float64(inserted)/elapsed.Seconds(), seed)

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(records); err != nil {
					return fmt.Errorf("error exporting data: %w", err)
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&vehicleCount, "vehicles", "n", 5, "Number of vehicles to create")
	cmd.Flags().IntVarP(&days, "days", "d", 1, "Days of driving per vehicle, ending today")
	cmd.Flags().DurationVarP(&interval, "interval", "i", 15*time.Second, "Time between samples")
	cmd.Flags().Float64Var(&missing, "missing-speed", 0.02, "Fraction of samples sent without a speed")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default: time based)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated data to JSON file")
	return cmd
}
