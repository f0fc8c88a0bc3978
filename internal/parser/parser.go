package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"fleet-replay/internal/logging"
	"fleet-replay/internal/models"
	"fleet-replay/internal/validation"
)

// Formats lists the supported input formats
var Formats = []string{"csv", "json", "log"}

// Parser handles parsing of telemetry data files
type Parser struct {
	format string
	loc    *time.Location
}

// NewParser creates a new parser with the specified format. Timestamps
// without a zone are read as UTC.
func NewParser(format string) *Parser {
	return &Parser{format: strings.ToLower(format), loc: time.UTC}
}

// WithLocation sets the zone for timestamps that carry none
func (p *Parser) WithLocation(loc *time.Location) *Parser {
	if loc != nil {
		p.loc = loc
	}
	return p
}

// ParseFile parses a telemetry data file
func (p *Parser) ParseFile(filename string) ([]models.Sample, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return p.Parse(file)
}

// Parse reads samples from r. Malformed records are logged and skipped.
func (p *Parser) Parse(r io.Reader) ([]models.Sample, error) {
	switch p.format {
	case "csv":
		return p.parseCSV(r)
	case "json":
		return p.parseJSON(r)
	case "log":
		return p.parseLog(r)
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseCSV parses CSV formatted telemetry data
func (p *Parser) parseCSV(r io.Reader) ([]models.Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}

	var results []models.Sample
	lineNum := 1

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		lineNum++
		if err != nil {
			return results, fmt.Errorf("error at line %d: %w", lineNum, err)
		}

		s, err := p.recordToSample(record, indices)
		if err != nil {
			logging.Warn().Int("line", lineNum).Err(err).Msg("skipping csv record")
			continue
		}
		results = append(results, s)
	}

	return results, nil
}

// recordToSample converts a CSV record to a Sample
func (p *Parser) recordToSample(record []string, indices map[string]int) (models.Sample, error) {
	var s models.Sample
	var err error

	getValue := func(keys ...string) string {
		for _, key := range keys {
			if idx, ok := indices[key]; ok && idx < len(record) {
				return strings.TrimSpace(record[idx])
			}
		}
		return ""
	}

	s.VehicleID = getValue("vehicle_id", "device_id")
	if s.VehicleID == "" {
		return s, fmt.Errorf("missing vehicle_id")
	}

	if s.Timestamp, err = p.parseTimestamp(getValue("timestamp", "time")); err != nil {
		return s, fmt.Errorf("invalid timestamp: %w", err)
	}
	if s.Latitude, err = strconv.ParseFloat(getValue("latitude", "lat"), 64); err != nil {
		return s, fmt.Errorf("invalid latitude: %w", err)
	}
	if s.Longitude, err = strconv.ParseFloat(getValue("longitude", "lon", "lng"), 64); err != nil {
		return s, fmt.Errorf("invalid longitude: %w", err)
	}
	if s.SpeedKmh, err = parseOptionalFloat(getValue("speed_kmh", "speed")); err != nil {
		return s, fmt.Errorf("invalid speed: %w", err)
	}
	if s.IgnitionOn, err = parseIgnition(getValue("ignition_on", "ignition")); err != nil {
		return s, err
	}

	s.Heading, _ = strconv.ParseFloat(getValue("heading"), 64)
	s.FuelLevel, _ = strconv.ParseFloat(getValue("fuel_level"), 64)
	s.OdometerKM, _ = strconv.ParseFloat(getValue("odometer_km"), 64)
	s.StatusFlags = getValue("status_flags", "flags")

	return s, nil
}

// parseJSON accepts a JSON array or newline-delimited JSON objects
func (p *Parser) parseJSON(r io.Reader) ([]models.Sample, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var results []models.Sample
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &results); err == nil {
			return results, nil
		}
	}
	return p.parseJSONLines(bytes.NewReader(data))
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]models.Sample, error) {
	var results []models.Sample
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "[" || line == "]" {
			continue
		}
		line = strings.TrimSuffix(line, ",")

		var s models.Sample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			logging.Warn().Int("line", lineNum).Err(err).Msg("skipping json record")
			continue
		}
		results = append(results, s)
	}

	return results, scanner.Err()
}

// parseLog parses the pipe format:
// timestamp|vehicle_id|lat,lon|speed|ignition|heading|fuel|odometer|flags
// Fields after lat,lon are optional.
func (p *Parser) parseLog(r io.Reader) ([]models.Sample, error) {
	var results []models.Sample
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		s, err := p.logLineToSample(strings.Split(line, "|"))
		if err != nil {
			logging.Warn().Int("line", lineNum).Err(err).Msg("skipping log record")
			continue
		}
		results = append(results, s)
	}

	return results, scanner.Err()
}

func (p *Parser) logLineToSample(parts []string) (models.Sample, error) {
	var s models.Sample
	var err error

	if len(parts) < 3 {
		return s, fmt.Errorf("insufficient fields")
	}
	field := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	if s.Timestamp, err = p.parseTimestamp(field(0)); err != nil {
		return s, fmt.Errorf("invalid timestamp: %w", err)
	}
	s.VehicleID = field(1)

	lat, lon, ok := strings.Cut(field(2), ",")
	if !ok {
		return s, fmt.Errorf("invalid coordinates %q", field(2))
	}
	if s.Latitude, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return s, fmt.Errorf("invalid latitude: %w", err)
	}
	if s.Longitude, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
		return s, fmt.Errorf("invalid longitude: %w", err)
	}
	if s.SpeedKmh, err = parseOptionalFloat(field(3)); err != nil {
		return s, fmt.Errorf("invalid speed: %w", err)
	}
	if s.IgnitionOn, err = parseIgnition(field(4)); err != nil {
		return s, err
	}
	s.Heading, _ = strconv.ParseFloat(field(5), 64)
	s.FuelLevel, _ = strconv.ParseFloat(field(6), 64)
	s.OdometerKM, _ = strconv.ParseFloat(field(7), 64)
	s.StatusFlags = field(8)

	return s, nil
}

// parseOptionalFloat returns nil for a blank field
func parseOptionalFloat(v string) (*float64, error) {
	if v == "" || strings.EqualFold(v, "null") {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// parseIgnition returns nil for a blank field
func parseIgnition(v string) (*bool, error) {
	switch strings.ToLower(v) {
	case "":
		return nil, nil
	case "1", "true", "on", "yes":
		return models.Bool(true), nil
	case "0", "false", "off", "no":
		return models.Bool(false), nil
	default:
		return nil, fmt.Errorf("invalid ignition value %q", v)
	}
}

// parseTimestamp tries multiple timestamp formats
func (p *Parser) parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, format := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	formats := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"01/02/2006 15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, p.loc); err == nil {
			return t, nil
		}
	}

	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// ValidateSample returns one message per invalid field
func ValidateSample(s *models.Sample) []string {
	var errs []string

	if err := validation.Struct(s); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				errs = append(errs, f.Message)
			}
		} else {
			errs = append(errs, err.Error())
		}
	}
	if s.Timestamp.IsZero() {
		errs = append(errs, "timestamp is required")
	}
	if s.SpeedKmh != nil {
		v := *s.SpeedKmh
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, "speed must be a finite number")
		} else if v < 0 {
			errs = append(errs, "speed cannot be negative")
		}
	}

	return errs
}
