package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-replay/internal/models"
)

func TestParseCSV(t *testing.T) {
	input := `vehicle_id,timestamp,latitude,longitude,speed,ignition,heading,status_flags
VEH-001,2024-04-02T08:00:00Z,33.5731,-7.5898,0,off,90,
VEH-001,2024-04-02 08:00:10,33.5740,-7.5890,,,,EventName=Harsh Brake;
VEH-001,2024-04-02T08:00:20Z,33.5750,-7.5880,42.5,1,95,
,2024-04-02T08:00:30Z,33.5760,-7.5870,40,1,95,
VEH-001,not-a-time,33.5760,-7.5870,40,1,95,
`
	samples, err := NewParser("csv").Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, "VEH-001", samples[0].VehicleID)
	require.NotNil(t, samples[0].IgnitionOn)
	assert.False(t, *samples[0].IgnitionOn)
	assert.Equal(t, 0.0, *samples[0].SpeedKmh)

	assert.Nil(t, samples[1].SpeedKmh, "blank speed is missing, not zero")
	assert.Nil(t, samples[1].IgnitionOn)
	assert.Equal(t, "Harsh Brake", samples[1].EventName())
	assert.Equal(t, time.Date(2024, 4, 2, 8, 0, 10, 0, time.UTC), samples[1].Timestamp)

	assert.Equal(t, 42.5, *samples[2].SpeedKmh)
	assert.True(t, samples[2].Ignition())
}

func TestParseCSVLocation(t *testing.T) {
	loc := time.FixedZone("WET+1", 3600)
	input := "vehicle_id,timestamp,lat,lng\nVEH-9,2024-04-02 08:00:00,33.5,-7.6\n"
	samples, err := NewParser("csv").WithLocation(loc).Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, time.Date(2024, 4, 2, 7, 0, 0, 0, time.UTC), samples[0].Timestamp.UTC())
}

func TestParseJSON(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		input := `[{"vehicle_id":"VEH-1","timestamp":"2024-04-02T08:00:00Z","latitude":33.5,"longitude":-7.6,"speed_kmh":55},
		{"vehicle_id":"VEH-1","timestamp":"2024-04-02T08:00:05Z","latitude":33.6,"longitude":-7.6}]`
		samples, err := NewParser("json").Parse(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, samples, 2)
		assert.Equal(t, 55.0, *samples[0].SpeedKmh)
		assert.Nil(t, samples[1].SpeedKmh)
	})

	t.Run("lines", func(t *testing.T) {
		input := `{"vehicle_id":"VEH-1","timestamp":"2024-04-02T08:00:00Z","latitude":33.5,"longitude":-7.6,"ignition_on":false}
{broken
{"vehicle_id":"VEH-1","timestamp":"2024-04-02T08:00:05Z","latitude":33.6,"longitude":-7.6,"speed_kmh":12}
`
		samples, err := NewParser("json").Parse(strings.NewReader(input))
		require.NoError(t, err)
		require.Len(t, samples, 2)
		assert.False(t, samples[0].Ignition())
		assert.Equal(t, 12.0, *samples[1].SpeedKmh)
	})
}

func TestParseLog(t *testing.T) {
	input := `# fleet log
2024-04-02T08:00:00Z|VEH-7|33.5731,-7.5898|0|0|0|80|1200|
2024-04-02T08:00:10Z|VEH-7|33.5740,-7.5890
2024-04-02T08:00:20Z|VEH-7|33.5750,-7.5880|64|on|95|79|1201|EventName=Overspeed
2024-04-02T08:00:30Z|VEH-7|bad
`
	samples, err := NewParser("log").Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.False(t, samples[0].Ignition())
	assert.Equal(t, 1200.0, samples[0].OdometerKM)
	assert.Nil(t, samples[1].SpeedKmh)
	assert.Equal(t, "Overspeed", samples[2].EventName())
	assert.Equal(t, 64.0, samples[2].Speed())
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "route.csv")
	require.NoError(t, os.WriteFile(path, []byte("vehicle_id,timestamp,latitude,longitude\nV,1712044800,1,2\n"), 0o600))

	samples, err := NewParser("CSV").ParseFile(path)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(1712044800), samples[0].Timestamp.Unix())

	_, err = NewParser("xml").ParseFile(path)
	assert.Error(t, err)
	_, err = NewParser("csv").ParseFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestValidateSample(t *testing.T) {
	ts := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	valid := models.Sample{VehicleID: "V", Timestamp: ts, Latitude: 33.5, Longitude: -7.6, SpeedKmh: models.Float(40)}
	assert.Empty(t, ValidateSample(&valid))

	tests := []struct {
		name   string
		mutate func(s *models.Sample)
	}{
		{"missing vehicle", func(s *models.Sample) { s.VehicleID = "" }},
		{"latitude", func(s *models.Sample) { s.Latitude = 91 }},
		{"longitude", func(s *models.Sample) { s.Longitude = -181 }},
		{"negative speed", func(s *models.Sample) { s.SpeedKmh = models.Float(-1) }},
		{"fuel", func(s *models.Sample) { s.FuelLevel = 120 }},
		{"timestamp", func(s *models.Sample) { s.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.Len(t, ValidateSample(&s), 1)
		})
	}
}
