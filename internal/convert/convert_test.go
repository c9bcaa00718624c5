package convert

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFitFile(t *testing.T, path string, withPositions bool) {
	t.Helper()

	start := time.Date(2025, 6, 14, 6, 0, 0, 0, time.UTC)
	fit := &proto.FIT{}

	fileID := mesgdef.NewFileId(nil).
		SetType(typedef.FileActivity).
		SetManufacturer(typedef.ManufacturerDevelopment).
		SetProduct(1).
		SetTimeCreated(start)
	fit.Messages = append(fit.Messages, fileID.ToMesg(nil))

	for i := 0; i < 3; i++ {
		rec := mesgdef.NewRecord(nil).
			SetTimestamp(start.Add(time.Duration(i) * time.Second))
		if withPositions {
			lat := int32((40.0 + float64(i)*0.001) * semicirclesPerDegree)
			lon := int32((-105.0 - float64(i)*0.001) * semicirclesPerDegree)
			rec.SetPositionLat(lat).
				SetPositionLong(lon).
				SetAltitude(uint16((1600 + 500) * 5))
		}
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}

	session := mesgdef.NewSession(nil).
		SetTimestamp(start).
		SetStartTime(start).
		SetSport(typedef.SportRunning)
	fit.Messages = append(fit.Messages, session.ToMesg(nil))

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, encoder.New(f).Encode(fit))
}

func TestFITToGPX(t *testing.T) {
	dir := t.TempDir()
	fitPath := filepath.Join(dir, "activity.fit")
	gpxPath := filepath.Join(dir, "activity.gpx")
	writeFitFile(t, fitPath, true)

	require.NoError(t, FITToGPX(fitPath, gpxPath))

	raw, err := os.ReadFile(gpxPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), xml.Header))

	var doc gpxFile
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Equal(t, "1.1", doc.Version)
	require.Len(t, doc.Track.Segments, 1)
	points := doc.Track.Segments[0].Points
	require.Len(t, points, 3)

	assert.InDelta(t, 40.0, points[0].Lat, 1e-4)
	assert.InDelta(t, -105.0, points[0].Lon, 1e-4)
	require.NotNil(t, points[0].Elevation)
	assert.InDelta(t, 1600, *points[0].Elevation, 1)
	assert.Equal(t, "2025-06-14T06:00:00Z", points[0].Time)
	assert.Equal(t, "2025-06-14T06:00:02Z", points[2].Time)
}

func TestFITToGPXNoTrackPoints(t *testing.T) {
	dir := t.TempDir()
	fitPath := filepath.Join(dir, "indoor.fit")
	writeFitFile(t, fitPath, false)

	err := FITToGPX(fitPath, filepath.Join(dir, "indoor.gpx"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no GPS track points")
}

func TestFITToGPXMissingInput(t *testing.T) {
	dir := t.TempDir()
	err := FITToGPX(filepath.Join(dir, "absent.fit"), filepath.Join(dir, "out.gpx"))
	assert.Error(t, err)
}
