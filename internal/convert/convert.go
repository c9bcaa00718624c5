// Package convert turns FIT activity files into GPX 1.1 documents.
// OneDrive destinations use it so footprint mapping apps that only read
// GPX can consume the uploads.
package convert

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
)

// FIT encodes positions as semicircles: 2^31 / 180 per degree.
const semicirclesPerDegree = 11930464.7111

// invalid sentinel values per the FIT profile.
const (
	invalidSemicircles = 0x7FFFFFFF
	invalidAltitude    = 0xFFFF
)

type gpxFile struct {
	XMLName xml.Name `xml:"gpx"`
	Version string   `xml:"version,attr"`
	Creator string   `xml:"creator,attr"`
	Xmlns   string   `xml:"xmlns,attr"`
	Track   gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name     string     `xml:"name,omitempty"`
	Segments []gpxTrkSeg `xml:"trkseg"`
}

type gpxTrkSeg struct {
	Points []gpxTrkPt `xml:"trkpt"`
}

type gpxTrkPt struct {
	Lat       float64  `xml:"lat,attr"`
	Lon       float64  `xml:"lon,attr"`
	Elevation *float64 `xml:"ele,omitempty"`
	Time      string   `xml:"time,omitempty"`
}

// Point is one decoded track point.
type Point struct {
	Lat       float64
	Lon       float64
	Elevation *float64
	Time      time.Time
}

// FITToGPX decodes the FIT file at inPath and writes a GPX 1.1 track to
// outPath. FIT files without positional records (indoor workouts) produce
// an error rather than an empty track.
func FITToGPX(inPath, outPath string) error {
	points, name, err := decodeTrack(inPath)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return fmt.Errorf("no GPS track points in %s", inPath)
	}
	return writeGPX(outPath, name, points)
}

func decodeTrack(path string) ([]Point, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open FIT file: %w", err)
	}
	defer f.Close()

	dec := decoder.New(f)
	var points []Point
	var name string

	for dec.Next() {
		fitData, err := dec.Decode()
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode FIT file: %w", err)
		}

		for i := range fitData.Messages {
			msg := &fitData.Messages[i]
			switch msg.Num {
			case typedef.MesgNumRecord:
				rec := mesgdef.NewRecord(msg)
				if rec.PositionLat == invalidSemicircles || rec.PositionLong == invalidSemicircles {
					continue
				}
				p := Point{
					Lat:  float64(rec.PositionLat) / semicirclesPerDegree,
					Lon:  float64(rec.PositionLong) / semicirclesPerDegree,
					Time: rec.Timestamp.UTC(),
				}
				if rec.Altitude != invalidAltitude {
					// FIT altitude scale: 5 * (meters + 500).
					ele := float64(rec.Altitude)/5 - 500
					p.Elevation = &ele
				}
				points = append(points, p)

			case typedef.MesgNumSession:
				session := mesgdef.NewSession(msg)
				if name == "" && session.SportProfileName != "" {
					name = session.SportProfileName
				}
				if name == "" && session.Sport != typedef.SportInvalid {
					name = session.Sport.String()
				}
			}
		}
	}

	return points, name, nil
}

func writeGPX(path, name string, points []Point) error {
	trkpts := make([]gpxTrkPt, 0, len(points))
	for _, p := range points {
		pt := gpxTrkPt{Lat: p.Lat, Lon: p.Lon, Elevation: p.Elevation}
		if !p.Time.IsZero() {
			pt.Time = p.Time.UTC().Format(time.RFC3339)
		}
		trkpts = append(trkpts, pt)
	}

	doc := gpxFile{
		Version: "1.1",
		Creator: "fitbridge-sync",
		Xmlns:   "http://www.topografix.com/GPX/1/1",
		Track: gpxTrack{
			Name:     name,
			Segments: []gpxTrkSeg{{Points: trkpts}},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode GPX document: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(xml.Header), body...), 0o644); err != nil {
		return fmt.Errorf("failed to write GPX file: %w", err)
	}
	return nil
}
