package ftp

import (
	"context"
	_ "embed"
	"path"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/gonzalop/remotefs"
)

//go:embed zones.txt
var zoneList string

var zoneCatalogue = sync.OnceValue(func() []*time.Location {
	var zones []*time.Location
	for name := range strings.SplitSeq(zoneList, "\n") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			zones = append(zones, loc)
		}
	}
	return zones
})

// InferTimezone guesses the server clock's zone by comparing the LIST
// timestamp of a file in dir with its MDTM time, which is always UTC. The
// session's current zone is returned alone when it explains the offset;
// otherwise every known zone with a matching standard offset is returned.
// The result is empty when dir holds no file with a minute precision
// timestamp that MDTM can report.
func (s *Session) InferTimezone(ctx context.Context, dir *remotefs.Path) ([]*time.Location, error) {
	entries, err := s.listEntries(ctx, dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type != "file" || e.Absolute || e.Precision != PrecisionMinute {
			continue
		}
		utc, err := s.modTime(ctx, path.Join(dir.Location, e.Name))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Debug("MDTM failed during timezone inference", zap.String("name", e.Name), zap.Error(err))
			continue
		}
		offset := e.ModTime.Sub(utc.Truncate(time.Minute))
		s.logger.Debug("measured server clock offset", zap.String("file", e.Name), zap.Duration("offset", offset))
		return candidateZones(utc, offset, s.location), nil
	}
	return nil, nil
}

// candidateZones returns def if its offset at instant equals offset, or all
// catalogue zones whose standard offset equals offset.
func candidateZones(instant time.Time, offset time.Duration, def *time.Location) []*time.Location {
	secs := int(offset.Round(time.Minute).Seconds())
	if def != nil {
		if _, off := instant.In(def).Zone(); off == secs {
			return []*time.Location{def}
		}
	}
	var zones []*time.Location
	for _, loc := range zoneCatalogue() {
		if standardOffset(loc, instant.Year()) == secs {
			zones = append(zones, loc)
		}
	}
	return zones
}

// standardOffset approximates a zone's raw offset as the smaller of its
// January and July offsets.
func standardOffset(loc *time.Location, year int) int {
	_, jan := time.Date(year, time.January, 1, 12, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 12, 0, 0, 0, loc).Zone()
	return min(jan, jul)
}
