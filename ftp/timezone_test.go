package ftp

import (
	"net"
	"net/textproto"
	"testing"
	"time"

	"github.com/gonzalop/remotefs"
)

func TestZoneCatalogue(t *testing.T) {
	t.Parallel()
	zones := zoneCatalogue()
	if len(zones) < 100 {
		t.Fatalf("catalogue has %d zones", len(zones))
	}
	if zones[0].String() != "UTC" {
		t.Errorf("first zone = %s, want UTC", zones[0])
	}
}

func TestStandardOffset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		zone string
		want int
	}{
		{"UTC", 0},
		{"Europe/Berlin", 3600},
		{"America/New_York", -5 * 3600},
		{"Australia/Sydney", 10 * 3600},
		{"Asia/Kolkata", 5*3600 + 1800},
	}
	for _, tt := range tests {
		loc, err := time.LoadLocation(tt.zone)
		if err != nil {
			t.Fatal(err)
		}
		if got := standardOffset(loc, 2024); got != tt.want {
			t.Errorf("standardOffset(%s) = %d, want %d", tt.zone, got, tt.want)
		}
	}
}

func TestCandidateZones(t *testing.T) {
	t.Parallel()
	summer := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	berlin, _ := time.LoadLocation("Europe/Berlin")

	// Berlin is at +2 in summer, so the default zone explains the offset.
	if got := candidateZones(summer, 2*time.Hour, berlin); len(got) != 1 || got[0] != berlin {
		t.Errorf("candidateZones(+2h, Berlin) = %v", got)
	}

	got := candidateZones(summer, 5*time.Hour+30*time.Minute, time.UTC)
	if len(got) == 0 {
		t.Fatal("no candidates for +05:30")
	}
	found := false
	for _, loc := range got {
		if standardOffset(loc, 2024) != 5*3600+1800 {
			t.Errorf("candidate %s has the wrong offset", loc)
		}
		if loc.String() == "Asia/Kolkata" {
			found = true
		}
	}
	if !found {
		t.Errorf("Asia/Kolkata missing from %v", got)
	}

	if got := candidateZones(summer, 17*time.Minute, time.UTC); len(got) != 0 {
		t.Errorf("candidates for an odd offset = %v", got)
	}
}

// scriptTimezone makes the server list one file whose LIST time is the
// wall clock at offset from its MDTM time.
func scriptTimezone(ms *mockServer, offset time.Duration) time.Time {
	utc := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Minute)
	wall := utc.Add(offset)
	ms.enablePassive()
	ms.handle("LIST", func(c *textproto.Conn, args string) {
		ms.sendData(c, listing(
			"drwxr-xr-x   2 ftp ftp 4096 "+wall.Format("Jan _2 15:04")+" docs",
			"-rw-r--r--   1 ftp ftp 12 "+wall.Format("Jan _2 15:04")+" clock.txt",
		))
	})
	ms.handle("MDTM", func(c *textproto.Conn, args string) {
		_ = c.PrintfLine("213 %s", utc.Format("20060102150405"))
	})
	return utc
}

func TestInferTimezone(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	scriptTimezone(ms, 2*time.Hour)
	ms.start()

	s := newTestSession(t, ms)
	zones, err := s.InferTimezone(t.Context(), dirPath("/"))
	if err != nil {
		t.Fatalf("InferTimezone() error: %v", err)
	}
	if len(zones) == 0 {
		t.Fatal("no zones inferred")
	}
	for _, loc := range zones {
		if standardOffset(loc, time.Now().Year()) != 7200 {
			t.Errorf("zone %s does not have a +2h standard offset", loc)
		}
	}
	if ms.count("MDTM /clock.txt") != 1 {
		t.Errorf("MDTM not sent for the file: %v", ms.commands())
	}
}

func TestInferTimezoneNoFiles(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.enablePassive()
	ms.handle("LIST", func(c *textproto.Conn, args string) {
		ms.sendData(c, listing("-rw-r--r--   1 ftp ftp 12 Jan 15  2019 old.txt"))
	})
	ms.start()

	s := newTestSession(t, ms)
	zones, err := s.InferTimezone(t.Context(), dirPath("/"))
	if err != nil || len(zones) != 0 {
		t.Errorf("InferTimezone() = %v, %v; want nothing for day precision", zones, err)
	}
}

func TestMountInfersTimezone(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	utc := scriptTimezone(ms, -5*time.Hour)
	ms.start()

	host := &remotefs.Host{
		Protocol: remotefs.ProtocolFTP,
		Hostname: "127.0.0.1",
		Port:     ms.listener.Addr().(*net.TCPAddr).Port,
	}
	s, err := New(host, WithTimeout(2*time.Second), WithDataTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := remotefs.Open(t.Context(), s); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if standardOffset(s.Location(), utc.Year()) != -5*3600 {
		t.Errorf("Location() = %s", s.Location())
	}

	// Listings are now read in the inferred zone.
	list, err := s.List(t.Context(), dirPath("/"))
	if err != nil {
		t.Fatal(err)
	}
	clock := list.Find("/clock.txt")
	if clock == nil {
		t.Fatal("clock.txt not listed")
	}
	_, off := utc.In(s.Location()).Zone()
	if want := utc.Add(time.Duration(-5*3600-off) * time.Second); !clock.Attributes.ModifiedAt.Equal(want) {
		t.Errorf("ModifiedAt = %v, want %v", clock.Attributes.ModifiedAt.UTC(), want)
	}
}

func TestConfiguredTimezoneSkipsInference(t *testing.T) {
	t.Parallel()
	ms := newMockServer(t)
	ms.start()

	newTestSession(t, ms)
	if ms.count("LIST") != 0 || ms.count("STAT") != 0 {
		t.Errorf("listing sent despite configured zone: %v", ms.commands())
	}
}
