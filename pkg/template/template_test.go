package template

import (
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		tmplName string
		dist     string
		wantDist string
		wantErr  bool
	}{
		{
			name:     "bare distribution gets vm prefix",
			tmplName: "fedora-41-xfce",
			dist:     "fc41",
			wantDist: "vm-fedora-41.x86_64",
		},
		{
			name:     "vm prefix accepted",
			tmplName: "debian-13",
			dist:     "vm-trixie",
			wantDist: "vm-debian-13.amd64",
		},
		{
			name:     "host distribution rejected",
			tmplName: "bad",
			dist:     "host-fc41",
			wantErr:  true,
		},
		{
			name:     "empty distribution rejected",
			tmplName: "bad",
			dist:     "",
			wantErr:  true,
		},
		{
			name:     "empty name rejected",
			tmplName: "",
			dist:     "fc41",
			wantErr:  true,
		},
		{
			name:     "unknown flavor rejected",
			tmplName: "bad",
			dist:     "slackware",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := New(tt.tmplName, tt.dist)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := tmpl.Distribution.String(); got != tt.wantDist {
				t.Errorf("Distribution = %q, want %q", got, tt.wantDist)
			}
		})
	}
}

func TestString(t *testing.T) {
	tmpl, err := New("fedora-41-xfce", "fc41")
	if err != nil {
		t.Fatal(err)
	}
	if got := tmpl.String(); got != "fedora-41-xfce" {
		t.Errorf("String() = %q", got)
	}

	tmpl.Options = []string{"minimal", "no-recommends"}
	if got := tmpl.String(); got != "fedora-41-xfce (options: minimal,no-recommends)" {
		t.Errorf("String() with options = %q", got)
	}
}

func TestTimestamp(t *testing.T) {
	tmpl, err := New("fedora-41-xfce", "fc41")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tmpl.Timestamp(); err == nil {
		t.Error("Timestamp succeeded before any was recorded")
	}

	at := time.Date(2024, 11, 5, 14, 30, 59, 0, time.UTC)
	tmpl.SetTimestamp(at)
	got, err := tmpl.Timestamp()
	if err != nil {
		t.Fatal(err)
	}
	if got != "202411051430" {
		t.Errorf("Timestamp() = %q, want 202411051430", got)
	}
}

func TestTimestamp_UTCNormalization(t *testing.T) {
	tmpl, err := New("fedora-41-xfce", "fc41")
	if err != nil {
		t.Fatal(err)
	}

	zone := time.FixedZone("UTC+2", 2*3600)
	tmpl.SetTimestamp(time.Date(2024, 11, 5, 14, 30, 0, 0, zone))
	got, err := tmpl.Timestamp()
	if err != nil {
		t.Fatal(err)
	}
	if got != "202411051230" {
		t.Errorf("Timestamp() = %q, want 202411051230 (UTC)", got)
	}
}

func TestParseTimestamp(t *testing.T) {
	tmpl, err := New("fedora-41-xfce", "fc41")
	if err != nil {
		t.Fatal(err)
	}

	if err := tmpl.ParseTimestamp("202411051430\n"); err != nil {
		t.Fatalf("ParseTimestamp failed: %v", err)
	}
	got, err := tmpl.Timestamp()
	if err != nil {
		t.Fatal(err)
	}
	if got != "202411051430" {
		t.Errorf("Timestamp() = %q", got)
	}

	if err := tmpl.ParseTimestamp("yesterday"); err == nil {
		t.Error("ParseTimestamp accepted garbage")
	}
}
