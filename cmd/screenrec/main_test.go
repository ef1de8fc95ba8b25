package main

import (
	"testing"

	"github.com/breeze-rmm/screenrec/internal/capture"
	"github.com/breeze-rmm/screenrec/internal/config"
	"github.com/breeze-rmm/screenrec/internal/recorder"
)

func TestParseArea(t *testing.T) {
	tests := []struct {
		in      string
		want    capture.Rect
		wantErr bool
	}{
		{in: "10,20,300,200", want: capture.Rect{X: 10, Y: 20, Width: 300, Height: 200}},
		{in: " 0, 0, 64 ,48", want: capture.Rect{Width: 64, Height: 48}},
		{in: "10,20,300", wantErr: true},
		{in: "a,b,c,d", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseArea(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseArea(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("parseArea(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestRedactHidesSecretsOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Provider = "s3"
	cfg.Storage.Bucket = "recordings"
	cfg.Storage.AccessKeyID = "AKIA123"
	cfg.Storage.SecretAccessKey = "secret"

	out := redact(*cfg)
	if out.Storage.SecretAccessKey != redacted {
		t.Fatalf("SecretAccessKey = %q", out.Storage.SecretAccessKey)
	}
	if out.Storage.ConnectionString != "" || out.Storage.ApplicationKey != "" {
		t.Fatal("empty secrets should stay empty")
	}
	if out.Storage.Bucket != "recordings" || out.Storage.AccessKeyID != "AKIA123" {
		t.Fatalf("non-secret fields changed: %+v", out.Storage)
	}
	if cfg.Storage.SecretAccessKey != "secret" {
		t.Fatal("redact modified the original config")
	}
}

func TestCaptureOptionsCarryScaleFactor(t *testing.T) {
	cfg := config.Default()
	cfg.ScaleFactor = 1.25
	if r := cfg.ValidateTiered(); r.HasFatals() {
		t.Fatalf("fatals: %v", r.Fatals)
	}
	p := capture.NewFFmpegPlatform(captureOptions(cfg))
	got := capture.ToPhysical(p, capture.Rect{X: 8, Y: 8, Width: 400, Height: 200})
	if want := (capture.Rect{X: 10, Y: 10, Width: 500, Height: 250}); got != want {
		t.Fatalf("ToPhysical = %v, want %v", got, want)
	}
}

func TestBuildRequestAreaMode(t *testing.T) {
	prev := recordFlags
	t.Cleanup(func() { recordFlags = prev })
	a := &app{cfg: config.Default()}

	tests := []struct {
		name    string
		mode    string
		area    string
		want    recorder.Mode
		wantErr bool
	}{
		{name: "default", want: recorder.ModeFullscreen},
		{name: "area implies mode", area: "0,0,64,48", want: recorder.ModeArea},
		{name: "explicit area", mode: "Area", area: "0,0,64,48", want: recorder.ModeArea},
		{name: "area with fullscreen", mode: "fullscreen", area: "0,0,64,48", wantErr: true},
		{name: "area with window", mode: "window", area: "0,0,64,48", wantErr: true},
		{name: "window", mode: "window", want: recorder.ModeWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recordFlags = prev
			recordFlags.mode = tt.mode
			recordFlags.area = tt.area
			req, err := buildRequest(a)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildRequest err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if req.Mode != tt.want {
				t.Fatalf("Mode = %q, want %q", req.Mode, tt.want)
			}
			if (req.Area != nil) != (tt.area != "") {
				t.Fatalf("Area = %v", req.Area)
			}
		})
	}
}
