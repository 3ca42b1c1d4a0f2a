package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  source: sim\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("log=%+v want info/text", cfg.Log)
	}
	if cfg.GPS.ReadTimeout != 2*time.Second {
		t.Fatalf("read_timeout=%s want 2s", cfg.GPS.ReadTimeout)
	}
	if cfg.GPS.HistorySize != 64 {
		t.Fatalf("history_size=%d want 64", cfg.GPS.HistorySize)
	}
	if cfg.GPS.Sim.Interval != 250*time.Millisecond || cfg.GPS.Sim.RadiusM != 50 || cfg.GPS.Sim.Period != 120*time.Second {
		t.Fatalf("expected sim defaults applied, got %+v", cfg.GPS.Sim)
	}
	if cfg.Capture.Mode != "SINGLE_PHOTO" {
		t.Fatalf("capture.mode=%q want SINGLE_PHOTO", cfg.Capture.Mode)
	}
	if cfg.Capture.SeriesInterval != 200*time.Millisecond {
		t.Fatalf("series_interval=%s want 200ms", cfg.Capture.SeriesInterval)
	}
	if cfg.Capture.CorrelationTolerance != 250*time.Millisecond {
		t.Fatalf("correlation_tolerance=%s want 250ms", cfg.Capture.CorrelationTolerance)
	}
	if cfg.Capture.Retention != 240*time.Hour {
		t.Fatalf("retention=%s want 240h", cfg.Capture.Retention)
	}
	if len(cfg.Capture.PhotoCommand) == 0 || len(cfg.Capture.VideoCommand) == 0 {
		t.Fatalf("expected camera command defaults")
	}
	if cfg.Web.Listen != ":8080" {
		t.Fatalf("web.listen=%q want :8080", cfg.Web.Listen)
	}
	if cfg.MQTT.Topic != "geocam/gps" || cfg.MQTT.ClientID != "geocam" {
		t.Fatalf("mqtt=%+v", cfg.MQTT)
	}
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	path := writeTempConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GPS.Source != "nmea" {
		t.Fatalf("gps.source=%q want nmea", cfg.GPS.Source)
	}
}

func TestLoad_CaptureModeNormalized(t *testing.T) {
	path := writeTempConfig(t, "capture:\n  mode: photo_series\n  series_interval: 500ms\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.Mode != "PHOTO_SERIES" {
		t.Fatalf("capture.mode=%q want PHOTO_SERIES", cfg.Capture.Mode)
	}
	if cfg.Capture.SeriesInterval != 500*time.Millisecond {
		t.Fatalf("series_interval=%s want 500ms", cfg.Capture.SeriesInterval)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "UnknownSource",
			yaml: "gps:\n  source: usb\n",
			want: "gps.source must be nmea, tcp, sim or replay",
		},
		{
			name: "TCPRequiresAddr",
			yaml: "gps:\n  source: tcp\n",
			want: "gps.addr is required when gps.source is tcp",
		},
		{
			name: "UnknownCaptureMode",
			yaml: "capture:\n  mode: burst\n",
			want: "capture.mode must be SINGLE_PHOTO, PHOTO_SERIES or VIDEO",
		},
		{
			name: "LogFormat",
			yaml: "log:\n  format: xml\n",
			want: "log.format must be text or json",
		},
		{
			name: "MQTTRequiresBroker",
			yaml: "mqtt:\n  enable: true\n",
			want: "mqtt.broker is required when mqtt.enable is true",
		},
		{
			name: "MQTTQoS",
			yaml: "mqtt:\n  qos: 3\n",
			want: "mqtt.qos must be 0, 1 or 2",
		},
		{
			name: "UDPRequiresDest",
			yaml: "udp:\n  enable: true\n",
			want: "udp.dest is required when udp.enable is true",
		},
		{
			name: "StoreRequiresPath",
			yaml: "store:\n  enable: true\n",
			want: "store.path is required when store.enable is true",
		},
		{
			name: "NegativeRetention",
			yaml: "capture:\n  retention: -1h\n",
			want: "capture.retention must be >= 0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.yaml))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_BadLogLevel(t *testing.T) {
	_, err := Load(writeTempConfig(t, "log:\n  level: chatty\n"))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_RecordRequiresPath(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  record:\n    enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "gps.record.path is required when gps.record.enable is true")
}

func TestLoad_ReplayRequiresPath(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  source: replay\n")
	_, err := Load(path)
	requireErrEq(t, err, "gps.replay.path is required when gps.source is replay")
}

func TestLoad_ReplaySpeedDefaultsToOne(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  source: replay\n  replay:\n    path: ./fixes.log\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GPS.Replay.Speed != 1 {
		t.Fatalf("speed=%v want 1", cfg.GPS.Replay.Speed)
	}
}

func TestLoad_ReplayNegativeSpeedRejected(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  source: replay\n  replay:\n    path: ./fixes.log\n    speed: -2\n")
	_, err := Load(path)
	requireErrEq(t, err, "gps.replay.speed must be > 0")
}

func TestLoad_RecordAndReplayMutuallyExclusive(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  source: replay\n  replay:\n    path: ./in.log\n  record:\n    enable: true\n    path: ./out.log\n")
	_, err := Load(path)
	requireErrEq(t, err, "gps.record cannot be used with gps.source=replay")
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  baudrate: 9600\n")
	_, err := Load(path)
	requireErrEq(t, err, "config contains unknown fields: field baudrate not found in type config.GPSConfig")
}

func TestDefaultAndValidate_Nil(t *testing.T) {
	requireErrEq(t, DefaultAndValidate(nil), "config is nil")
}

func TestLoad_RejectsBadValueType(t *testing.T) {
	path := writeTempConfig(t, "gps:\n  read_timeout: soon\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestSave_ReplacesFile(t *testing.T) {
	path := writeTempConfig(t, "capture:\n  mode: VIDEO\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Capture.SeriesInterval = 750 * time.Millisecond
	cfg.GPS.AntennaOffsetCm = -4
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if got.Capture.Mode != "VIDEO" || got.Capture.SeriesInterval != 750*time.Millisecond || got.GPS.AntennaOffsetCm != -4 {
		t.Fatalf("reloaded capture=%+v antenna=%v", got.Capture, got.GPS.AntennaOffsetCm)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, temp file left behind", len(entries))
	}
}

func TestSave_InvalidLeavesFile(t *testing.T) {
	const original = "capture:\n  mode: VIDEO\n"
	path := writeTempConfig(t, original)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.GPS.Source = "carrier-pigeon"
	if err := Save(path, cfg); err == nil {
		t.Fatalf("Save() accepted an invalid source")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(b) != original {
		t.Fatalf("file changed: %q", string(b))
	}
}
