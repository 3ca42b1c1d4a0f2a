package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	GPS     GPSConfig     `yaml:"gps"`
	Geoid   GeoidConfig   `yaml:"geoid"`
	Capture CaptureConfig `yaml:"capture"`
	Web     WebConfig     `yaml:"web"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	UDP     UDPConfig     `yaml:"udp"`
	Store   StoreConfig   `yaml:"store"`
	Export  ExportConfig  `yaml:"export"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Buffer is the number of lines kept for /api/logs.
	Buffer int `yaml:"buffer"`
}

type GPSConfig struct {
	// Source is nmea (serial receiver), tcp (NMEA over TCP), sim or replay.
	Source string `yaml:"source"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
	// Addr is host:port of an NMEA-over-TCP feed, used when Source is tcp.
	Addr string `yaml:"addr"`
	// AntennaOffsetCm is the antenna mount height, added after the geoid
	// correction.
	AntennaOffsetCm float64       `yaml:"antenna_offset_cm"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	HistorySize     int           `yaml:"history_size"`

	Sim    SimConfig    `yaml:"sim"`
	Replay ReplayConfig `yaml:"replay"`
	Record RecordConfig `yaml:"record"`
}

type SimConfig struct {
	Interval  time.Duration `yaml:"interval"`
	CenterLat float64       `yaml:"center_lat"`
	CenterLon float64       `yaml:"center_lon"`
	AltM      float64       `yaml:"alt_m"`
	GeoidSep  float64       `yaml:"geoid_sep"`
	RadiusM   float64       `yaml:"radius_m"`
	Period    time.Duration `yaml:"period"`
	// Route, when set, replaces the figure-eight with a keyframed track.
	Route string `yaml:"route"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type GeoidConfig struct {
	// Dir holds grid_x.txt, grid_y.txt and grid_h.txt. Empty disables the
	// geoid correction.
	Dir string `yaml:"dir"`
}

type CaptureConfig struct {
	Mode                 string        `yaml:"mode"`
	OutputDir            string        `yaml:"output_dir"`
	Retention            time.Duration `yaml:"retention"`
	PhotoCommand         []string      `yaml:"photo_command"`
	VideoCommand         []string      `yaml:"video_command"`
	SeriesInterval       time.Duration `yaml:"series_interval"`
	CorrelationTolerance time.Duration `yaml:"correlation_tolerance"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type StoreConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type ExportConfig struct {
	Dir string `yaml:"dir"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Save validates cfg and replaces the file at path with it. The file is
// written to a sibling temp file and renamed, so readers never see a partial
// config.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(b)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Parse decodes YAML strictly, then applies defaults and validation.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			msgs := stripLinePrefixes(te.Errors)
			for _, m := range msgs {
				if !strings.Contains(m, " not found in type ") {
					return Config{}, fmt.Errorf("config contains invalid values: %s", strings.Join(msgs, "; "))
				}
			}
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(msgs, "; "))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripLinePrefixes(errs []string) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if strings.HasPrefix(e, "line ") {
			if i := strings.Index(e, ": "); i >= 0 {
				e = e[i+2:]
			}
		}
		out = append(out, e)
	}
	return out
}

// DefaultAndValidate fills defaults in place and rejects inconsistent
// settings.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	if cfg.Log.Buffer <= 0 {
		cfg.Log.Buffer = 2000
	}

	if err := defaultGPS(&cfg.GPS); err != nil {
		return err
	}
	if err := defaultCapture(&cfg.Capture); err != nil {
		return err
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.MQTT.Enable && strings.TrimSpace(cfg.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "geocam"
	}
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "geocam/gps"
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}
	if cfg.Store.Enable && strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path is required when store.enable is true")
	}
	return nil
}

func defaultGPS(g *GPSConfig) error {
	if g.Source == "" {
		g.Source = "nmea"
	}
	switch g.Source {
	case "nmea", "tcp", "sim", "replay":
	default:
		return fmt.Errorf("gps.source must be nmea, tcp, sim or replay")
	}
	if g.Source == "tcp" && strings.TrimSpace(g.Addr) == "" {
		return fmt.Errorf("gps.addr is required when gps.source is tcp")
	}
	if g.Baud < 0 {
		return fmt.Errorf("gps.baud must be >= 0")
	}
	if g.ReadTimeout <= 0 {
		g.ReadTimeout = 2 * time.Second
	}
	if g.HistorySize <= 0 {
		g.HistorySize = 64
	}

	if g.Sim.Interval <= 0 {
		g.Sim.Interval = 250 * time.Millisecond
	}
	if g.Sim.RadiusM <= 0 {
		g.Sim.RadiusM = 50
	}
	if g.Sim.Period <= 0 {
		g.Sim.Period = 120 * time.Second
	}

	if g.Source == "replay" {
		if g.Replay.Path == "" {
			return fmt.Errorf("gps.replay.path is required when gps.source is replay")
		}
		if g.Record.Enable {
			return fmt.Errorf("gps.record cannot be used with gps.source=replay")
		}
	}
	if g.Replay.Speed == 0 {
		g.Replay.Speed = 1
	}
	if g.Replay.Speed < 0 {
		return fmt.Errorf("gps.replay.speed must be > 0")
	}
	if g.Record.Enable && g.Record.Path == "" {
		return fmt.Errorf("gps.record.path is required when gps.record.enable is true")
	}
	return nil
}

func defaultCapture(c *CaptureConfig) error {
	c.Mode = strings.ToUpper(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = "SINGLE_PHOTO"
	}
	switch c.Mode {
	case "SINGLE_PHOTO", "PHOTO_SERIES", "VIDEO":
	default:
		return fmt.Errorf("capture.mode must be SINGLE_PHOTO, PHOTO_SERIES or VIDEO")
	}
	if c.OutputDir == "" {
		c.OutputDir = "./captures"
	}
	if c.Retention == 0 {
		c.Retention = 10 * 24 * time.Hour
	}
	if c.Retention < 0 {
		return fmt.Errorf("capture.retention must be >= 0")
	}
	if len(c.PhotoCommand) == 0 {
		c.PhotoCommand = []string{"libcamera-still", "-n", "-t", "1", "-o", "{path}"}
	}
	if len(c.VideoCommand) == 0 {
		c.VideoCommand = []string{"libcamera-vid", "-n", "-t", "0", "-o", "{path}"}
	}
	if c.SeriesInterval <= 0 {
		c.SeriesInterval = 200 * time.Millisecond
	}
	if c.CorrelationTolerance <= 0 {
		c.CorrelationTolerance = 250 * time.Millisecond
	}
	return nil
}
