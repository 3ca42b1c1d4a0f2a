package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geocam/internal/capture"
	"geocam/internal/config"
)

const maxSettingsBody = 64 << 10

// SettingsPayload is the subset of the config that may change while running.
type SettingsPayload struct {
	CaptureMode          string  `json:"capture_mode"`
	SeriesInterval       string  `json:"series_interval"`
	CorrelationTolerance string  `json:"correlation_tolerance"`
	AntennaOffsetCm      float64 `json:"antenna_offset_cm"`
}

// SettingsPayloadIn is the strict POST schema. Every key is required.
type SettingsPayloadIn struct {
	CaptureMode          *string  `json:"capture_mode"`
	SeriesInterval       *string  `json:"series_interval"`
	CorrelationTolerance *string  `json:"correlation_tolerance"`
	AntennaOffsetCm      *float64 `json:"antenna_offset_cm"`
}

var settingsPostKeys = []string{
	"capture_mode",
	"series_interval",
	"correlation_tolerance",
	"antenna_offset_cm",
}

// checkSettingsObject walks the top-level object once. encoding/json keeps
// the last of two equal keys, so duplicates have to be caught here.
func checkSettingsObject(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return errors.New("invalid json: expected object")
	}

	seen := make(map[string]bool, len(settingsPostKeys))
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		key := tok.(string)
		if !isSettingsKey(key) {
			return fmt.Errorf("invalid json: unknown key %q", key)
		}
		if seen[key] {
			return fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		if string(bytes.TrimSpace(v)) == "null" {
			return fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}

	for _, k := range settingsPostKeys {
		if !seen[k] {
			return fmt.Errorf("invalid json: missing required key %q", k)
		}
	}
	return nil
}

func isSettingsKey(k string) bool {
	for _, want := range settingsPostKeys {
		if k == want {
			return true
		}
	}
	return false
}

func decodeSettingsPayloadIn(body []byte) (SettingsPayloadIn, error) {
	var out SettingsPayloadIn
	if err := checkSettingsObject(body); err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func configToSettingsPayload(cfg config.Config) SettingsPayload {
	return SettingsPayload{
		CaptureMode:          cfg.Capture.Mode,
		SeriesInterval:       cfg.Capture.SeriesInterval.String(),
		CorrelationTolerance: cfg.Capture.CorrelationTolerance.String(),
		AntennaOffsetCm:      cfg.GPS.AntennaOffsetCm,
	}
}

func parsePositiveDuration(key, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

// applySettingsPayload copies p onto cfg. cfg is left untouched on error.
func applySettingsPayload(cfg *config.Config, p SettingsPayloadIn) error {
	if p.CaptureMode == nil || p.SeriesInterval == nil || p.CorrelationTolerance == nil || p.AntennaOffsetCm == nil {
		return errors.New("all settings keys are required")
	}
	mode := strings.ToUpper(strings.TrimSpace(*p.CaptureMode))
	if _, err := capture.ParseMode(mode); err != nil || mode == "" {
		return errors.New("capture_mode must be SINGLE_PHOTO, PHOTO_SERIES or VIDEO")
	}
	series, err := parsePositiveDuration("series_interval", *p.SeriesInterval)
	if err != nil {
		return err
	}
	tol, err := parsePositiveDuration("correlation_tolerance", *p.CorrelationTolerance)
	if err != nil {
		return err
	}

	cfg.Capture.Mode = mode
	cfg.Capture.SeriesInterval = series
	cfg.Capture.CorrelationTolerance = tol
	cfg.GPS.AntennaOffsetCm = *p.AntennaOffsetCm
	return nil
}

// SettingsStore serves /api/settings backed by the YAML file at ConfigPath.
type SettingsStore struct {
	ConfigPath string
	// Apply, when set, runs after validation and before saving. An error
	// aborts the save.
	Apply func(cfg config.Config) error
}

func (s SettingsStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.ConfigPath) == "" {
			http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			return
		}
		switch r.Method {
		case http.MethodGet:
			cfg, err := config.Load(s.ConfigPath)
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, configToSettingsPayload(cfg))
		case http.MethodPost:
			s.post(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (s SettingsStore) post(w http.ResponseWriter, r *http.Request) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return
	}
	p, err := decodeSettingsPayloadIn(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	current, err := config.Load(s.ConfigPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	next := current
	if err := applySettingsPayload(&next, p); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.DefaultAndValidate(&next); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	if s.Apply != nil {
		if err := s.Apply(next); err != nil {
			http.Error(w, fmt.Sprintf("apply failed: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := config.Save(s.ConfigPath, next); err != nil {
		// The runtime goes back to what is on disk.
		if s.Apply != nil {
			_ = s.Apply(current)
		}
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, configToSettingsPayload(next))
}
