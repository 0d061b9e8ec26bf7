package discovery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Thomazoide/av-monitor/pkg/models"
)

var ErrInvalidPayload = errors.New("invalid sighting payload")

// deviceReport is one advertisement as forwarded by a BLE gateway. Gateways
// disagree on the name of the address field, so all common spellings are
// accepted.
type deviceReport struct {
	MAC       string          `json:"mac"`
	Address   string          `json:"address"`
	ID        string          `json:"id"`
	RSSI      *int            `json:"rssi"`
	Name      string          `json:"name"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// gatewayReport is either a single device report or an envelope carrying a
// batch of them.
type gatewayReport struct {
	deviceReport
	Type    string         `json:"type"`
	Devices []deviceReport `json:"devices"`
}

// ParseSightings decodes a gateway payload into sightings. now is used for
// reports that carry no timestamp. Entries without an address are skipped;
// a payload with no usable entry at all is rejected.
func ParseSightings(payload []byte, now time.Time) ([]models.Sighting, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}

	var reports []deviceReport
	switch payload[0] {
	case '[':
		if err := json.Unmarshal(payload, &reports); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	case '{':
		var gr gatewayReport
		if err := json.Unmarshal(payload, &gr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if gr.Devices != nil {
			reports = gr.Devices
		} else {
			reports = []deviceReport{gr.deviceReport}
		}
	default:
		return nil, fmt.Errorf("%w: not a JSON object or array", ErrInvalidPayload)
	}

	sightings := make([]models.Sighting, 0, len(reports))
	for _, r := range reports {
		identity := models.NormalizeIdentity(firstNonEmpty(r.MAC, r.Address, r.ID))
		if identity == "" {
			continue
		}
		observed, err := parseTimestamp(r.Timestamp)
		if err != nil || observed.IsZero() {
			observed = now
		}
		sightings = append(sightings, models.Sighting{
			Identity:       identity,
			SignalStrength: r.RSSI,
			Name:           r.Name,
			ObservedAt:     observed,
		})
	}
	if len(sightings) == 0 {
		return nil, fmt.Errorf("%w: no device address", ErrInvalidPayload)
	}
	return sightings, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds,
// either as numbers or numeric strings.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
	} else {
		s = string(raw)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), nil
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
}
