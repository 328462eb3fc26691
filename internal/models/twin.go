package models

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Desired property names as they appear in the device twin
const (
	FieldModelURL         = "ModelUrl"
	FieldLabelURL         = "LabelUrl"
	FieldConfigURL        = "ConfigUrl"
	FieldFreqToSendMsg    = "FreqToSendMsg"
	FieldObjectOfInterest = "ObjectOfInterest"

	desiredKey = "desired"
)

// Defaults applied before any twin document is received
const (
	DefaultFreqToSendMsg    = 1
	DefaultObjectOfInterest = "ALL"
)

// DesiredConfig holds the desired properties carried by one twin document.
// A nil field means the property was absent.
type DesiredConfig struct {
	ModelURL         *string
	LabelURL         *string
	ConfigURL        *string
	FreqToSendMsg    *int
	ObjectOfInterest *string
}

// TwinPatch is a decoded twin document. Desired holds the values found under the
// "desired" key (full twin), Flat the values found at the top level (incremental patch).
type TwinPatch struct {
	Desired *DesiredConfig
	Flat    DesiredConfig

	// Problems lists properties that were present but could not be decoded
	Problems []error
}

// TwinUpdate is a twin document as received from the hub
type TwinUpdate struct {
	ReceivedAt time.Time
	Source     string // "patch" or "full"
	Payload    []byte
}

// Effective merges the nested and flat values; flat values win.
func (p TwinPatch) Effective() DesiredConfig {
	var out DesiredConfig
	if p.Desired != nil {
		out = *p.Desired
	}
	if p.Flat.ModelURL != nil {
		out.ModelURL = p.Flat.ModelURL
	}
	if p.Flat.LabelURL != nil {
		out.LabelURL = p.Flat.LabelURL
	}
	if p.Flat.ConfigURL != nil {
		out.ConfigURL = p.Flat.ConfigURL
	}
	if p.Flat.FreqToSendMsg != nil {
		out.FreqToSendMsg = p.Flat.FreqToSendMsg
	}
	if p.Flat.ObjectOfInterest != nil {
		out.ObjectOfInterest = p.Flat.ObjectOfInterest
	}
	return out
}

// DecodeTwinPatch decodes a twin document. It only fails when the payload is not a JSON
// object; properties with an unexpected type are skipped and reported in Problems.
func DecodeTwinPatch(payload []byte) (TwinPatch, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return TwinPatch{}, fmt.Errorf("failed to decode twin document: %w", err)
	}

	var patch TwinPatch
	patch.Flat = decodeDesired(top, "", &patch.Problems)

	if raw, ok := top[desiredKey]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			patch.Problems = append(patch.Problems, fmt.Errorf("%s: not an object: %w", desiredKey, err))
		} else {
			desired := decodeDesired(nested, desiredKey+".", &patch.Problems)
			patch.Desired = &desired
		}
	}

	return patch, nil
}

func decodeDesired(fields map[string]json.RawMessage, prefix string, problems *[]error) DesiredConfig {
	var cfg DesiredConfig

	cfg.ModelURL = decodeString(fields, FieldModelURL, prefix, problems)
	cfg.LabelURL = decodeString(fields, FieldLabelURL, prefix, problems)
	cfg.ConfigURL = decodeString(fields, FieldConfigURL, prefix, problems)
	cfg.ObjectOfInterest = decodeString(fields, FieldObjectOfInterest, prefix, problems)

	if raw, ok := fields[FieldFreqToSendMsg]; ok {
		freq, err := parseFrequency(raw)
		if err != nil {
			*problems = append(*problems, fmt.Errorf("%s%s: %w", prefix, FieldFreqToSendMsg, err))
		} else {
			cfg.FreqToSendMsg = &freq
		}
	}

	return cfg
}

func decodeString(fields map[string]json.RawMessage, name, prefix string, problems *[]error) *string {
	raw, ok := fields[name]
	if !ok {
		return nil
	}
	// null is treated like an empty value: present, nothing to fetch
	if string(raw) == "null" {
		empty := ""
		return &empty
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		*problems = append(*problems, fmt.Errorf("%s%s: expected a string: %w", prefix, name, err))
		return nil
	}
	return &value
}

// parseFrequency accepts a JSON number or a numeric string holding a positive integer
func parseFrequency(raw json.RawMessage) (int, error) {
	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("expected a number, got %s", string(raw))
		}
		parsed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", text)
		}
		number = parsed
	}

	if number != math.Trunc(number) || number < 1 || number > math.MaxInt32 {
		return 0, fmt.Errorf("expected a positive integer, got %v", number)
	}
	return int(number), nil
}
