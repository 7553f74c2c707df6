package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kalambet/kindred/internal/signals"
)

// ErrNoJSON is returned when a response holds no JSON object at all.
var ErrNoJSON = errors.New("no JSON object in response")

type rawTrait struct {
	Value      any             `json:"value"`
	Confidence float64         `json:"confidence"`
	Evidence   json.RawMessage `json:"evidence"`
}

type rawFlag struct {
	Category string  `json:"category"`
	Severity float64 `json:"severity"`
	Evidence any     `json:"evidence"`
}

// Parse decodes a model response into validated readings for turnID.
// Unknown frameworks and traits, invalid values, and readings without
// evidence are dropped and counted in Result.Rejected. Only a response that
// cannot be decoded at all is an error.
func Parse(turnID, raw string) (Result, error) {
	doc, err := decode(raw)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if v, ok := doc["needs_follow_up"]; ok {
		if err := json.Unmarshal(v, &res.NeedsFollowUp); err != nil {
			slog.Debug("dropping malformed needs_follow_up", "turn_id", turnID, "error", err)
			res.NeedsFollowUp = false
			res.Rejected++
		}
	}
	if v, ok := doc["safety_flags"]; ok {
		var flags []rawFlag
		if err := json.Unmarshal(v, &flags); err != nil {
			slog.Debug("dropping malformed safety_flags", "turn_id", turnID, "error", err)
			res.Rejected++
		}
		for _, f := range flags {
			sig, err := signals.NormalizeSafety(f.Category, f.Severity, evidenceString(f.Evidence))
			if err != nil {
				slog.Debug("dropping safety flag", "turn_id", turnID, "error", err)
				res.Rejected++
				continue
			}
			if sig.Severity == 0 {
				continue
			}
			sig.TurnID = turnID
			res.SafetyFlags = append(res.SafetyFlags, sig)
		}
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == "safety_flags" || key == "needs_follow_up" {
			continue
		}
		fw := signals.Framework(strings.ToLower(key))
		if _, ok := signals.Lookup(fw); !ok {
			slog.Debug("dropping unknown framework", "turn_id", turnID, "framework", key)
			res.Rejected++
			continue
		}
		var traits map[string]rawTrait
		if err := json.Unmarshal(doc[key], &traits); err != nil {
			slog.Debug("dropping malformed framework", "turn_id", turnID, "framework", key, "error", err)
			res.Rejected++
			continue
		}

		er := signals.ExtractionResult{TurnID: turnID, Framework: fw, Traits: make(map[string]signals.TraitReading)}
		for name, t := range traits {
			reading, err := signals.NormalizeReading(fw, strings.ToLower(name), t.Value, t.Confidence, evidenceList(t.Evidence))
			if err != nil {
				slog.Debug("dropping trait reading", "turn_id", turnID, "error", err)
				res.Rejected++
				continue
			}
			if reading.Confidence == 0 {
				continue
			}
			er.Traits[strings.ToLower(name)] = reading
		}
		if len(er.Traits) > 0 {
			res.Extractions = append(res.Extractions, er)
		}
	}
	return res, nil
}

// decode finds the outermost JSON object in raw and unmarshals its top level.
// Output that fails strict decoding is passed through jsonrepair once.
func decode(raw string) (map[string]json.RawMessage, error) {
	s := stripFences(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 {
		return nil, ErrNoJSON
	}
	if end > start {
		s = s[start : end+1]
	} else {
		// truncated output: let the repair pass close it
		s = s[start:]
	}

	var doc map[string]json.RawMessage
	err := json.Unmarshal([]byte(s), &doc)
	if err == nil {
		return doc, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(s)
	if rerr != nil {
		return nil, fmt.Errorf("decoding extraction: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, fmt.Errorf("decoding repaired extraction: %w", err)
	}
	return doc, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// evidenceList accepts a single quote or a list of quotes.
func evidenceList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	return nil
}

func evidenceString(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case []any:
		parts := make([]string, 0, len(e))
		for _, p := range e {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " | ")
	default:
		return ""
	}
}
