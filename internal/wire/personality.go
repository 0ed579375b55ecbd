package wire

import "math"

// DefaultPersonalityID is the built-in assistant persona.
const DefaultPersonalityID = "default_relyce"

const SpecialtyGeneral = "general"

var specialtyTemperatures = map[string]float64{
	"general":   0.65,
	"coding":    0.2,
	"business":  0.4,
	"ecommerce": 0.55,
	"creative":  0.9,
	"music":     0.95,
	"legal":     0.15,
	"health":    0.3,
	"education": 0.5,
}

// Personality is a user-selectable system persona.
type Personality struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Prompt      string   `json:"prompt"`
	Description string   `json:"description,omitempty"`
	ContentMode string   `json:"content_mode,omitempty"`
	Specialty   string   `json:"specialty,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	IsDefault   bool     `json:"is_default,omitempty"`
}

// NormalizedPersonality is the personality as sent on the HTTP stream, with
// sampling hints derived from the specialty.
type NormalizedPersonality struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name,omitempty"`
	Prompt           string   `json:"prompt,omitempty"`
	Description      string   `json:"description,omitempty"`
	ContentMode      string   `json:"content_mode,omitempty"`
	Specialty        string   `json:"specialty"`
	Temperature      float64  `json:"temperature"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

func ptr(v float64) *float64 { return &v }

// NormalizePersonality fills in the specialty temperature when none is set,
// clamps it to [0,1] and attaches specialty sampling hints.
func NormalizePersonality(p *Personality) *NormalizedPersonality {
	if p == nil {
		return nil
	}

	specialty := p.Specialty
	if specialty == "" {
		specialty = SpecialtyGeneral
	}

	var temp float64
	switch {
	case p.Temperature != nil:
		temp = *p.Temperature
	default:
		t, ok := specialtyTemperatures[specialty]
		if !ok {
			t = specialtyTemperatures[SpecialtyGeneral]
		}
		temp = t
	}

	n := &NormalizedPersonality{
		ID:          p.ID,
		Name:        p.Name,
		Prompt:      p.Prompt,
		Description: p.Description,
		ContentMode: p.ContentMode,
		Specialty:   specialty,
		Temperature: math.Max(0, math.Min(1, temp)),
	}

	switch specialty {
	case "coding":
		n.TopP = ptr(0.9)
		n.FrequencyPenalty = ptr(0)
		n.PresencePenalty = ptr(0)
	case "creative":
		n.TopP = ptr(1)
		n.PresencePenalty = ptr(0.6)
	}

	return n
}

// PickDefault returns the built-in default persona when present, otherwise
// the first entry, or nil for an empty list.
func PickDefault(list []Personality) *Personality {
	for i := range list {
		if list[i].IsDefault && list[i].ID == DefaultPersonalityID {
			return &list[i]
		}
	}
	if len(list) == 0 {
		return nil
	}
	return &list[0]
}
