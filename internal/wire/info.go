package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	InfoProcessingText = "processing"
	InfoStoppedText    = "stopped"
	SearchingPrefix    = "Searching with:"
	IntelPrefix        = "INTEL:"
)

type InfoKind int

const (
	InfoOther InfoKind = iota
	InfoProcessing
	InfoStopped
	InfoSearching
	InfoIntelligence
)

func (k InfoKind) String() string {
	switch k {
	case InfoProcessing:
		return "processing"
	case InfoStopped:
		return "stopped"
	case InfoSearching:
		return "searching"
	case InfoIntelligence:
		return "intelligence"
	default:
		return "other"
	}
}

// Info is a classified out-of-band status payload.
type Info struct {
	Kind         InfoKind
	Text         string
	Query        string
	Intelligence map[string]any
}

// ParseInfo classifies the content of an info frame. A malformed INTEL
// payload is reported as an error together with an InfoOther result.
func ParseInfo(content string) (Info, error) {
	info := Info{Kind: InfoOther, Text: content}

	switch {
	case content == InfoProcessingText:
		info.Kind = InfoProcessing
	case content == InfoStoppedText:
		info.Kind = InfoStopped
	case strings.HasPrefix(content, SearchingPrefix):
		info.Kind = InfoSearching
		info.Query = strings.TrimSpace(strings.TrimPrefix(content, SearchingPrefix))
	case strings.HasPrefix(content, IntelPrefix):
		var intel map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(content, IntelPrefix)), &intel); err != nil {
			return info, fmt.Errorf("decoding intelligence payload: %w", err)
		}
		info.Kind = InfoIntelligence
		info.Intelligence = intel
	}

	return info, nil
}
