package model

import "fmt"

// Stage identifies one step of job execution. The set is closed: every switch
// over Stage must handle all values below.
type Stage int

const (
	StageValidation Stage = iota + 1
	StagePipeline
	StageSizing
	StageColor
	StageTransparency
	StageEncode
	StageOptimize
	StageStore
)

// TransformStages are the image stages applied to every pipeline component, in order.
var TransformStages = []Stage{StageSizing, StageColor, StageTransparency, StageEncode}

func (s Stage) String() string {
	switch s {
	case StageValidation:
		return "validation"
	case StagePipeline:
		return "pipeline"
	case StageSizing:
		return "sizing"
	case StageColor:
		return "color"
	case StageTransparency:
		return "transparency"
	case StageEncode:
		return "encode"
	case StageOptimize:
		return "optimize"
	case StageStore:
		return "store"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// MarshalText stores stages by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a stage name written by MarshalText.
func (s *Stage) UnmarshalText(b []byte) error {
	for st := StageValidation; st <= StageStore; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", string(b))
}
