package intake

import "strings"

// Stage is one step of the intake protocol.
type Stage string

const (
	StageInitial             Stage = "INITIAL"
	StageSymptomConfirmation Stage = "SYMPTOM_CONFIRMATION"
	StageAgeGenderCollection Stage = "AGE_GENDER_COLLECTION"
	StageDeepDive            Stage = "DEEP_DIVE"
	StageFinalDiagnosis      Stage = "FINAL_DIAGNOSIS"
)

// Stages lists every stage in protocol order.
func Stages() []Stage {
	return []Stage{
		StageInitial,
		StageSymptomConfirmation,
		StageAgeGenderCollection,
		StageDeepDive,
		StageFinalDiagnosis,
	}
}

// Gender 患者性别。
type Gender string

const (
	GenderUnknown Gender = ""
	GenderMale    Gender = "male"
	GenderFemale  Gender = "female"
	GenderOther   Gender = "other"
)

// ParseGender accepts the form values and their Arabic equivalents.
func ParseGender(raw string) (Gender, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "male", "m", "man", "ذكر":
		return GenderMale, true
	case "female", "f", "woman", "أنثى", "انثى":
		return GenderFemale, true
	case "other", "غير ذلك", "آخر", "اخر":
		return GenderOther, true
	default:
		return GenderUnknown, false
	}
}

// PatientContext accumulates the demographic facts of one concern.
type PatientContext struct {
	Age      string `json:"age,omitempty"`
	Gender   Gender `json:"gender,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// HasDemographics reports whether both age and gender are known.
func (p PatientContext) HasDemographics() bool {
	return p.Age != "" && p.Gender != GenderUnknown
}

// State is everything the state machine reads and writes for a session.
type State struct {
	Stage                Stage          `json:"stage"`
	Patient              PatientContext `json:"patient"`
	Symptoms             []string       `json:"symptoms,omitempty"`
	HasProvidedAgeGender bool           `json:"hasProvidedAgeGender"`
	HasProvidedDuration  bool           `json:"hasProvidedDuration"`
	DurationPending      bool           `json:"durationPending"`
}

// NewState returns the state of a fresh session.
func NewState() State {
	return State{Stage: StageInitial}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Symptoms = append([]string(nil), s.Symptoms...)
	return s
}
