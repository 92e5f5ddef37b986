// Package intake implements the intake protocol as a pure transition
// function over model.State. It performs no I/O; the turn orchestrator
// executes the returned Action.
package intake

import (
	"errors"
	"fmt"
	"strings"

	extract "github.com/zhouzirui/z-clinic/backend/internal/analysis/intake"
	model "github.com/zhouzirui/z-clinic/backend/internal/model/intake"
)

var (
	// ErrDemographicsIncomplete is returned when a form lacks age or gender.
	ErrDemographicsIncomplete = errors.New("age and gender are both required")
	// ErrUnknownStage means the state carries a stage outside the protocol.
	ErrUnknownStage = errors.New("unknown intake stage")
)

// InputKind distinguishes free text from the structured form.
type InputKind int

const (
	InputUtterance InputKind = iota
	InputDemographicsForm
)

// Input is one event fed to the machine.
type Input struct {
	Kind   InputKind
	Text   string
	Age    string
	Gender model.Gender
}

// Action is what the orchestrator must do after a transition.
type Action string

const (
	ActionNone                  Action = "none"
	ActionRequestMoreDetail     Action = "request_more_detail"
	ActionRequestDeepDive       Action = "request_deep_dive"
	ActionRequestFinalDiagnosis Action = "request_final_diagnosis"
	ActionAskDuration           Action = "ask_duration"
	ActionAskDemographics       Action = "ask_demographics"
	ActionOfferNewConcern       Action = "offer_new_concern"
	ActionRejectForm            Action = "reject_form"
)

// Remote reports whether the action issues a model request.
func (a Action) Remote() bool {
	switch a {
	case ActionRequestMoreDetail, ActionRequestDeepDive, ActionRequestFinalDiagnosis:
		return true
	default:
		return false
	}
}

// Transition is the machine's decision for one input.
type Transition struct {
	From   model.Stage
	Next   model.Stage
	Action Action
	State  model.State
}

// Config holds the reset policy.
type Config struct {
	// KeepDemographics retains age and gender when a new concern starts.
	KeepDemographics bool
}

type handler func(m *Machine, s model.State, in Input) Transition

// Machine is safe for concurrent use; it holds configuration only.
type Machine struct {
	cfg   Config
	table map[model.Stage]handler
}

// New builds the dispatch table.
func New(cfg Config) *Machine {
	return &Machine{
		cfg: cfg,
		table: map[model.Stage]handler{
			model.StageInitial:             (*Machine).onInitial,
			model.StageSymptomConfirmation: (*Machine).onSymptomConfirmation,
			model.StageAgeGenderCollection: (*Machine).onAgeGenderCollection,
			model.StageDeepDive:            (*Machine).onDeepDive,
			model.StageFinalDiagnosis:      (*Machine).onFinalDiagnosis,
		},
	}
}

// Handles reports whether the table has an entry for stage.
func (m *Machine) Handles(stage model.Stage) bool {
	_, ok := m.table[stage]
	return ok
}

// Next computes the transition for in. The input state is not modified.
func (m *Machine) Next(s model.State, in Input) (Transition, error) {
	s = s.Clone()

	if in.Kind == InputDemographicsForm {
		return m.onForm(s, in)
	}

	h, ok := m.table[s.Stage]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q", ErrUnknownStage, s.Stage)
	}
	in.Text = strings.TrimSpace(in.Text)
	return h(m, s, in), nil
}

func (m *Machine) onInitial(s model.State, in Input) Transition {
	s = recordSymptom(s, in.Text)
	s = mergeExtraction(s, extract.Extract(in.Text))
	return move(s, model.StageSymptomConfirmation, ActionRequestMoreDetail)
}

func (m *Machine) onSymptomConfirmation(s model.State, in Input) Transition {
	found := extract.Extract(in.Text)
	pending := s.DurationPending
	s = mergeExtraction(s, found)
	if pending && !found.Duration.Found() && s.Patient.Duration == "" && in.Text != "" {
		// answer to the local duration question
		s.Patient.Duration = in.Text
		s.HasProvidedDuration = true
	}
	s = recordSymptom(s, in.Text)
	return m.afterSymptoms(s)
}

func (m *Machine) onAgeGenderCollection(s model.State, in Input) Transition {
	s = mergeExtraction(s, extract.Extract(in.Text))
	if !s.Patient.HasDemographics() {
		return move(s, model.StageAgeGenderCollection, ActionAskDemographics)
	}
	return m.afterDemographics(s)
}

func (m *Machine) onDeepDive(s model.State, in Input) Transition {
	s = recordSymptom(s, in.Text)
	s = mergeExtraction(s, extract.Extract(in.Text))
	if !s.Patient.HasDemographics() {
		return move(s, model.StageAgeGenderCollection, ActionAskDemographics)
	}
	return move(s, model.StageFinalDiagnosis, ActionRequestFinalDiagnosis)
}

func (m *Machine) onFinalDiagnosis(s model.State, _ Input) Transition {
	next := model.NewState()
	if m.cfg.KeepDemographics {
		next.Patient.Age = s.Patient.Age
		next.Patient.Gender = s.Patient.Gender
		next.HasProvidedAgeGender = s.HasProvidedAgeGender
	}
	t := move(next, model.StageInitial, ActionOfferNewConcern)
	t.From = s.Stage
	return t
}

// onForm records the structured demographics. The form advances the
// protocol only while demographics are being collected.
func (m *Machine) onForm(s model.State, in Input) (Transition, error) {
	age := strings.TrimSpace(in.Age)
	if age == "" || in.Gender == model.GenderUnknown {
		return move(s, s.Stage, ActionRejectForm), ErrDemographicsIncomplete
	}

	s.Patient.Age = age
	s.Patient.Gender = in.Gender
	s.HasProvidedAgeGender = true

	switch s.Stage {
	case model.StageAgeGenderCollection, model.StageSymptomConfirmation:
		return m.afterDemographics(s), nil
	default:
		return move(s, s.Stage, ActionNone), nil
	}
}

// afterSymptoms is the SYMPTOM_CONFIRMATION decision row.
func (m *Machine) afterSymptoms(s model.State) Transition {
	switch {
	case s.Patient.HasDemographics() && s.Patient.Duration != "":
		s.DurationPending = false
		return move(s, model.StageDeepDive, ActionRequestDeepDive)
	case s.Patient.HasDemographics():
		s.DurationPending = true
		return move(s, model.StageSymptomConfirmation, ActionAskDuration)
	default:
		return move(s, model.StageAgeGenderCollection, ActionAskDemographics)
	}
}

// afterDemographics is the AGE_GENDER_COLLECTION decision row.
func (m *Machine) afterDemographics(s model.State) Transition {
	if s.Patient.Duration != "" {
		s.DurationPending = false
		return move(s, model.StageDeepDive, ActionRequestDeepDive)
	}
	s.DurationPending = true
	return move(s, model.StageSymptomConfirmation, ActionAskDuration)
}

func move(s model.State, next model.Stage, action Action) Transition {
	from := s.Stage
	s.Stage = next
	return Transition{From: from, Next: next, Action: action, State: s}
}

func recordSymptom(s model.State, text string) model.State {
	if text != "" {
		s.Symptoms = append(s.Symptoms, text)
	}
	return s
}

// mergeExtraction applies the overwrite rule: an empty field takes any
// value, a set field only an explicit restatement.
func mergeExtraction(s model.State, r extract.Result) model.State {
	if r.Age.Found() && (s.Patient.Age == "" || r.Age.Explicit) {
		s.Patient.Age = r.Age.Value
	}
	if r.Gender.Found() && (s.Patient.Gender == model.GenderUnknown || r.Gender.Explicit) {
		s.Patient.Gender = model.Gender(r.Gender.Value)
	}
	if r.Duration.Found() && (s.Patient.Duration == "" || r.Duration.Explicit) {
		s.Patient.Duration = r.Duration.Value
	}

	s.HasProvidedAgeGender = s.Patient.HasDemographics()
	s.HasProvidedDuration = s.Patient.Duration != ""
	return s
}
