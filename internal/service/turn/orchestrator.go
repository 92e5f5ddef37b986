// Package turn is the façade the transports call: it admits a submission,
// runs the language, emergency and topic checks, asks the intake machine for
// the next step and streams the stage request through the render pipeline
// into the session transcript.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/policy"
	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/render"
	"github.com/zhouzirui/z-clinic/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	intakesvc "github.com/zhouzirui/z-clinic/backend/internal/service/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/service/topic"
	"github.com/zhouzirui/z-clinic/backend/internal/stream"
)

// Outcome describes how a submission ended.
type Outcome string

const (
	OutcomeRejectedEmpty      Outcome = "rejected_empty"
	OutcomeRejectedBusy       Outcome = "rejected_busy"
	OutcomeRejectedValidating Outcome = "rejected_validating"
	OutcomeRejectedCap        Outcome = "rejected_cap"
	OutcomeLanguageMismatch   Outcome = "language_mismatch"
	OutcomeEmergency          Outcome = "emergency"
	OutcomeNonMedical         Outcome = "non_medical"
	OutcomeRejectedForm       Outcome = "rejected_form"
	OutcomeHandled            Outcome = "handled"
	OutcomeFallback           Outcome = "fallback"
)

var errTurnAbandoned = errors.New("turn abandoned by session reset")

// Result reports a submission. Rejected submissions leave the session
// untouched; Notice then carries the localized explanation, if any.
type Result struct {
	Accepted bool             `json:"accepted"`
	Outcome  Outcome          `json:"outcome"`
	Stage    intake.Stage     `json:"stage"`
	Action   intakesvc.Action `json:"action,omitempty"`
	Notice   string           `json:"notice,omitempty"`
}

// Sink receives every appended message and every in-place streaming update.
type Sink func(chat.Message)

// Responder issues the stage-specific model requests.
type Responder interface {
	RequestMoreDetail(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error)
	RequestDeepDive(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error)
	RequestFinalDiagnosis(ctx context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error)
}

// Classifier judges whether an utterance belongs to a consultation.
type Classifier interface {
	Classify(ctx context.Context, utterance, lastBot string) topic.Decision
}

// Deps wires the orchestrator. Responder and Classifier may be nil: a
// missing responder answers every remote step with the stage fallback, a
// missing classifier uses the local heuristic.
type Deps struct {
	Sessions   *chatsvc.Service
	Machine    *intakesvc.Machine
	Responder  Responder
	Classifier Classifier
	Pipeline   *render.Pipeline
	Texts      locale.Store
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Orchestrator runs turns. It is safe for concurrent use across sessions;
// within a session the admission rules serialise turns.
type Orchestrator struct {
	sessions   *chatsvc.Service
	machine    *intakesvc.Machine
	responder  Responder
	classifier Classifier
	pipeline   *render.Pipeline
	texts      locale.Store
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// New builds an orchestrator.
func New(d Deps) *Orchestrator {
	texts := d.Texts
	if texts == nil {
		texts = locale.NewMemoryStore(locale.Seed())
	}
	pipeline := d.Pipeline
	if pipeline == nil {
		pipeline = render.NewPipeline(render.NewTrustList(), texts, nil)
	}
	machine := d.Machine
	if machine == nil {
		machine = intakesvc.New(intakesvc.Config{KeepDemographics: true})
	}
	return &Orchestrator{
		sessions:   d.Sessions,
		machine:    machine,
		responder:  d.Responder,
		classifier: d.Classifier,
		pipeline:   pipeline,
		texts:      texts,
		metrics:    d.Metrics,
		log:        d.Logger.With().Str("component", "turn").Logger(),
	}
}

// Sessions exposes the registry for read-only transports.
func (o *Orchestrator) Sessions() *chatsvc.Service {
	return o.sessions
}

// Open creates a session and greets the patient.
func (o *Orchestrator) Open(ctx context.Context, lang locale.Language) (*chatsvc.Session, chat.Message, error) {
	session, err := o.sessions.CreateSession(ctx, lang)
	if err != nil {
		return nil, chat.Message{}, err
	}
	o.metrics.RecordSession()
	welcome := session.AppendWelcome(o.canned(session.Language(), locale.KeyWelcome))
	o.log.Info().Str("session", session.ID()).Str("language", string(session.Language())).Msg("session opened")
	return session, welcome, nil
}

// Reset clears the session, cancels any in-flight turn and greets again.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) (chat.Message, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Message{}, err
	}
	session.Reset()
	o.log.Info().Str("session", sessionID).Msg("session reset")
	return session.AppendWelcome(o.canned(session.Language(), locale.KeyWelcome)), nil
}

// SubmitInput submits the session's input buffer as an utterance.
func (o *Orchestrator) SubmitInput(ctx context.Context, sessionID string, sink Sink) (Result, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	return o.SubmitTurn(ctx, sessionID, session.Input(), sink)
}

// SubmitTurn runs one free-text turn to completion. The returned error is
// reserved for unknown sessions and internal faults; policy refusals and
// remote failures are reported through Result.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID, text string, sink Sink) (Result, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	sink = safeSink(sink)

	turn, userMsg, adm := session.Admit(ctx, chatsvc.TurnUtterance, text)
	if adm != chatsvc.Admitted {
		return o.rejected(session, adm), nil
	}
	defer turn.Finish()
	sink(userMsg)

	lang := turn.Language()
	logger := o.log.With().Str("session", sessionID).Logger()

	if !policy.MatchesLanguage(text, lang) {
		return o.refuse(turn, sink, OutcomeLanguageMismatch, locale.KeyLanguageMismatch), nil
	}
	if policy.IsEmergency(text) {
		logger.Warn().Str("stage", string(turn.State().Stage)).Msg("emergency keywords detected")
		return o.refuse(turn, sink, OutcomeEmergency, locale.KeyEmergency), nil
	}
	decision := o.classify(turn.Context(), session, text)
	turn.EndValidation()
	if !decision.Permits() {
		return o.refuse(turn, sink, OutcomeNonMedical, locale.KeyNonMedical), nil
	}

	tr, err := o.machine.Next(turn.State(), intakesvc.Input{Kind: intakesvc.InputUtterance, Text: text})
	if err != nil {
		logger.Error().Err(err).Msg("intake transition failed")
		o.metrics.RecordTurn(string(OutcomeFallback))
		return Result{Accepted: true, Outcome: OutcomeFallback, Stage: turn.State().Stage}, fmt.Errorf("turn: %w", err)
	}
	return o.apply(session, turn, userMsg, tr, strings.TrimSpace(text), sink), nil
}

// SubmitDemographics records the structured age and gender form. It is
// refused under the same admission rules as an utterance but does not count
// toward the message cap.
func (o *Orchestrator) SubmitDemographics(ctx context.Context, sessionID, age, gender string, sink Sink) (Result, error) {
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	sink = safeSink(sink)

	g, _ := intake.ParseGender(gender)
	age = strings.TrimSpace(age)
	summary := formSummary(age, g)

	turn, userMsg, adm := session.Admit(ctx, chatsvc.TurnForm, summary)
	if adm != chatsvc.Admitted {
		return o.rejected(session, adm), nil
	}
	defer turn.Finish()
	sink(userMsg)

	tr, err := o.machine.Next(turn.State(), intakesvc.Input{Kind: intakesvc.InputDemographicsForm, Age: age, Gender: g})
	if errors.Is(err, intakesvc.ErrDemographicsIncomplete) {
		return o.refuse(turn, sink, OutcomeRejectedForm, locale.KeyFormIncomplete), nil
	}
	if err != nil {
		return Result{Accepted: true, Outcome: OutcomeFallback, Stage: turn.State().Stage}, fmt.Errorf("turn: %w", err)
	}
	return o.apply(session, turn, userMsg, tr, summary, sink), nil
}

// apply stores the transition and executes its action.
func (o *Orchestrator) apply(session *chatsvc.Session, turn *chatsvc.Turn, userMsg chat.Message, tr intakesvc.Transition, query string, sink Sink) Result {
	turn.SetState(tr.State)
	o.metrics.RecordTransition(string(tr.From), string(tr.Next))
	o.log.Debug().Str("session", session.ID()).Str("from", string(tr.From)).Str("to", string(tr.Next)).
		Str("action", string(tr.Action)).Msg("stage transition")

	outcome := OutcomeHandled
	lang := turn.Language()
	switch tr.Action {
	case intakesvc.ActionRequestMoreDetail, intakesvc.ActionRequestDeepDive, intakesvc.ActionRequestFinalDiagnosis:
		turn.SetFormRequested(false)
		req := ai.Request{
			SessionID: session.ID(),
			Language:  lang,
			Patient:   tr.State.Patient,
			Symptoms:  tr.State.Symptoms,
			History:   priorHistory(session, userMsg.ID),
			Query:     query,
		}
		outcome = o.stream(turn, tr, req, sink)
	case intakesvc.ActionAskDuration:
		turn.SetFormRequested(false)
		o.reply(turn, sink, locale.KeyAskDuration)
	case intakesvc.ActionAskDemographics:
		turn.SetFormRequested(true)
		o.reply(turn, sink, locale.KeyAskDemographics)
	case intakesvc.ActionOfferNewConcern:
		turn.SetFormRequested(false)
		o.reply(turn, sink, locale.KeyNewConcern)
	case intakesvc.ActionRejectForm:
		o.reply(turn, sink, locale.KeyFormIncomplete)
		outcome = OutcomeRejectedForm
	}

	o.metrics.RecordTurn(string(outcome))
	return Result{Accepted: true, Outcome: outcome, Stage: tr.Next, Action: tr.Action}
}

// stream runs one remote request into a single streaming bubble. On failure,
// including a cancelled request, the bubble is frozen with whatever arrived
// plus an interruption notice, or with the stage fallback if nothing did, so
// exactly one bot message results. Only a session reset leaves it to Finish.
func (o *Orchestrator) stream(turn *chatsvc.Turn, tr intakesvc.Transition, req ai.Request, sink Sink) Outcome {
	bubble, ok := turn.BeginStream()
	if !ok {
		return OutcomeFallback
	}
	sink(bubble)

	release := o.metrics.StreamStarted()
	defer release()

	kind := requestKind(tr.Action)
	started := time.Now()
	buf := stream.NewBuffer()

	sr, err := o.open(turn.Context(), tr.Action, req)
	if err == nil {
		err = o.consume(turn, bubble.ID, sr, buf, req.Language, sink)
	}
	duration := time.Since(started)

	event := o.log.Info()
	status := "ok"
	if err != nil {
		status = "error"
		event = o.log.Warn().Err(err)
	}
	event.Str("session", req.SessionID).Str("stage", string(tr.Next)).Str("kind", string(kind)).
		Dur("duration", duration).Int("length", len(buf.Text())).Msg("model request finished")
	o.metrics.RecordModelRequest(string(kind), status, duration)

	if errors.Is(err, errTurnAbandoned) {
		return OutcomeFallback
	}

	outcome := OutcomeHandled
	final := o.pipeline.Render(buf, req.Language, true)
	switch {
	case strings.TrimSpace(buf.Text()) == "":
		final = o.canned(req.Language, fallbackKey(tr.Action))
		outcome = OutcomeFallback
	case err != nil:
		// 保留已收到的内容，并提示回复被中断
		final += o.canned(req.Language, locale.KeyStreamInterrupted)
		outcome = OutcomeFallback
	}

	if msg, ok := turn.EndStream(bubble.ID, final); ok {
		sink(msg)
	}
	return outcome
}

func (o *Orchestrator) open(ctx context.Context, action intakesvc.Action, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	if o.responder == nil {
		return nil, ai.ErrModelDisabled
	}
	switch action {
	case intakesvc.ActionRequestMoreDetail:
		return o.responder.RequestMoreDetail(ctx, req)
	case intakesvc.ActionRequestDeepDive:
		return o.responder.RequestDeepDive(ctx, req)
	case intakesvc.ActionRequestFinalDiagnosis:
		return o.responder.RequestFinalDiagnosis(ctx, req)
	default:
		return nil, fmt.Errorf("action %q is not a remote request", action)
	}
}

// consume appends every delta to buf and pushes the re-rendered bubble
// whenever its HTML changes.
func (o *Orchestrator) consume(turn *chatsvc.Turn, id string, sr *schema.StreamReader[*schema.Message], buf *stream.Buffer, lang locale.Language, sink Sink) error {
	defer sr.Close()

	ctx := turn.Context()
	last := ""
	for {
		if err := ctx.Err(); err != nil {
			return cancelled(turn, err)
		}
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return cancelled(turn, ctxErr)
			}
			return err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		buf.Append(chunk.Content)
		html := o.pipeline.Render(buf, lang, false)
		if html == last {
			continue
		}
		last = html
		msg, ok := turn.UpdateStream(id, html)
		if !ok {
			return errTurnAbandoned
		}
		sink(msg)
	}
}

// cancelled maps a cancelled turn context: a reset abandons the turn, any
// other cancellation is an ordinary stream failure.
func cancelled(turn *chatsvc.Turn, err error) error {
	if turn.Abandoned() {
		return errTurnAbandoned
	}
	return err
}

func (o *Orchestrator) classify(ctx context.Context, session *chatsvc.Session, text string) topic.Decision {
	lastBot := ""
	if m, ok := session.LastBotMessage(); ok {
		lastBot = m.Text
	}
	if o.classifier == nil {
		return topic.Decision{Verdict: policy.ClassifyTopic(text), Source: topic.SourceHeuristic}
	}
	return o.classifier.Classify(ctx, text, lastBot)
}

// refuse answers an admitted turn with a canned message and leaves the
// stage untouched.
func (o *Orchestrator) refuse(turn *chatsvc.Turn, sink Sink, outcome Outcome, key locale.Key) Result {
	o.reply(turn, sink, key)
	o.metrics.RecordTurn(string(outcome))
	return Result{Accepted: true, Outcome: outcome, Stage: turn.State().Stage}
}

func (o *Orchestrator) reply(turn *chatsvc.Turn, sink Sink, key locale.Key) {
	if msg, ok := turn.AppendBot(o.canned(turn.Language(), key)); ok {
		sink(msg)
	}
}

func (o *Orchestrator) rejected(session *chatsvc.Session, adm chatsvc.Admission) Result {
	res := Result{Outcome: Outcome(adm), Stage: session.State().Stage}
	if adm == chatsvc.RejectCap {
		res.Notice = o.texts.Text(session.Language(), locale.KeyCapReached)
	}
	o.metrics.RecordTurn(string(res.Outcome))
	o.log.Debug().Str("session", session.ID()).Str("outcome", string(res.Outcome)).Msg("turn rejected")
	return res
}

func (o *Orchestrator) canned(lang locale.Language, key locale.Key) string {
	return o.pipeline.Plain(o.texts.Text(lang, key))
}

// priorHistory returns the transcript before the utterance being answered.
func priorHistory(session *chatsvc.Session, userMsgID string) []chat.Message {
	hist := session.History(ai.HistoryLimit + 1)
	if n := len(hist); n > 0 && hist[n-1].ID == userMsgID {
		hist = hist[:n-1]
	}
	return hist
}

func requestKind(action intakesvc.Action) ai.Kind {
	switch action {
	case intakesvc.ActionRequestDeepDive:
		return ai.KindDeepDive
	case intakesvc.ActionRequestFinalDiagnosis:
		return ai.KindFinalDiagnosis
	default:
		return ai.KindMoreDetail
	}
}

func fallbackKey(action intakesvc.Action) locale.Key {
	switch action {
	case intakesvc.ActionRequestDeepDive:
		return locale.KeyFallbackDeepDive
	case intakesvc.ActionRequestFinalDiagnosis:
		return locale.KeyFallbackDiagnosis
	default:
		return locale.KeyFallbackMoreDetail
	}
}

func formSummary(age string, g intake.Gender) string {
	return fmt.Sprintf("Age: %s, Gender: %s", orDash(age), orDash(string(g)))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func safeSink(sink Sink) Sink {
	if sink == nil {
		return func(chat.Message) {}
	}
	return sink
}
