package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-clinic/backend/internal/analysis/policy"
	"github.com/zhouzirui/z-clinic/backend/internal/metrics"
	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-clinic/backend/internal/service/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/service/topic"
)

type scriptedResponder struct {
	mu       sync.Mutex
	replies  map[ai.Kind][]string
	openErr  error
	midErr   error
	calls    []ai.Kind
	requests []ai.Request
}

func (r *scriptedResponder) respond(kind ai.Kind, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	r.mu.Lock()
	r.calls = append(r.calls, kind)
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.openErr != nil {
		return nil, r.openErr
	}
	chunks := r.replies[kind]
	sr, sw := schema.Pipe[*schema.Message](len(chunks) + 1)
	for _, c := range chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	if r.midErr != nil {
		sw.Send(nil, r.midErr)
	}
	sw.Close()
	return sr, nil
}

func (r *scriptedResponder) RequestMoreDetail(_ context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.respond(ai.KindMoreDetail, req)
}

func (r *scriptedResponder) RequestDeepDive(_ context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.respond(ai.KindDeepDive, req)
}

func (r *scriptedResponder) RequestFinalDiagnosis(_ context.Context, req ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.respond(ai.KindFinalDiagnosis, req)
}

func (r *scriptedResponder) Calls() []ai.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ai.Kind(nil), r.calls...)
}

type fixedClassifier policy.Verdict

func (c fixedClassifier) Classify(context.Context, string, string) topic.Decision {
	return topic.Decision{Verdict: policy.Verdict(c), Source: topic.SourceRemote}
}

const finalReply = "This looks like a **tension headache**.\n" +
	"SOURCE: Mayo Clinic - https://www.mayoclinic.org/tension-headache\n" +
	"SOURCE: Some Blog - http://blog.example/headache\n" +
	"LABEL: Neurologist\n" +
	"CTA: Book a visit with a neurologist."

func defaultReplies() map[ai.Kind][]string {
	return map[ai.Kind][]string{
		ai.KindMoreDetail:     {"Where ", "exactly ", "does it hurt?"},
		ai.KindDeepDive:       {"Does light ", "make it worse?"},
		ai.KindFinalDiagnosis: strings.SplitAfter(finalReply, "\n"),
	}
}

type fixture struct {
	orch      *Orchestrator
	responder *scriptedResponder
	metrics   *metrics.Metrics
	texts     locale.Store
}

func newFixture(t *testing.T, limit int, classifier Classifier) *fixture {
	t.Helper()
	texts := locale.NewMemoryStore(locale.Seed())
	responder := &scriptedResponder{replies: defaultReplies()}
	m := metrics.New(prometheus.NewRegistry())
	orch := New(Deps{
		Sessions:   chatsvc.NewService(chatsvc.Config{MessageCap: limit}),
		Responder:  responder,
		Classifier: classifier,
		Texts:      texts,
		Metrics:    m,
		Logger:     zerolog.Nop(),
	})
	return &fixture{orch: orch, responder: responder, metrics: m, texts: texts}
}

func (f *fixture) open(t *testing.T, lang locale.Language) *chatsvc.Session {
	t.Helper()
	session, welcome, err := f.orch.Open(context.Background(), lang)
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	if welcome.Sender != chat.SenderBot || welcome.IsStreaming {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}
	return session
}

func (f *fixture) submit(t *testing.T, session *chatsvc.Session, text string) Result {
	t.Helper()
	res, err := f.orch.SubmitTurn(context.Background(), session.ID(), text, nil)
	if err != nil {
		t.Fatalf("SubmitTurn(%q) err: %v", text, err)
	}
	return res
}

func lastMessage(session *chatsvc.Session) chat.Message {
	msgs := session.Snapshot().Messages
	return msgs[len(msgs)-1]
}

func TestIntakeHappyPath(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	session := f.open(t, locale.English)

	res := f.submit(t, session, "I have a headache for 3 days")
	if res.Outcome != OutcomeHandled || res.Stage != intake.StageSymptomConfirmation {
		t.Fatalf("first turn: %+v", res)
	}
	if got := lastMessage(session).Text; !strings.Contains(got, "Where exactly does it hurt?") {
		t.Fatalf("more-detail reply = %q", got)
	}

	res = f.submit(t, session, "It is a throbbing pain")
	if res.Stage != intake.StageAgeGenderCollection || res.Action != "ask_demographics" {
		t.Fatalf("second turn: %+v", res)
	}
	if !session.Snapshot().FormRequested {
		t.Fatal("demographics form not requested")
	}

	res, err := f.orch.SubmitDemographics(ctx, session.ID(), "34", "female", nil)
	if err != nil {
		t.Fatalf("SubmitDemographics err: %v", err)
	}
	if res.Stage != intake.StageDeepDive || res.Outcome != OutcomeHandled {
		t.Fatalf("form: %+v", res)
	}

	before := len(session.Snapshot().Messages)
	res = f.submit(t, session, "It gets worse with bright light")
	if res.Stage != intake.StageFinalDiagnosis || res.Outcome != OutcomeHandled {
		t.Fatalf("deep dive: %+v", res)
	}

	snap := session.Snapshot()
	if got := len(snap.Messages) - before; got != 2 {
		t.Fatalf("expected user message plus exactly one bot message, got %d new", got)
	}
	diagnosis := snap.Messages[len(snap.Messages)-1]
	if diagnosis.IsStreaming || snap.Processing || snap.Validating {
		t.Fatalf("diagnosis left streaming: %+v", snap)
	}
	for _, want := range []string{
		"<strong>tension headache</strong>",
		`class="specialist-label">Neurologist`,
		`href="https://www.mayoclinic.org/tension-headache"`,
		`class="source-fallback"`,
		`class="cta"`,
	} {
		if !strings.Contains(diagnosis.Text, want) {
			t.Fatalf("diagnosis missing %q:\n%s", want, diagnosis.Text)
		}
	}
	if strings.Contains(diagnosis.Text, "SOURCE:") || strings.Contains(diagnosis.Text, "LABEL:") {
		t.Fatalf("directive syntax leaked:\n%s", diagnosis.Text)
	}

	last := f.responder.requests[len(f.responder.requests)-1]
	if last.Patient.Age != "34" || last.Patient.Gender != intake.GenderFemale || last.Patient.Duration != "3 days" {
		t.Fatalf("patient context not forwarded: %+v", last.Patient)
	}
	if last.Query != "It gets worse with bright light" {
		t.Fatalf("query = %q", last.Query)
	}
	for _, m := range last.History {
		if m.Text == last.Query {
			t.Fatal("current utterance duplicated in history")
		}
	}

	res = f.submit(t, session, "thank you")
	if res.Stage != intake.StageInitial || res.Action != "offer_new_concern" {
		t.Fatalf("after diagnosis: %+v", res)
	}
	state := session.State()
	if state.Patient.Age != "34" || state.Patient.Duration != "" || len(state.Symptoms) != 0 {
		t.Fatalf("new concern reset wrong: %+v", state)
	}

	want := []ai.Kind{ai.KindMoreDetail, ai.KindDeepDive, ai.KindFinalDiagnosis}
	if got := f.responder.Calls(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if snap := session.Snapshot(); snap.MessageCount != 4 {
		t.Fatalf("message count = %d, want 4 utterances", snap.MessageCount)
	}
}

func TestEmergencyNeverCallsModel(t *testing.T) {
	f := newFixture(t, 0, fixedClassifier(policy.VerdictMedical))
	for _, lang := range []locale.Language{locale.English, locale.Arabic} {
		session := f.open(t, lang)
		text := "I have chest pain and my arm is numb"
		if lang == locale.Arabic {
			text = "أشعر بألم في الصدر"
		}

		res := f.submit(t, session, text)
		if res.Outcome != OutcomeEmergency || res.Stage != intake.StageInitial {
			t.Fatalf("%s: %+v", lang, res)
		}
		if session.State().Stage != intake.StageInitial {
			t.Fatalf("%s: emergency changed stage", lang)
		}
		if got := lastMessage(session).Text; !strings.Contains(got, "997") {
			t.Fatalf("%s: emergency message = %q", lang, got)
		}
	}
	if calls := f.responder.Calls(); len(calls) != 0 {
		t.Fatalf("emergency issued remote calls: %v", calls)
	}
}

func TestLanguageMismatch(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.Arabic)

	res := f.submit(t, session, "I have a headache")
	if res.Outcome != OutcomeLanguageMismatch || res.Stage != intake.StageInitial {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := f.orch.pipeline.Plain(f.texts.Text(locale.Arabic, locale.KeyLanguageMismatch))
	if got := lastMessage(session).Text; got != want {
		t.Fatalf("warning = %q, want %q", got, want)
	}
	if len(f.responder.Calls()) != 0 {
		t.Fatal("language mismatch contacted the model")
	}
}

func TestNonMedicalRefused(t *testing.T) {
	f := newFixture(t, 0, fixedClassifier(policy.VerdictNonMedical))
	session := f.open(t, locale.English)

	res := f.submit(t, session, "Who will win the league this year?")
	if res.Outcome != OutcomeNonMedical || session.State().Stage != intake.StageInitial {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(f.responder.Calls()) != 0 {
		t.Fatal("non-medical turn contacted the model")
	}
	if got := testutil.ToFloat64(f.metrics.TurnsTotal.WithLabelValues("non_medical")); got != 1 {
		t.Fatalf("turn metric = %v", got)
	}
}

func TestMessageCapRefusesWithoutChanges(t *testing.T) {
	f := newFixture(t, 1, nil)
	session := f.open(t, locale.English)
	f.submit(t, session, "My throat is sore")

	before := session.Snapshot()
	res := f.submit(t, session, "It also hurts to swallow")
	if res.Accepted || res.Outcome != OutcomeRejectedCap {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Notice != f.texts.Text(locale.English, locale.KeyCapReached) {
		t.Fatalf("notice = %q", res.Notice)
	}
	after := session.Snapshot()
	if len(after.Messages) != len(before.Messages) || after.MessageCount != before.MessageCount || after.State.Stage != before.State.Stage {
		t.Fatalf("cap refusal changed the session: %+v", after)
	}

	if _, err := f.orch.Reset(context.Background(), session.ID()); err != nil {
		t.Fatalf("Reset err: %v", err)
	}
	if res := f.submit(t, session, "My throat is sore"); !res.Accepted {
		t.Fatalf("reset did not clear the cap: %+v", res)
	}
}

func TestEmptyTurnRejected(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)
	if res := f.submit(t, session, "   "); res.Accepted || res.Outcome != OutcomeRejectedEmpty {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := len(session.Snapshot().Messages); n != 1 {
		t.Fatalf("messages = %d, want only the welcome", n)
	}
}

func TestMidStreamErrorFreezesBubble(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.responder.midErr = errors.New("connection reset")
	session := f.open(t, locale.English)

	res := f.submit(t, session, "I twisted my ankle")
	if res.Outcome != OutcomeFallback || res.Stage != intake.StageSymptomConfirmation {
		t.Fatalf("unexpected result: %+v", res)
	}

	snap := session.Snapshot()
	if snap.Processing || snap.Validating || session.Busy() {
		t.Fatalf("flags left set: %+v", snap)
	}
	bot := snap.Messages[len(snap.Messages)-1]
	if bot.IsStreaming || !strings.Contains(bot.Text, "Where exactly does it hurt?") {
		t.Fatalf("partial reply not frozen: %+v", bot)
	}
	notice := f.orch.canned(locale.English, locale.KeyStreamInterrupted)
	if !strings.HasSuffix(bot.Text, notice) {
		t.Fatalf("interruption notice missing: %q", bot.Text)
	}
}

// recordingClassifier records whether the session was validating while the
// verdict was computed.
type recordingClassifier struct {
	session    *chatsvc.Session
	validating bool
}

func (c *recordingClassifier) Classify(context.Context, string, string) topic.Decision {
	c.validating = c.session.Snapshot().Validating
	return topic.Decision{Verdict: policy.VerdictNonMedical, Source: topic.SourceRemote}
}

func TestValidationEndsAfterClassification(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)
	classifier := &recordingClassifier{session: session}
	f.orch.classifier = classifier

	var refusalSeenValidating bool
	res, err := f.orch.SubmitTurn(context.Background(), session.ID(), "Who won the match?", func(m chat.Message) {
		if m.Sender == chat.SenderBot {
			refusalSeenValidating = session.Snapshot().Validating
		}
	})
	if err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	if res.Outcome != OutcomeNonMedical {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !classifier.validating {
		t.Fatal("session not validating during classification")
	}
	if refusalSeenValidating {
		t.Fatal("validating flag still set after classification")
	}
}

// stallingResponder sends its chunks, then holds the stream open until the
// request context is cancelled.
type stallingResponder struct {
	chunks []string
}

func (r stallingResponder) open(ctx context.Context) (*schema.StreamReader[*schema.Message], error) {
	sr, sw := schema.Pipe[*schema.Message](len(r.chunks) + 1)
	for _, c := range r.chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	go func() {
		defer sw.Close()
		<-ctx.Done()
		sw.Send(nil, ctx.Err())
	}()
	return sr, nil
}

func (r stallingResponder) RequestMoreDetail(ctx context.Context, _ ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.open(ctx)
}

func (r stallingResponder) RequestDeepDive(ctx context.Context, _ ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.open(ctx)
}

func (r stallingResponder) RequestFinalDiagnosis(ctx context.Context, _ ai.Request) (*schema.StreamReader[*schema.Message], error) {
	return r.open(ctx)
}

func TestCancelledRequestStillAnswers(t *testing.T) {
	cases := []struct {
		name     string
		chunks   []string
		wantText func(o *Orchestrator) string
	}{
		{
			name: "no content",
			wantText: func(o *Orchestrator) string {
				return o.canned(locale.English, locale.KeyFallbackMoreDetail)
			},
		},
		{
			name:   "partial content",
			chunks: []string{"Where does"},
			wantText: func(o *Orchestrator) string {
				return "<p>Where does</p>" + o.canned(locale.English, locale.KeyStreamInterrupted)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0, nil)
			f.orch.responder = stallingResponder{chunks: tc.chunks}
			session := f.open(t, locale.English)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			res, err := f.orch.SubmitTurn(ctx, session.ID(), "I twisted my ankle", func(m chat.Message) {
				// 流式气泡出现且内容已到达后模拟客户端断开
				if m.Sender == chat.SenderBot && m.IsStreaming && (len(tc.chunks) == 0 || m.Text != "") {
					cancel()
				}
			})
			if err != nil {
				t.Fatalf("SubmitTurn err: %v", err)
			}
			if res.Outcome != OutcomeFallback || res.Stage != intake.StageSymptomConfirmation {
				t.Fatalf("unexpected result: %+v", res)
			}

			snap := session.Snapshot()
			if got := len(snap.Messages); got != 3 {
				t.Fatalf("expected welcome, user and one reply, got %d messages", got)
			}
			bot := snap.Messages[2]
			if bot.Sender != chat.SenderBot || bot.IsStreaming || bot.Text != tc.wantText(f.orch) {
				t.Fatalf("reply = %+v, want text %q", bot, tc.wantText(f.orch))
			}
			if snap.Processing || session.Busy() {
				t.Fatalf("flags left set: %+v", snap)
			}
		})
	}
}

func TestRequestErrorUsesStageFallback(t *testing.T) {
	f := newFixture(t, 0, nil)
	f.responder.openErr = &ai.HTTPError{StatusCode: 429}
	session := f.open(t, locale.Arabic)

	res := f.submit(t, session, "عندي صداع منذ يومين")
	if res.Outcome != OutcomeFallback || res.Stage != intake.StageSymptomConfirmation {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := f.orch.pipeline.Plain(f.texts.Text(locale.Arabic, locale.KeyFallbackMoreDetail))
	snap := session.Snapshot()
	bot := snap.Messages[len(snap.Messages)-1]
	if bot.Text != want || bot.IsStreaming {
		t.Fatalf("fallback = %+v, want text %q", bot, want)
	}
	if got := len(snap.Messages); got != 3 {
		t.Fatalf("expected welcome, user and one fallback, got %d messages", got)
	}
}

func TestSinkSeesStreamingUpdates(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)

	var seen []chat.Message
	_, err := f.orch.SubmitTurn(context.Background(), session.ID(), "My back hurts", func(m chat.Message) {
		seen = append(seen, m)
	})
	if err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}

	if len(seen) < 3 || seen[0].Sender != chat.SenderUser {
		t.Fatalf("unexpected sink sequence: %+v", seen)
	}
	bubble := seen[1].ID
	streaming := 0
	for _, m := range seen[1 : len(seen)-1] {
		if m.ID != bubble || !m.IsStreaming {
			t.Fatalf("update outside the bubble: %+v", m)
		}
		streaming++
	}
	final := seen[len(seen)-1]
	if final.ID != bubble || final.IsStreaming || streaming < 2 {
		t.Fatalf("final = %+v after %d updates", final, streaming)
	}
}

func TestResetDuringStreamDropsTurn(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)

	reset := false
	_, err := f.orch.SubmitTurn(context.Background(), session.ID(), "My knee is swollen", func(m chat.Message) {
		if m.IsStreaming && m.Text != "" && !reset {
			reset = true
			if _, err := f.orch.Reset(context.Background(), session.ID()); err != nil {
				t.Errorf("Reset err: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	if !reset {
		t.Fatal("stream never produced an update")
	}

	snap := session.Snapshot()
	if len(snap.Messages) != 1 || snap.Messages[0].Sender != chat.SenderBot {
		t.Fatalf("expected only the new welcome, got %+v", snap.Messages)
	}
	if snap.State.Stage != intake.StageInitial || snap.Processing || snap.MessageCount != 0 {
		t.Fatalf("stale turn leaked into the reset session: %+v", snap)
	}
}

func TestFormIncompleteAndNotCounted(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)

	res, err := f.orch.SubmitDemographics(context.Background(), session.ID(), "", "female", nil)
	if err != nil {
		t.Fatalf("SubmitDemographics err: %v", err)
	}
	if res.Outcome != OutcomeRejectedForm || session.State().Patient.Gender != intake.GenderUnknown {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := session.Snapshot().MessageCount; n != 0 {
		t.Fatalf("form counted toward the cap: %d", n)
	}
}

func TestSubmitInputUsesBuffer(t *testing.T) {
	f := newFixture(t, 0, nil)
	session := f.open(t, locale.English)
	ctx := context.Background()

	if _, err := f.orch.Sessions().AppendVoice(ctx, session.ID(), "my ear hurts"); err != nil {
		t.Fatalf("AppendVoice err: %v", err)
	}
	res, err := f.orch.SubmitInput(ctx, session.ID(), nil)
	if err != nil {
		t.Fatalf("SubmitInput err: %v", err)
	}
	if res.Stage != intake.StageSymptomConfirmation || session.Input() != "" {
		t.Fatalf("unexpected result: %+v input=%q", res, session.Input())
	}
}

func TestResponderlessOrchestratorFallsBack(t *testing.T) {
	orch := New(Deps{Sessions: chatsvc.NewService(chatsvc.Config{}), Logger: zerolog.Nop()})
	session, _, err := orch.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	res, err := orch.SubmitTurn(context.Background(), session.ID(), "I feel dizzy", nil)
	if err != nil {
		t.Fatalf("SubmitTurn err: %v", err)
	}
	if res.Outcome != OutcomeFallback || res.Stage != intake.StageSymptomConfirmation {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, 0, nil)
	if _, err := f.orch.SubmitTurn(context.Background(), "missing", "hello", nil); !errors.Is(err, chatsvc.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
