package locale

import "strings"

// Language 会话语言。
type Language string

const (
	English Language = "en"
	Arabic  Language = "ar"
)

// Parse normalises a language tag such as "en-US" or "AR".
func Parse(raw string) (Language, bool) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	switch Language(tag) {
	case English:
		return English, true
	case Arabic:
		return Arabic, true
	default:
		return "", false
	}
}

// Direction returns the text direction for the language.
func (l Language) Direction() string {
	if l == Arabic {
		return "rtl"
	}
	return "ltr"
}

// Key identifies a canned message.
type Key string

const (
	KeyWelcome            Key = "welcome"
	KeyLanguageMismatch   Key = "language_mismatch"
	KeyEmergency          Key = "emergency"
	KeyNonMedical         Key = "non_medical"
	KeyAskDuration        Key = "ask_duration"
	KeyAskDemographics    Key = "ask_demographics"
	KeyFormIncomplete     Key = "form_incomplete"
	KeyNewConcern         Key = "new_concern"
	KeyCapReached         Key = "cap_reached"
	KeyFallbackMoreDetail Key = "fallback_more_detail"
	KeyFallbackDeepDive   Key = "fallback_deep_dive"
	KeyFallbackDiagnosis  Key = "fallback_diagnosis"
	KeyStreamInterrupted  Key = "stream_interrupted"
	KeySpecialistHeading  Key = "specialist_heading"
	KeySourcesHeading     Key = "sources_heading"
	KeySearchFallback     Key = "search_fallback"
)

// Pack bundles every canned string for one language.
type Pack struct {
	Language  Language       `json:"language"`
	Name      string         `json:"name"`
	Direction string         `json:"direction"`
	Messages  map[Key]string `json:"-"`
}

// Seed provides the two supported language packs.
func Seed() []Pack {
	return []Pack{
		{
			Language:  English,
			Name:      "English",
			Direction: English.Direction(),
			Messages: map[Key]string{
				KeyWelcome:            "Hello! I'm your medical intake assistant. Please describe the symptoms that are bothering you.",
				KeyLanguageMismatch:   "Please write in English, the language selected for this session.",
				KeyEmergency:          "This may be a medical emergency. Call your local emergency number (911 or 997) or go to the nearest emergency department right away. Do not wait for an online assessment.",
				KeyNonMedical:         "I can only help with medical questions. Please describe a health concern or symptom.",
				KeyAskDuration:        "How long have you had these symptoms?",
				KeyAskDemographics:    "To continue, please share your age and gender using the form below.",
				KeyFormIncomplete:     "Please provide both your age and gender.",
				KeyNewConcern:         "I hope this assessment helps. Would you like to discuss a new health concern? Describe your symptoms to start again.",
				KeyCapReached:         "You have reached the message limit for this session. Please start a new session to continue.",
				KeyFallbackMoreDetail: "Could you tell me a little more about your symptoms, such as where you feel them and how severe they are?",
				KeyFallbackDeepDive:   "Have you noticed anything that makes your symptoms better or worse?",
				KeyFallbackDiagnosis:  "I could not complete the assessment right now. Please consult a general practitioner for an in-person evaluation.",
				KeyStreamInterrupted:  "_The connection was interrupted before the reply finished. Please send your message again if something is missing._",
				KeySpecialistHeading:  "Recommended specialist:",
				KeySourcesHeading:     "Sources",
				KeySearchFallback:     "web search",
			},
		},
		{
			Language:  Arabic,
			Name:      "العربية",
			Direction: Arabic.Direction(),
			Messages: map[Key]string{
				KeyWelcome:            "مرحباً! أنا مساعدك للاستقبال الطبي. يرجى وصف الأعراض التي تزعجك.",
				KeyLanguageMismatch:   "يرجى الكتابة باللغة العربية، وهي اللغة المختارة لهذه الجلسة.",
				KeyEmergency:          "قد تكون هذه حالة طبية طارئة. اتصل برقم الطوارئ المحلي (997 أو 911) أو توجّه إلى أقرب قسم طوارئ فوراً. لا تنتظر التقييم عبر الإنترنت.",
				KeyNonMedical:         "يمكنني المساعدة في الأسئلة الطبية فقط. يرجى وصف مشكلة صحية أو عرض تشعر به.",
				KeyAskDuration:        "منذ متى تعاني من هذه الأعراض؟",
				KeyAskDemographics:    "للمتابعة، يرجى إدخال عمرك وجنسك باستخدام النموذج أدناه.",
				KeyFormIncomplete:     "يرجى إدخال العمر والجنس معاً.",
				KeyNewConcern:         "أتمنى أن يكون هذا التقييم مفيداً. هل ترغب في مناقشة مشكلة صحية جديدة؟ صف أعراضك للبدء من جديد.",
				KeyCapReached:         "لقد وصلت إلى الحد الأقصى للرسائل في هذه الجلسة. يرجى بدء جلسة جديدة للمتابعة.",
				KeyFallbackMoreDetail: "هل يمكنك إخباري بالمزيد عن أعراضك، مثل مكانها ومدى شدتها؟",
				KeyFallbackDeepDive:   "هل لاحظت أي شيء يخفف أعراضك أو يزيدها سوءاً؟",
				KeyFallbackDiagnosis:  "تعذّر إكمال التقييم الآن. يرجى مراجعة طبيب عام لإجراء تقييم شخصي.",
				KeyStreamInterrupted:  "_انقطع الاتصال قبل اكتمال الرد. يرجى إعادة إرسال رسالتك إذا كان هناك شيء ناقص._",
				KeySpecialistHeading:  "التخصص المقترح:",
				KeySourcesHeading:     "المصادر",
				KeySearchFallback:     "بحث على الويب",
			},
		},
	}
}
