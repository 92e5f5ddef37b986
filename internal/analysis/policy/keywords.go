package policy

import (
	"strings"
)

// Verdict is the outcome of the local topic heuristic.
type Verdict string

const (
	VerdictMedical    Verdict = "medical"
	VerdictNonMedical Verdict = "non_medical"
	VerdictUnknown    Verdict = "unknown"
)

var emergencyKeywords = []string{
	"chest pain", "heart attack", "stroke", "can't breathe", "cannot breathe", "cant breathe",
	"not breathing", "difficulty breathing", "trouble breathing", "shortness of breath",
	"unconscious", "passed out", "fainted", "severe bleeding", "bleeding heavily", "won't stop bleeding",
	"suicide", "suicidal", "kill myself", "end my life", "overdose", "seizure", "choking",
	"anaphylaxis", "throat is closing", "poisoning", "poisoned", "face drooping", "slurred speech",
	"ألم في الصدر", "الم في الصدر", "ألم بالصدر", "نوبة قلبية", "جلطة", "سكتة دماغية",
	"لا أستطيع التنفس", "لا استطيع التنفس", "صعوبة في التنفس", "ضيق في التنفس", "ضيق تنفس",
	"فقدان الوعي", "فقدت الوعي", "أغمي علي", "اغمي علي", "نزيف حاد", "نزيف شديد",
	"انتحار", "أنتحر", "انتحر", "أقتل نفسي", "جرعة زائدة", "تسمم", "تشنج", "اختناق",
}

var medicalKeywords = []string{
	"pain", "ache", "hurt", "sore", "fever", "cough", "cold", "flu", "headache", "migraine",
	"nausea", "vomit", "diarrhea", "diarrhoea", "constipation", "rash", "itch", "swelling", "swollen",
	"dizzy", "dizziness", "tired", "fatigue", "blood", "bleed", "infection", "allergy", "allergic",
	"symptom", "sick", "ill", "injury", "injured", "sprain", "fracture", "burn", "breath", "breathing",
	"stomach", "throat", "ear", "eye", "skin", "back", "chest", "heart", "pressure", "diabetes",
	"insulin", "medication", "medicine", "pill", "dose", "doctor", "pregnant", "pregnancy", "period",
	"sleep", "insomnia", "anxiety", "depression", "weight", "appetite", "urine", "urinate",
	"years old", "year old", "male", "female", "days", "weeks", "months",
	"ألم", "الم", "وجع", "صداع", "حمى", "حرارة", "سعال", "كحة", "زكام", "إنفلونزا", "غثيان", "استفراغ",
	"تقيؤ", "إسهال", "اسهال", "إمساك", "طفح", "حكة", "تورم", "دوخة", "دوار", "تعب", "إرهاق",
	"نزيف", "التهاب", "حساسية", "أعراض", "اعراض", "مريض", "مرض", "إصابة", "كسر", "حرق", "تنفس",
	"معدة", "بطن", "حلق", "أذن", "عين", "جلد", "ظهر", "صدر", "قلب", "ضغط", "سكري", "دواء", "علاج",
	"طبيب", "حامل", "حمل", "الدورة", "نوم", "أرق", "قلق", "اكتئاب", "وزن", "شهية", "بول",
	"عمري", "سنة", "ذكر", "أنثى", "انثى", "أيام", "ايام", "أسبوع", "اسبوع", "شهر",
}

var nonMedicalKeywords = []string{
	"weather", "football", "soccer", "movie", "film", "song", "music", "recipe", "cook", "joke",
	"poem", "stock", "bitcoin", "crypto", "election", "politics", "homework", "code", "program",
	"javascript", "python", "game", "travel", "hotel", "flight", "restaurant", "celebrity",
	"الطقس", "كرة القدم", "مباراة", "فيلم", "أغنية", "اغنية", "موسيقى", "وصفة", "طبخ", "نكتة",
	"قصيدة", "أسهم", "بيتكوين", "انتخابات", "سياسة", "واجب", "برمجة", "لعبة", "سفر", "فندق",
	"رحلة", "مطعم",
}

// IsEmergency reports whether text contains any emergency keyword.
func IsEmergency(text string) bool {
	return countMatches(normalize(text), emergencyKeywords) > 0
}

// ClassifyTopic scores text against the medical and non-medical buckets.
// Ties and texts matching neither bucket are VerdictUnknown.
func ClassifyTopic(text string) Verdict {
	normalized := normalize(text)
	if normalized == "" {
		return VerdictUnknown
	}

	medical := countMatches(normalized, medicalKeywords) + countMatches(normalized, emergencyKeywords)
	nonMedical := countMatches(normalized, nonMedicalKeywords)
	switch {
	case medical > nonMedical:
		return VerdictMedical
	case nonMedical > medical:
		return VerdictNonMedical
	default:
		return VerdictUnknown
	}
}

// Permits applies the fail-open rule: only an explicit non-medical match
// denies the turn.
func (v Verdict) Permits() bool {
	return v != VerdictNonMedical
}

func countMatches(normalized string, keywords []string) int {
	score := 0
	for _, word := range keywords {
		if containsWord(normalized, normalize(word)) {
			score++
		}
	}
	return score
}

// containsWord matches needle on word boundaries for Latin text and as a
// substring for Arabic, where clitics attach to the word.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	if !isASCII(needle) {
		return strings.Contains(haystack, needle)
	}
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(needle)
		if (idx == 0 || !isWordByte(haystack[idx-1])) && (end == len(haystack) || !isWordByte(haystack[end])) {
			return true
		}
		// allow simple plurals and verb endings: "headaches", "coughing"
		if idx == 0 || !isWordByte(haystack[idx-1]) {
			if rest := haystack[end:]; hasSuffixWord(rest) {
				return true
			}
		}
		start = idx + 1
	}
}

func hasSuffixWord(rest string) bool {
	for _, suffix := range []string{"s", "es", "ing", "ed", "y", "ful"} {
		if strings.HasPrefix(rest, suffix) {
			tail := rest[len(suffix):]
			if tail == "" || !isWordByte(tail[0]) {
				return true
			}
		}
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

var arabicFolds = strings.NewReplacer(
	"أ", "ا", "إ", "ا", "آ", "ا",
	"ى", "ي",
	"ة", "ه",
	"ً", "", "ٌ", "", "ٍ", "", "َ", "", "ُ", "", "ِ", "", "ّ", "", "ْ", "",
	"ـ", "",
	"’", "'",
)

// normalize lower-cases Latin text and folds Arabic letter variants and
// diacritics so keyword lists need one spelling per word.
func normalize(text string) string {
	return arabicFolds.Replace(strings.ToLower(strings.TrimSpace(text)))
}
