// Package intake extracts age, gender and symptom duration from free text
// in English and Arabic.
package intake

import (
	"regexp"
	"strconv"
	"strings"

	model "github.com/zhouzirui/z-clinic/backend/internal/model/intake"
)

// Field is one extracted value. Explicit is set when the utterance names the
// field itself ("I am 40 years old", "for 3 days") rather than leaving a bare
// cue such as a lone number.
type Field struct {
	Value    string
	Explicit bool
}

// Found reports whether a value was extracted.
func (f Field) Found() bool {
	return f.Value != ""
}

// Result holds every field found in one utterance.
type Result struct {
	Age      Field
	Gender   Field
	Duration Field
}

// character classes for Arabic letter variants
const (
	alef  = `[اأإآ]`
	taa   = `[ةه]`
	yaa   = `[يى]`
	arSep = `(?:^|[\s،,.!؟?:;()])`
	arEnd = `(?:$|[\s،,.!؟?:;()])`
)

const (
	enNumber = `(?:\d+|an?|one|two|three|four|five|six|seven|eight|nine|ten|a few|few|several|a couple of|couple of)`
	enUnit   = `(?:hours?|hrs?|days?|weeks?|wks?|months?|years?|yrs?)`
	arNumber = `(?:\d+|واحد|اثنين|ثلاث` + taa + `?|` + alef + `ربع` + taa + `?|خمس` + taa + `?|ست` + taa + `?|سبع` + taa + `?|ثماني` + taa + `?|تسع` + taa + `?|عشر` + taa + `?)`
	arUnit   = `(?:ساعتين|ساعات|ساع` + taa + `|يومين|` + alef + `يام|يوم|` + alef + `سبوعين|` + alef + `سابيع|` + alef + `سبوع|شهرين|شهور|` + alef + `شهر|شهر|سنتين|سنوات|سن` + taa + `)`
)

// ageSelfIntro indexes the "I am N" pattern in ageExplicit.
const ageSelfIntro = 2

var (
	ageExplicit = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d{1,3})[\s-]*(?:years?|yrs?)[\s-]*old\b`),
		regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:yo|y/o|y\.o\.)(?:\s|$|[,.;!?])`),
		regexp.MustCompile(`(?i)\b(?:i am|i'm|im|i’m)\s+(?:an?\s+)?(\d{1,3})\b`),
		regexp.MustCompile(`(?i)\bage(?:d|\s+is|:)?\s*:?\s*(\d{1,3})\b`),
		regexp.MustCompile(`(?:عمري|العمر|` + alef + `بلغ من العمر)\s*:?\s*(\d{1,3})`),
		regexp.MustCompile(`(\d{1,3})\s*(?:سن` + taa + `|عام|عاما)\s*من العمر`),
	}
	ageBare = regexp.MustCompile(`(?:^|[\s,;])(\d{1,3})(?:$|[\s,;.])`)

	genderExplicit = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:i am|i'm|im|i’m)\s+(?:an?\s+)?(?:\d{1,3}[\s-]*(?:(?:years?|yrs?)[\s-]*old|yo|y/o)?[\s-]*)?(male|female|man|woman|boy|girl|guy|lady|non-binary|nonbinary)\b`),
		regexp.MustCompile(`(?i)\b(?:gender|sex)\s*(?:is|:)?\s*:?\s*(male|female|man|woman|other|non-binary|nonbinary)\b`),
		regexp.MustCompile(`(?:` + alef + `نا|جنسي|الجنس)\s*:?\s*(ذكر|` + alef + `نث` + yaa + `|رجل|` + alef + `مر` + alef + taa + `)` + arEnd),
	}
	genderWeak = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(male|female|man|woman|boy|girl|gentleman|lady|non-binary|nonbinary)\b`),
		regexp.MustCompile(arSep + `(ذكر|` + alef + `نث` + yaa + `|رجل|` + alef + `مر` + alef + taa + `|بنت|ولد)` + arEnd),
	}

	durationExplicit = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:for|since|past|last|about|around|over)\s+(?:the\s+)?(?:past\s+|last\s+)?(` + enNumber + `[\s-]+` + enUnit + `)\b`),
		regexp.MustCompile(arSep + `(?:منذ|من|لمد` + taa + `|خلال)\s+((?:` + arNumber + `\s*)?` + arUnit + `(?:\s+` + arNumber + `)?)` + arEnd),
	}
	durationWeak = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(` + enNumber + `[\s-]+` + enUnit + `)\b`),
		regexp.MustCompile(`(?i)\b((?:since\s+)?(?:yesterday|last night|this morning|today|tonight))\b`),
		regexp.MustCompile(arSep + `((?:\d+\s*)` + arUnit + `|يومين|` + alef + `سبوعين|شهرين|سنتين)` + arEnd),
		regexp.MustCompile(`((?:منذ\s+)?(?:` + alef + `مس|البارح` + taa + `|الصباح|اليوم))` + arEnd),
	}

	unitAfter = regexp.MustCompile(`(?i)^[\s-]*(?:` + enUnit + `|` + arUnit + `|%|mg|kg|lbs?|cm|degrees?)`)
	oldAfter  = regexp.MustCompile(`(?i)^[\s-]*old\b`)
)

var digitFolds = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4", "٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4", "۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
)

// Extract scans text for age, gender and duration.
func Extract(text string) Result {
	normalized := strings.TrimSpace(digitFolds.Replace(text))
	if normalized == "" {
		return Result{}
	}
	return Result{
		Age:      extractAge(normalized),
		Gender:   extractGender(normalized),
		Duration: extractDuration(normalized),
	}
}

func extractAge(text string) Field {
	for i, re := range ageExplicit {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			value := text[m[2]:m[3]]
			// "I am 3 days into this" is not an age
			if i == ageSelfIntro && followedByUnit(text[m[3]:]) {
				continue
			}
			if validAge(value) {
				return Field{Value: value, Explicit: true}
			}
		}
	}

	// a lone number only counts in very short replies such as "40, male"
	if len(strings.Fields(text)) > 3 {
		return Field{}
	}
	for _, m := range ageBare.FindAllStringSubmatchIndex(text, -1) {
		value := text[m[2]:m[3]]
		if followedByUnit(text[m[3]:]) {
			continue
		}
		if validAge(value) {
			return Field{Value: value}
		}
	}
	return Field{}
}

// followedByUnit reports whether rest starts with a unit that makes the
// preceding number something other than an age.
func followedByUnit(rest string) bool {
	loc := unitAfter.FindStringIndex(rest)
	if loc == nil {
		return false
	}
	return !oldAfter.MatchString(rest[loc[1]:])
}

func validAge(value string) bool {
	n, err := strconv.Atoi(value)
	return err == nil && n > 0 && n <= 120
}

func extractGender(text string) Field {
	for _, re := range genderExplicit {
		if m := re.FindStringSubmatch(text); m != nil {
			if g, ok := genderFromWord(m[1]); ok {
				return Field{Value: string(g), Explicit: true}
			}
		}
	}

	var found model.Gender
	for _, re := range genderWeak {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			g, ok := genderFromWord(m[1])
			if !ok {
				continue
			}
			if found != model.GenderUnknown && found != g {
				// conflicting cues are ambiguous
				return Field{}
			}
			found = g
		}
	}
	if found == model.GenderUnknown {
		return Field{}
	}
	return Field{Value: string(found)}
}

var arabicGenderFolds = strings.NewReplacer("أ", "ا", "إ", "ا", "آ", "ا", "ى", "ي", "ة", "ه")

func genderFromWord(word string) (model.Gender, bool) {
	switch arabicGenderFolds.Replace(strings.ToLower(word)) {
	case "male", "man", "boy", "guy", "gentleman", "ذكر", "رجل", "ولد":
		return model.GenderMale, true
	case "female", "woman", "girl", "lady", "انثي", "امراه", "بنت":
		return model.GenderFemale, true
	case "other", "non-binary", "nonbinary":
		return model.GenderOther, true
	default:
		return model.GenderUnknown, false
	}
}

func extractDuration(text string) Field {
	for _, re := range durationExplicit {
		if m := re.FindStringSubmatch(text); m != nil {
			return Field{Value: cleanDuration(m[1]), Explicit: true}
		}
	}
	for _, re := range durationWeak {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			if oldAfter.MatchString(text[m[3]:]) {
				continue
			}
			return Field{Value: cleanDuration(text[m[2]:m[3]])}
		}
	}
	return Field{}
}

func cleanDuration(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if isASCIIText(value) {
		value = strings.ToLower(value)
	}
	return value
}

func isASCIIText(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
