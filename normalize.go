package gryag

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fact key/value normalization. All matching in the fact store runs on
// normalized forms; normalization is deterministic and category-scoped.

var foldCaser = cases.Fold()

// stripMarks removes combining marks after NFD decomposition, then
// recomposes. "Kyïv" and "Kyiv" normalize identically.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldText case-folds, strips diacritics, and collapses whitespace.
func foldText(s string) string {
	s = foldCaser.String(norm.NFC.String(s))
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	return strings.Join(strings.Fields(s), " ")
}

// ukrainianLatin transliterates Ukrainian Cyrillic per the 2010 national
// standard, simplified to position-independent mappings. Non-Cyrillic runes
// pass through.
var ukrainianLatin = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "h", 'ґ': "g", 'д': "d", 'е': "e",
	'є': "ie", 'ж': "zh", 'з': "z", 'и': "y", 'і': "i", 'ї': "i", 'й': "i",
	'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o", 'п': "p", 'р': "r",
	'с': "s", 'т': "t", 'у': "u", 'ф': "f", 'х': "kh", 'ц': "ts", 'ч': "ch",
	'ш': "sh", 'щ': "shch", 'ь': "", 'ю': "iu", 'я': "ia",
	// Russian-only letters seen in mixed-script chats.
	'ы': "y", 'э': "e", 'ё': "e", 'ъ': "",
}

func transliterate(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if lat, ok := ukrainianLatin[r]; ok {
			b.WriteString(lat)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Canonical location spellings after fold+transliteration. Keys are the
// folded transliterated variants, values the canonical form.
var locationAliases = map[string]string{
	"kiev":           "kyiv",
	"kyyiv":          "kyiv",
	"lvov":           "lviv",
	"odessa":         "odesa",
	"kharkov":        "kharkiv",
	"dnepr":          "dnipro",
	"dnepropetrovsk": "dnipro",
	"nikolaev":       "mykolaiv",
	"zaporozhye":     "zaporizhzhia",
	"chernigov":      "chernihiv",
	"czech republic": "czechia",
}

// leading articles stripped from location values.
var leadingArticles = []string{"the ", "a ", "an "}

// Canonical language codes. Keys are folded language names in English,
// Ukrainian, and the language's own name.
var languageAliases = map[string]string{
	"ukrainian": "uk", "ukrainska": "uk", "ukrainian language": "uk",
	"english": "en", "angliiska": "en",
	"russian": "ru", "rosiiska": "ru", "russkii": "ru",
	"polish": "pl", "polska": "pl", "polski": "pl",
	"german": "de", "nimetska": "de", "deutsch": "de",
	"french": "fr", "frantsuzka": "fr", "francais": "fr",
	"spanish": "es", "ispanska": "es", "espanol": "es",
	"italian": "it", "italiiska": "it", "italiano": "it",
	"japanese": "ja", "iaponska": "ja",
	"chinese": "zh", "kytaiska": "zh",
}

// NormalizeFactKey lowercases a key, strips diacritics, and collapses
// whitespace runs to single underscores.
func NormalizeFactKey(key string) string {
	return strings.ReplaceAll(foldText(key), " ", "_")
}

// NormalizeFactValue canonicalizes a fact value for matching. Location
// values drop leading articles and unify transliteration variants; language
// values map to ISO 639-1 codes when known. Other categories fold only.
func NormalizeFactValue(category FactCategory, value string) string {
	v := foldText(value)
	switch category {
	case CategoryLocation:
		for _, art := range leadingArticles {
			if strings.HasPrefix(v, art) {
				v = v[len(art):]
				break
			}
		}
		v = transliterate(v)
		if canon, ok := locationAliases[v]; ok {
			return canon
		}
		return v
	case CategoryLanguage:
		if len(v) == 2 {
			return v
		}
		t := transliterate(v)
		if code, ok := languageAliases[t]; ok {
			return code
		}
		return t
	default:
		return v
	}
}
