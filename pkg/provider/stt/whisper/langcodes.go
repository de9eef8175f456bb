package whisper

import "strings"

// whisperNames maps the full language names whisper.cpp reports in
// verbose_json output to ISO 639-1 codes.
var whisperNames = map[string]string{
	"english":    "en",
	"chinese":    "zh",
	"german":     "de",
	"spanish":    "es",
	"russian":    "ru",
	"korean":     "ko",
	"french":     "fr",
	"japanese":   "ja",
	"portuguese": "pt",
	"turkish":    "tr",
	"polish":     "pl",
	"catalan":    "ca",
	"dutch":      "nl",
	"arabic":     "ar",
	"swedish":    "sv",
	"italian":    "it",
	"indonesian": "id",
	"hindi":      "hi",
	"finnish":    "fi",
	"vietnamese": "vi",
	"hebrew":     "he",
	"ukrainian":  "uk",
	"greek":      "el",
	"malay":      "ms",
	"czech":      "cs",
	"romanian":   "ro",
	"danish":     "da",
	"hungarian":  "hu",
	"tamil":      "ta",
	"norwegian":  "no",
	"thai":       "th",
	"urdu":       "ur",
	"croatian":   "hr",
	"bulgarian":  "bg",
	"lithuanian": "lt",
	"latin":      "la",
	"persian":    "fa",
	"slovak":     "sk",
	"welsh":      "cy",
	"serbian":    "sr",
}

// LanguageCode normalises a whisper language identifier to an ISO 639-1
// code. Two- and three-letter codes pass through lower-cased; unknown full
// names yield "".
func LanguageCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return ""
	}
	if code, ok := whisperNames[s]; ok {
		return code
	}
	if len(s) <= 3 {
		return s
	}
	return ""
}
