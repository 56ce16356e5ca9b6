package mirror

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxFilenameLen  = 200
	maxExtLen       = 20
	minFilenameBase = 3
)

// translit covers letters that do not decompose into ASCII base + marks.
// Lowercase only; uppercase input is lowered, looked up, then re-capitalized.
var translit = map[rune]string{
	// German, Nordic, Polish, misc Latin
	'ß': "ss",
	'æ': "ae",
	'ø': "o",
	'å': "a",
	'œ': "oe",
	'ð': "d",
	'þ': "th",
	'ł': "l",
	'đ': "d",
	'ı': "i",
	'ŋ': "ng",
	'ħ': "h",
	// Cyrillic (Russian + Ukrainian)
	'а': "a",
	'б': "b",
	'в': "v",
	'г': "g",
	'д': "d",
	'е': "e",
	'ё': "yo",
	'ж': "zh",
	'з': "z",
	'и': "i",
	'й': "y",
	'к': "k",
	'л': "l",
	'м': "m",
	'н': "n",
	'о': "o",
	'п': "p",
	'р': "r",
	'с': "s",
	'т': "t",
	'у': "u",
	'ф': "f",
	'х': "h",
	'ц': "ts",
	'ч': "ch",
	'ш': "sh",
	'щ': "sch",
	'ъ': "",
	'ы': "y",
	'ь': "",
	'э': "e",
	'ю': "yu",
	'я': "ya",
	'і': "i",
	'ї': "yi",
	'є': "ye",
	'ґ': "g",
	// Greek
	'α': "a",
	'β': "v",
	'γ': "g",
	'δ': "d",
	'ε': "e",
	'ζ': "z",
	'η': "i",
	'θ': "th",
	'ι': "i",
	'κ': "k",
	'λ': "l",
	'μ': "m",
	'ν': "n",
	'ξ': "x",
	'ο': "o",
	'π': "p",
	'ρ': "r",
	'σ': "s",
	'ς': "s",
	'τ': "t",
	'υ': "y",
	'φ': "f",
	'χ': "ch",
	'ψ': "ps",
	'ω': "o",
}

// unsafeChars are rejected by common filesystems or break URL path segments.
const unsafeChars = `<>:"/\|?*#%&{}$!'@+` + "`="

// Transliterate maps s to ASCII. Letters in the table are replaced directly;
// other letters are decomposed and their base letter retried, so accents are
// dropped. Anything still non-ASCII is removed.
func Transliterate(s string) string {
	var b strings.Builder
	for _, r := range s {
		if rep, ok := lookupTranslit(r); ok {
			b.WriteString(rep)
			continue
		}
		for _, d := range norm.NFD.String(string(r)) {
			if unicode.Is(unicode.Mn, d) {
				continue
			}
			if rep, ok := lookupTranslit(d); ok {
				b.WriteString(rep)
			} else if d <= unicode.MaxASCII {
				b.WriteRune(d)
			}
		}
	}
	return b.String()
}

func lookupTranslit(r rune) (string, bool) {
	lower := unicode.ToLower(r)
	rep, ok := translit[lower]
	if ok && lower != r && rep != "" {
		rep = strings.ToUpper(rep[:1]) + rep[1:]
	}
	return rep, ok
}

// SanitizeFilename turns an arbitrary user-supplied name into an ASCII,
// filesystem- and URL-safe storage key. Names whose base reduces to fewer
// than three characters fall back to a timestamp-based name.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		name = ""
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" && ext != "" {
		// ".bashrc" style: treat the whole thing as base
		base, ext = ext, ""
	}

	base = cleanPart(Transliterate(base))
	ext = strings.ToLower(cleanPart(Transliterate(strings.TrimPrefix(ext, "."))))
	if ext != "" {
		ext = "." + ext
	}

	if len(base) < minFilenameBase {
		base = fmt.Sprintf("file_%d", nowFunc().UnixMilli())
	}

	if len(base)+len(ext) > maxFilenameLen {
		if len(ext) > maxExtLen {
			ext = ext[:maxExtLen]
		}
		if room := maxFilenameLen - len(ext); len(base) > room {
			base = strings.TrimRight(base[:room], "._-")
		}
	}
	return base + ext
}

// cleanPart strips unsafe and control characters, turns whitespace runs into
// a single underscore and collapses underscore runs.
func cleanPart(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '_':
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		case unicode.IsControl(r), strings.ContainsRune(unsafeChars, r):
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}
	out := b.String()
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	return strings.Trim(out, "._-")
}

