package localize

import (
	"cmp"
	"html"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// Translator applies a compiled dictionary to strings. It is immutable and
// safe for concurrent use.
type Translator struct {
	phraseRE   *regexp.Regexp
	phrases    map[string]string // whitespace-collapsed source -> target
	preserveRE *regexp.Regexp
	wordRE     *regexp.Regexp
	words      map[string]string
	lower      map[string]string
}

// NewTranslator compiles d. Translations are stripped of markup.
func NewTranslator(d *Dictionary) (*Translator, error) {
	strict := bluemonday.StrictPolicy()
	clean := func(s string) string {
		return norm.NFC.String(html.UnescapeString(strict.Sanitize(s)))
	}

	t := &Translator{
		phrases: make(map[string]string, len(d.Phrases)),
		words:   make(map[string]string, len(d.Words)),
		lower:   make(map[string]string, len(d.Words)),
	}

	var phraseSrc []string
	for _, e := range d.Phrases {
		key := collapse(norm.NFC.String(e.From))
		if _, dup := t.phrases[key]; dup {
			continue
		}
		t.phrases[key] = clean(e.To)
		phraseSrc = append(phraseSrc, key)
	}
	var err error
	if t.phraseRE, err = alternation("", phraseSrc, func(p string) string {
		return strings.Join(quoteAll(strings.Fields(p)), `\s+`)
	}); err != nil {
		return nil, err
	}

	var wordSrc []string
	for _, e := range d.Words {
		from := norm.NFC.String(strings.TrimSpace(e.From))
		if _, dup := t.words[from]; dup {
			continue
		}
		to := clean(e.To)
		t.words[from] = to
		if _, dup := t.lower[strings.ToLower(from)]; !dup {
			t.lower[strings.ToLower(from)] = to
		}
		wordSrc = append(wordSrc, from)
	}
	if t.wordRE, err = alternation("(?i)", wordSrc, regexp.QuoteMeta); err != nil {
		return nil, err
	}

	var preserve []string
	for _, p := range d.Preserve {
		if p = norm.NFC.String(strings.TrimSpace(p)); p != "" {
			preserve = append(preserve, p)
		}
	}
	if t.preserveRE, err = alternation("(?i)", preserve, regexp.QuoteMeta); err != nil {
		return nil, err
	}
	return t, nil
}

// alternation builds one regexp matching any source, longest first so the
// leftmost-first semantics prefer the longest candidate. Word boundaries
// are added on sides that start or end with a word character.
func alternation(flags string, sources []string, quote func(string) string) (*regexp.Regexp, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	sorted := slices.Clone(sources)
	slices.SortStableFunc(sorted, func(a, b string) int {
		return cmp.Compare(utf8.RuneCountInString(b), utf8.RuneCountInString(a))
	})
	alts := make([]string, len(sorted))
	for i, s := range sorted {
		first, _ := utf8.DecodeRuneInString(s)
		last, _ := utf8.DecodeLastRuneInString(s)
		var b strings.Builder
		if isWord(first) {
			b.WriteString(`\b`)
		}
		b.WriteString(quote(s))
		if isWord(last) {
			b.WriteString(`\b`)
		}
		alts[i] = b.String()
	}
	return regexp.Compile(flags + "(?:" + strings.Join(alts, "|") + ")")
}

func isWord(r rune) bool {
	return r == '_' || (r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = regexp.QuoteMeta(s)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// segment is a run of text; frozen runs are already final.
type segment struct {
	text   string
	frozen bool
}

// Translate rewrites s: known phrases first, then single words in the text
// no phrase covered. Preserved terms are never touched and no replacement
// is ever re-translated. When nothing matches s is returned unchanged.
func (t *Translator) Translate(s string) string {
	if strings.TrimSpace(s) == "" {
		return s
	}
	n := norm.NFC.String(s)
	segs := []segment{{text: n}}
	segs = splitOn(segs, t.phraseRE, func(m string) string {
		if v, ok := t.phrases[collapse(m)]; ok {
			return v
		}
		return m
	})
	segs = splitOn(segs, t.preserveRE, func(m string) string { return m })
	segs = splitOn(segs, t.wordRE, t.word)

	var b strings.Builder
	for _, sg := range segs {
		b.WriteString(sg.text)
	}
	if out := b.String(); out != n {
		return out
	}
	return s
}

func (t *Translator) word(m string) string {
	to, ok := t.words[m]
	if !ok {
		if to, ok = t.lower[strings.ToLower(m)]; !ok {
			return m
		}
	}
	return capLike(m, to)
}

// capLike carries the capitalisation of src over to tgt: all caps stays all
// caps, a leading capital stays a leading capital.
func capLike(src, tgt string) string {
	first, _ := utf8.DecodeRuneInString(src)
	if tgt == "" || !unicode.IsUpper(first) {
		return tgt
	}
	if utf8.RuneCountInString(src) > 1 && strings.ToUpper(src) == src {
		return strings.ToUpper(tgt)
	}
	r, size := utf8.DecodeRuneInString(tgt)
	return string(unicode.ToUpper(r)) + tgt[size:]
}

func splitOn(segs []segment, re *regexp.Regexp, replace func(string) string) []segment {
	if re == nil {
		return segs
	}
	out := make([]segment, 0, len(segs))
	for _, sg := range segs {
		if sg.frozen {
			out = append(out, sg)
			continue
		}
		prev := 0
		for _, loc := range re.FindAllStringIndex(sg.text, -1) {
			if loc[0] > prev {
				out = append(out, segment{text: sg.text[prev:loc[0]]})
			}
			out = append(out, segment{text: replace(sg.text[loc[0]:loc[1]]), frozen: true})
			prev = loc[1]
		}
		if prev < len(sg.text) {
			out = append(out, segment{text: sg.text[prev:]})
		}
	}
	return out
}
