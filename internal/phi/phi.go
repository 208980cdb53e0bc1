// Package phi detects protected health information in free text.
//
// Detection is pattern based and deliberately biased toward false
// positives: over-redaction is acceptable, PHI leaving the trust boundary
// is not. All functions are pure and never modify their input.
package phi

import (
	"regexp"
	"sort"
	"strings"
)

type EntityType string

const (
	EntityName        EntityType = "NAME"
	EntityDateOfBirth EntityType = "DATE_OF_BIRTH"
	EntityDate        EntityType = "DATE"
	EntityMRN         EntityType = "MRN"
	EntitySSN         EntityType = "SSN"
	EntityPhone       EntityType = "PHONE"
	EntityEmail       EntityType = "EMAIL"
	EntityAddress     EntityType = "ADDRESS"
	EntityZip         EntityType = "ZIP"
	EntityAgeOver89   EntityType = "AGE_OVER_89"
	EntityIP          EntityType = "IP_ADDRESS"
	EntityURLID       EntityType = "URL_ID"
)

// priority orders types by specificity when spans overlap; lower wins.
var priority = map[EntityType]int{
	EntitySSN:         0,
	EntityMRN:         1,
	EntityDateOfBirth: 2,
	EntityEmail:       3,
	EntityURLID:       4,
	EntityIP:          5,
	EntityPhone:       6,
	EntityAddress:     7,
	EntityZip:         8,
	EntityAgeOver89:   9,
	EntityName:        10,
	EntityDate:        11,
}

// Entity is a detected span. Start and End are byte offsets into the input.
type Entity struct {
	Type       EntityType `json:"type"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Confidence float64    `json:"confidence"`
	Text       string     `json:"-"`
}

type Verdict struct {
	ContainsPHI bool     `json:"contains_phi"`
	Entities    []Entity `json:"entities"`
}

// Types returns the distinct entity types in the verdict, in span order.
func (v Verdict) Types() []string {
	seen := map[EntityType]bool{}
	var out []string
	for _, e := range v.Entities {
		if !seen[e.Type] {
			seen[e.Type] = true
			out = append(out, string(e.Type))
		}
	}
	return out
}

type pattern struct {
	typ   EntityType
	re    *regexp.Regexp
	group int
	conf  float64
	keep  func(match string) bool
}

const numericDate = `\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}|\d{4}-\d{2}-\d{2}`

const monthDate = `(?i:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}|\d{1,2}\s+(?i:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{4}`

var patterns = []pattern{
	{typ: EntitySSN, conf: 0.97, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|(?i:\bssn\b)\s*[:#]?\s*\d{9}\b`)},
	{typ: EntityMRN, conf: 0.95, re: regexp.MustCompile(`(?i)\b(?:mrn|medical\s+record(?:\s+(?:number|no\.?|#))?|patient\s+id|chart\s+(?:number|no\.?|#))\s*[:#]?\s*[a-z0-9][a-z0-9-]{3,}`)},
	{typ: EntityDateOfBirth, conf: 0.97, re: regexp.MustCompile(`(?i)\b(?:dob|d\.o\.b\.?|date\s+of\s+birth|born(?:\s+on)?|birth\s*date)\s*[:\-]?\s*(?:` + numericDate + `|` + monthDate + `)`)},
	{typ: EntityEmail, conf: 0.99, re: regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)},
	{typ: EntityURLID, conf: 0.8, re: regexp.MustCompile(`(?i)\bhttps?://[^\s]*(?:[?&](?:id|pid|patient(?:_id)?|mrn|user(?:_id)?)=|/patients?/)[^\s]*`)},
	{typ: EntityIP, conf: 0.85, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{typ: EntityPhone, conf: 0.9, re: regexp.MustCompile(`(?:\+?1[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`)},
	{typ: EntityAddress, conf: 0.85, re: regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Z][a-zA-Z]*\.?\s+){1,4}(?i:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|circle|cir|highway|hwy)\b\.?(?:,?\s+(?i:apt|suite|unit|#)\s*\w+)?`)},
	{typ: EntityZip, conf: 0.75, re: regexp.MustCompile(`\b[A-Z]{2}\s+\d{5}(?:-\d{4})?\b|(?i:\bzip(?:\s*code)?)\s*[:#]?\s*\d{5}(?:-\d{4})?\b`)},
	{typ: EntityAgeOver89, conf: 0.9, re: regexp.MustCompile(`(?i)\b(?:9\d|1[0-4]\d)[\s-]*(?:years?|yrs?|y/?o)(?:[\s-]*old)?\b|\baged?\s*:?\s*(?:9\d|1[0-4]\d)\b`)},
	{typ: EntityName, conf: 0.9, re: regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Mx|Dr)\.?\s+[A-Z][a-zA-Z'-]+(?:\s+[A-Z][a-zA-Z'-]+)?`)},
	{typ: EntityName, conf: 0.85, group: 1, re: regexp.MustCompile(`(?i:\b(?:patient(?:'s)?(?:\s+name)?|pt\.?|name|named|called|son|daughter|wife|husband|mother|father)\s*(?:is|was|:)?)\s+([A-Z][a-z'-]+(?:\s+[A-Z][a-z'-]+){0,2})`),
		keep: func(m string) bool { return !isStopWord(strings.Fields(m)[0]) }},
	{typ: EntityDate, conf: 0.7, re: regexp.MustCompile(`\b(?:` + numericDate + `|` + monthDate + `)\b`)},
}

var capitalWord = regexp.MustCompile(`\b[A-Z][a-z'-]+\b`)

// Classify scans text and returns every detected entity, merged so spans
// never overlap.
func Classify(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{}
	}
	var found []Entity
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			if p.group > 0 && len(loc) > 2*p.group+1 && loc[2*p.group] >= 0 {
				start, end = loc[2*p.group], loc[2*p.group+1]
			}
			match := text[start:end]
			if p.keep != nil && !p.keep(match) {
				continue
			}
			found = append(found, Entity{Type: p.typ, Start: start, End: end, Confidence: p.conf, Text: match})
		}
	}
	found = append(found, namePairs(text)...)

	merged := merge(found)
	for i := range merged {
		merged[i].Text = text[merged[i].Start:merged[i].End]
	}
	return Verdict{ContainsPHI: len(merged) > 0, Entities: merged}
}

// namePairs flags two adjacent capitalised words that are not known
// vocabulary, skipping the first word of a sentence.
func namePairs(text string) []Entity {
	words := capitalWord.FindAllStringIndex(text, -1)
	var out []Entity
	for i := 0; i+1 < len(words); i++ {
		a, b := words[i], words[i+1]
		gap := text[a[1]:b[0]]
		if gap != " " {
			continue
		}
		if sentenceStart(text, a[0]) || isStopWord(text[a[0]:a[1]]) || isStopWord(text[b[0]:b[1]]) {
			continue
		}
		out = append(out, Entity{Type: EntityName, Start: a[0], End: b[1], Confidence: 0.5})
	}
	return out
}

func sentenceStart(text string, at int) bool {
	prev := strings.TrimRight(text[:at], " \t\r\n\"'(")
	if prev == "" {
		return true
	}
	switch prev[len(prev)-1] {
	case '.', '!', '?', ':', ';', '\n':
		return true
	}
	return false
}

// merge collapses overlapping spans into their union, keeping the most
// specific type and the highest confidence.
func merge(in []Entity) []Entity {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start != in[j].Start {
			return in[i].Start < in[j].Start
		}
		return in[i].End > in[j].End
	})
	out := []Entity{in[0]}
	for _, e := range in[1:] {
		last := &out[len(out)-1]
		if e.Start >= last.End {
			out = append(out, e)
			continue
		}
		if e.End > last.End {
			last.End = e.End
		}
		if priority[e.Type] < priority[last.Type] {
			last.Type = e.Type
		}
		if e.Confidence > last.Confidence {
			last.Confidence = e.Confidence
		}
	}
	return out
}

// Redact replaces each entity span with a typed placeholder. Out-of-range or
// overlapping spans are skipped rather than corrupting the output.
func Redact(text string, entities []Entity) string {
	if len(entities) == 0 {
		return text
	}
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, e := range sorted {
		if e.Start < cursor || e.End > len(text) || e.Start >= e.End {
			continue
		}
		b.WriteString(text[cursor:e.Start])
		b.WriteString("[REDACTED:")
		b.WriteString(string(e.Type))
		b.WriteString("]")
		cursor = e.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// RedactText classifies and redacts in one step.
func RedactText(text string) string {
	return Redact(text, Classify(text).Entities)
}
