package phi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typesOf(v Verdict) []EntityType {
	var out []EntityType
	for _, e := range v.Entities {
		out = append(out, e.Type)
	}
	return out
}

func TestClassifyNameAndDOB(t *testing.T) {
	text := "My patient John Smith, DOB 03/14/1962, presents with DKA. What insulin protocol should I use?"
	v := Classify(text)

	require.True(t, v.ContainsPHI)
	assert.Contains(t, typesOf(v), EntityName)
	assert.Contains(t, typesOf(v), EntityDateOfBirth)
	for _, e := range v.Entities {
		assert.Equal(t, text[e.Start:e.End], e.Text)
	}
}

func TestClassifyCleanClinicalQuestion(t *testing.T) {
	for _, q := range []string{
		"diabetes ketoacidosis management",
		"What is the first-line treatment for Type 2 Diabetes in adults?",
		"Compare American Heart Association guidelines for atrial fibrillation anticoagulation.",
		"Metformin dosing in chronic kidney disease stage 3",
	} {
		v := Classify(q)
		assert.False(t, v.ContainsPHI, "%q flagged: %+v", q, v.Entities)
	}
}

func TestClassifyIdentifiers(t *testing.T) {
	cases := map[string]EntityType{
		"SSN 123-45-6789 on file":              EntitySSN,
		"MRN: A1234567 admitted overnight":     EntityMRN,
		"reach her at jane.doe@example.org":    EntityEmail,
		"call (617) 555-0100 after 5pm":        EntityPhone,
		"lives at 42 Beacon Hill Street":       EntityAddress,
		"Boston MA 02115 resident":             EntityZip,
		"a 93 year old with syncope":           EntityAgeOver89,
		"login from 10.12.0.7 flagged":         EntityIP,
		"see https://ehr.local/patients/88231": EntityURLID,
		"seen on March 3, 2024 in clinic":      EntityDate,
		"Dr. Alvarez reviewed the imaging":     EntityName,
	}
	for text, want := range cases {
		v := Classify(text)
		assert.True(t, v.ContainsPHI, text)
		assert.Contains(t, typesOf(v), want, text)
	}
}

func TestAgeUnder90IsNotPHI(t *testing.T) {
	assert.False(t, Classify("a 67 year old with chest pain").ContainsPHI)
}

func TestOverlapPrefersSpecificType(t *testing.T) {
	v := Classify("date of birth 1950-02-01")
	require.Len(t, v.Entities, 1)
	assert.Equal(t, EntityDateOfBirth, v.Entities[0].Type)
}

func TestRedactDoesNotMutateInput(t *testing.T) {
	text := "Patient Maria Lopez MRN 99812345 has HbA1c 9.1"
	orig := strings.Clone(text)

	out := RedactText(text)

	assert.Equal(t, orig, text)
	assert.NotContains(t, out, "Maria")
	assert.NotContains(t, out, "99812345")
	assert.Contains(t, out, "[REDACTED:NAME]")
	assert.Contains(t, out, "[REDACTED:MRN]")
	assert.Contains(t, out, "HbA1c 9.1")
	assert.False(t, Classify(out).ContainsPHI)
}

func TestRedactSkipsInvalidSpans(t *testing.T) {
	out := Redact("abc", []Entity{{Type: EntityName, Start: 2, End: 10}, {Type: EntityName, Start: 0, End: 1}})
	assert.Equal(t, "[REDACTED:NAME]bc", out)
}
