package phi

import "strings"

// stopWords are capitalised words common in clinical questions that are not
// personal names.
var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
the a an and or of for in on at to with without by from is are was were be been what which who whom whose
how when where why does do did can could should would will may might must please tell show give list explain
compare describe summarize summarise patient patients pt male female man woman boy girl child infant adult
elderly history hx presents presented presenting complains admitted discharged
type stage grade class phase level acute chronic severe mild moderate primary secondary
disease diseases syndrome disorder infection failure injury cancer carcinoma tumor tumour
diabetes diabetic mellitus ketoacidosis insulin metformin hypertension heart kidney renal liver hepatic
lung pulmonary cardiac cardiology blood pressure sepsis septic shock stroke covid influenza pneumonia
asthma copd obstructive artery coronary myocardial infarction atrial fibrillation
guideline guidelines management treatment therapy protocol dosing dose dosage criteria score scale
clinical practice evidence review trial study studies recommendation recommendations consensus statement
american british european canadian world national international association college society
academy institute institutes organization foundation committee task force board council
health medicine medical medicare medicaid hospital hospitals center centre clinic emergency department
intensive critical care unit services service public centers disease control prevention
new england journal lancet annals
january february march april may june july august september october november december
monday tuesday wednesday thursday friday saturday sunday
north south east west united states kingdom
i we you they he she it this that these those my our your their his her its
`) {
		stopWords[w] = true
	}
}

func isStopWord(w string) bool {
	return stopWords[strings.ToLower(strings.Trim(w, "'-"))]
}
