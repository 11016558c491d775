package models

// ClerkingData is the clinical note payload written while a visit is locked.
// All sections are free text; vitals are kept as entered, no unit conversion.
type ClerkingData struct {
	HPI                string  `json:"hpi,omitempty"`
	GeneralExam        string  `json:"generalExam,omitempty"`
	SystemExam         string  `json:"systemExam,omitempty"`
	Investigations     string  `json:"investigations,omitempty"`
	Impression         string  `json:"impression,omitempty"`
	Plan               string  `json:"plan,omitempty"`
	Medications        string  `json:"medications,omitempty"`
	Allergies          string  `json:"allergies,omitempty"`
	PastMedicalHistory string  `json:"pastMedicalHistory,omitempty"`
	Vitals             *Vitals `json:"vitals,omitempty"`
}

type Vitals struct {
	BP     string `json:"bp,omitempty"`
	HR     string `json:"hr,omitempty"`
	RR     string `json:"rr,omitempty"`
	Temp   string `json:"temp,omitempty"`
	SpO2   string `json:"spo2,omitempty"`
	Weight string `json:"weight,omitempty"`
	Height string `json:"height,omitempty"`
	BMI    string `json:"bmi,omitempty"`
}
