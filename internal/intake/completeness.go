package intake

// Weights are the points each part of the record contributes to the
// completeness score. RecordsDetail is shared evenly by medications,
// allergies and past medical history and only counts once the records
// check is complete.
type Weights struct {
	ChiefComplaint int `mapstructure:"chief_complaint" yaml:"chief_complaint"`
	PresentIllness int `mapstructure:"hpi" yaml:"hpi"`
	RecordsCheck   int `mapstructure:"records_check" yaml:"records_check"`
	RecordsDetail  int `mapstructure:"records_detail" yaml:"records_detail"`
	FamilyHistory  int `mapstructure:"family_history" yaml:"family_history"`
	SocialHistory  int `mapstructure:"social_history" yaml:"social_history"`
	Handover       int `mapstructure:"handover" yaml:"handover"`
}

// DefaultWeights sum to exactly 100 for a fully populated record.
func DefaultWeights() Weights {
	return Weights{
		ChiefComplaint: 20,
		PresentIllness: 20,
		RecordsCheck:   10,
		RecordsDetail:  30,
		FamilyHistory:  5,
		SocialHistory:  5,
		Handover:       10,
	}
}

// Completeness scores d with the default weights.
func Completeness(d MedicalData) int {
	return DefaultWeights().Score(d)
}

// Score returns how complete d is, as an integer in [0, 100].
func (w Weights) Score(d MedicalData) int {
	score := 0
	if d.HasChiefComplaint() {
		score += w.ChiefComplaint
	}
	if d.HasPresentIllness() {
		score += w.PresentIllness
	}
	if d.RecordsCheckCompleted {
		score += w.RecordsCheck
		filled := 0
		for _, list := range [][]string{d.Medications, d.Allergies, d.PastMedicalHistory} {
			if countPresent(list) > 0 {
				filled++
			}
		}
		score += w.RecordsDetail * filled / 3
	}
	if presentPtr(d.FamilyHistory) {
		score += w.FamilyHistory
	}
	if presentPtr(d.SocialHistory) {
		score += w.SocialHistory
	}
	if d.ClinicalHandover.Complete() {
		score += w.Handover
	}
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}
