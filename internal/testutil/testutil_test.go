package testutil

import "testing"

func TestSmallDatasetIsValid(t *testing.T) {
	if err := SmallDataset().Validate(); err != nil {
		t.Fatalf("SmallDataset() invalid: %v", err)
	}
}

func TestSmallDatasetMatchesExpectedAggregates(t *testing.T) {
	ds := SmallDataset()
	const threshold = 0.8

	adherent := map[int]bool{}
	for _, a := range ds.Adherence {
		adherent[a.PatientID] = a.IsAdherent(threshold)
	}
	for _, want := range SmallAdherence() {
		total, count := 0, 0
		for _, p := range ds.Patients {
			if p.Cohort == want.Group {
				total++
				if adherent[p.ID] {
					count++
				}
			}
		}
		if total != want.TotalPatients || count != want.AdherentPatients {
			t.Errorf("%s: total=%d adherent=%d, want %+v", want.Group, total, count, want)
		}
	}

	cohortOf := map[int]string{}
	for _, p := range ds.Patients {
		cohortOf[p.ID] = string(p.Cohort)
	}
	admissions := map[string]int{}
	for _, e := range ds.Admissions {
		admissions[cohortOf[e.PatientID]]++
	}
	for _, want := range SmallAdmissions() {
		if admissions[string(want.Group)] != want.TotalAdmissions {
			t.Errorf("%s: admissions=%d, want %d", want.Group, admissions[string(want.Group)], want.TotalAdmissions)
		}
	}
}

func TestScenarioConfigIsValid(t *testing.T) {
	if err := ScenarioConfig().Validate(); err != nil {
		t.Fatalf("ScenarioConfig() invalid: %v", err)
	}
}
