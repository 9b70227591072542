package analysis

// clampScore bounds a risk score to [0,100].
func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// foldCounted folds findings into a Result scoring by finding counts:
// each error contributes ErrorWeight, each warning WarningWeight.
// Source analyzers use this so the score tracks how many distinct
// suspicious constructs appear, not how severe any one of them is.
func foldCounted(findings []Finding, sc ScoringConfig) Result {
	res := partition(findings)
	res.RiskScore = clampScore(len(res.Errors)*sc.ErrorWeight + len(res.Warnings)*sc.WarningWeight)
	res.Valid = len(res.Errors) == 0 && res.RiskScore <= sc.RejectThreshold
	return res
}

// foldWeighted folds findings into a Result scoring by per-finding
// weights. Artifact-level analyzers use this: a bad magic number is a
// single finding but carries most of the score on its own.
func foldWeighted(findings []Finding, sc ScoringConfig) Result {
	res := partition(findings)
	total := 0
	for _, f := range findings {
		total += f.Weight
	}
	res.RiskScore = clampScore(total)
	res.Valid = len(res.Errors) == 0 && res.RiskScore <= sc.RejectThreshold
	return res
}

func partition(findings []Finding) Result {
	res := Result{Findings: findings}
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			res.Errors = append(res.Errors, f.Message)
		default:
			res.Warnings = append(res.Warnings, f.Message)
		}
	}
	return res
}
