package response

import "github.com/sentinelsec/sentinel/internal/models"

// Advisor lets a learned policy second-guess the static matrix before the
// safety gate runs. Returning an empty or unregistered name keeps the
// matrix choice. The gate always applies to whatever comes out.
type Advisor interface {
	Suggest(report models.InvestigationReport, matrixChoice string) string
}
