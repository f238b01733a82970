package account

// planMinutes maps subscription plan names to their monthly minute ceiling.
var planMinutes = map[string]float64{
	"free":    10,
	"starter": 100,
	"creator": 300,
	"pro":     500,
}

// PlanMinutes returns the minute ceiling for a plan name. Unknown plans fall
// back to the free tier. The "unlimited" plan returns the sentinel ceiling
// that bypasses quota checks.
func PlanMinutes(plan string) float64 {
	if plan == "unlimited" {
		return UnlimitedMinutes
	}
	if m, ok := planMinutes[plan]; ok {
		return m
	}
	return planMinutes["free"]
}
