package usage

import "sort"

// Health classifies how close a resource is to its limit.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)

func (h Health) rank() int {
	switch h {
	case HealthCritical:
		return 2
	case HealthWarning:
		return 1
	}
	return 0
}

// Recommendation actions.
const (
	ActionUpgradePlan   = "upgrade_plan"
	ActionPurchaseAddon = "purchase_addon"
	ActionMonitorUsage  = "monitor_usage"
)

// ResourceUsage is the analysis of one resource.
type ResourceUsage struct {
	Resource  string  `json:"resource"`
	Used      int64   `json:"used"`
	Limit     int64   `json:"limit"`
	Percent   float64 `json:"percent"`
	Unlimited bool    `json:"unlimited"`
	Health    Health  `json:"health"`
}

// Recommendation suggests an action for a resource. Lower priority values
// rank first.
type Recommendation struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
}

// Analysis is the result of AnalyzeUsage.
type Analysis struct {
	Overall         Health           `json:"overall"`
	Resources       []ResourceUsage  `json:"resources"`
	Recommendations []Recommendation `json:"recommendations"`
}

// AnalyzeUsage classifies each resource: below 80% of its limit is healthy,
// 80 to 99% warning, 100% or more critical. Unlimited resources are always
// healthy. A resource with a zero limit is blocked and always critical. Resources
// present in usage but not in limits are treated as unprovisioned (limit 0).
func AnalyzeUsage(usage map[string]int64, limits map[string]int64) Analysis {
	keys := make(map[string]struct{}, len(usage)+len(limits))
	for k := range usage {
		keys[k] = struct{}{}
	}
	for k := range limits {
		keys[k] = struct{}{}
	}

	a := Analysis{Overall: HealthHealthy}
	for k := range keys {
		r := classify(k, usage[k], limits[k])
		a.Resources = append(a.Resources, r)
		if r.Health.rank() > a.Overall.rank() {
			a.Overall = r.Health
		}
		if rec, ok := recommend(r); ok {
			a.Recommendations = append(a.Recommendations, rec)
		}
	}

	sort.Slice(a.Resources, func(i, j int) bool { return a.Resources[i].Resource < a.Resources[j].Resource })

	percent := make(map[string]float64, len(a.Resources))
	for _, r := range a.Resources {
		percent[r.Resource] = r.Percent
	}
	sort.SliceStable(a.Recommendations, func(i, j int) bool {
		ri, rj := a.Recommendations[i], a.Recommendations[j]
		if ri.Priority != rj.Priority {
			return ri.Priority < rj.Priority
		}
		if percent[ri.Resource] != percent[rj.Resource] {
			return percent[ri.Resource] > percent[rj.Resource]
		}
		return ri.Resource < rj.Resource
	})
	return a
}

func classify(resource string, used, limit int64) ResourceUsage {
	r := ResourceUsage{Resource: resource, Used: used, Limit: limit, Health: HealthHealthy}
	switch {
	case limit == Unlimited || limit < 0:
		r.Unlimited = true
		return r
	case limit == 0:
		// Blocked: nothing may be used.
		r.Percent = 100
		r.Health = HealthCritical
		return r
	}

	r.Percent = float64(used) * 100 / float64(limit)
	switch {
	case used*100 >= CriticalThreshold*limit:
		r.Health = HealthCritical
	case used*100 >= WarningThreshold*limit:
		r.Health = HealthWarning
	}
	return r
}

func recommend(r ResourceUsage) (Recommendation, bool) {
	switch {
	case r.Health == HealthCritical:
		return Recommendation{
			Resource: r.Resource, Action: ActionUpgradePlan, Priority: 1,
			Reason: "limit reached, further usage is blocked",
		}, true
	case r.Health == HealthWarning && r.Used*100 >= 90*r.Limit:
		return Recommendation{
			Resource: r.Resource, Action: ActionPurchaseAddon, Priority: 2,
			Reason: "usage above 90% of the limit",
		}, true
	case r.Health == HealthWarning:
		return Recommendation{
			Resource: r.Resource, Action: ActionMonitorUsage, Priority: 3,
			Reason: "usage above 80% of the limit",
		}, true
	}
	return Recommendation{}, false
}
