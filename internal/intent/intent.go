package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"windsite/internal/domain"
)

// Hints are structured values the caller already knows, passed alongside the
// free-text query.
type Hints struct {
	ProjectID   string
	ProjectName string
	Stage       string
	Latitude    *float64
	Longitude   *float64
	RadiusKm    *float64
	Extra       map[string]any
}

// Resolution is the outcome of intent resolution: the target stage, the
// parameters extracted for its tool, and how confident the match was.
type Resolution struct {
	Stage      domain.Stage
	Params     map[string]any
	Confidence float64
}

// AmbiguousIntentError means no stage could be determined with enough
// confidence. No project state has been touched when it is returned.
type AmbiguousIntentError struct {
	Query string
}

func (e AmbiguousIntentError) Error() string {
	return fmt.Sprintf("could not determine a pipeline stage from %q; mention terrain, layout, simulation or report", e.Query)
}

func (e AmbiguousIntentError) Kind() string { return "ambiguous_intent" }

// Per-stage keyword vocabulary. Multi-word phrases are matched as substrings
// of the lowercased query, single words against its token set.
var stageKeywords = map[domain.Stage][]string{
	domain.StageTerrain:    {"terrain", "elevation", "slope", "topography", "topo", "land", "ground", "site analysis"},
	domain.StageLayout:     {"layout", "placement", "turbine", "turbines", "arrangement", "positions", "micrositing", "optimize layout"},
	domain.StageSimulation: {"wake", "simulation", "simulate", "aep", "yield", "energy production", "wind flow", "losses"},
	domain.StageReport:     {"report", "summary", "summarize", "document", "pdf", "deliverable", "writeup"},
}

// Words that mean "run whatever comes next" rather than a specific stage.
var genericKeywords = []string{"analyze", "analyse", "run", "next", "continue", "process", "start", "site", "pipeline"}

var (
	coordsRe = regexp.MustCompile(`(-?\d{1,2}\.\d+)[,\s]\s*(-?\d{1,3}\.\d+)`)
	radiusRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*km`)
)

// ExtractParams pulls structured values out of the free-text query:
// a latitude/longitude pair and a radius in km, when present.
func ExtractParams(query string) map[string]any {
	params := map[string]any{}
	if m := coordsRe.FindStringSubmatch(query); m != nil {
		lat, errLat := strconv.ParseFloat(m[1], 64)
		lon, errLon := strconv.ParseFloat(m[2], 64)
		if errLat == nil && errLon == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
			params["latitude"] = lat
			params["longitude"] = lon
		}
	}
	if m := radiusRe.FindStringSubmatch(strings.ToLower(query)); m != nil {
		if r, err := strconv.ParseFloat(m[1], 64); err == nil && r > 0 {
			params["radius_km"] = r
		}
	}
	return params
}

// Resolve maps a query plus hints to a pipeline stage. stageStatus is the
// referenced project's current status (nil when no project is known yet);
// it breaks ties toward the earliest incomplete stage, since the natural
// reading of "analyze this site" is "run whatever comes next".
func Resolve(query string, hints Hints, stageStatus map[domain.Stage]string, minConfidence float64) (Resolution, error) {
	params := ExtractParams(query)
	if hints.Latitude != nil {
		params["latitude"] = *hints.Latitude
	}
	if hints.Longitude != nil {
		params["longitude"] = *hints.Longitude
	}
	if hints.RadiusKm != nil {
		params["radius_km"] = *hints.RadiusKm
	}
	for k, v := range hints.Extra {
		params[k] = v
	}

	if hints.Stage != "" {
		s, ok := domain.ParseStage(hints.Stage)
		if !ok {
			return Resolution{}, AmbiguousIntentError{Query: query}
		}
		return Resolution{Stage: s, Params: params, Confidence: 1}, nil
	}

	lowered := strings.ToLower(query)
	tokens := tokenize(lowered)

	scores := map[domain.Stage]float64{}
	for stage, words := range stageKeywords {
		for _, w := range words {
			if matches(lowered, tokens, w) {
				scores[stage]++
			}
		}
	}
	generic := 0.0
	for _, w := range genericKeywords {
		if matches(lowered, tokens, w) {
			generic++
		}
	}
	if generic > 0 {
		// generic verbs vote for the next unstarted stage, at half weight
		scores[earliestIncomplete(stageStatus)] += generic * 0.5
	}

	var total float64
	for _, v := range scores {
		total += v
	}
	if total == 0 {
		return Resolution{}, AmbiguousIntentError{Query: query}
	}

	best := pickStage(scores, stageStatus)
	confidence := scores[best] / total
	if confidence < minConfidence {
		return Resolution{}, AmbiguousIntentError{Query: query}
	}
	return Resolution{Stage: best, Params: params, Confidence: confidence}, nil
}

func tokenize(lowered string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !(r == '.' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		set[strings.Trim(tok, ".-")] = true
	}
	return set
}

func matches(lowered string, tokens map[string]bool, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(lowered, keyword)
	}
	return tokens[keyword]
}

// pickStage picks the highest-scoring stage. Ties resolve in pipeline
// order, preferring the earliest tied stage that is still incomplete.
func pickStage(scores map[domain.Stage]float64, stageStatus map[domain.Stage]string) domain.Stage {
	var bestScore float64
	for _, v := range scores {
		if v > bestScore {
			bestScore = v
		}
	}
	var tied []domain.Stage
	for _, s := range domain.Stages() {
		if scores[s] == bestScore {
			tied = append(tied, s)
		}
	}
	for _, s := range tied {
		if statusOf(stageStatus, s) != domain.StatusComplete {
			return s
		}
	}
	return tied[0]
}

func earliestIncomplete(stageStatus map[domain.Stage]string) domain.Stage {
	for _, s := range domain.Stages() {
		if statusOf(stageStatus, s) != domain.StatusComplete {
			return s
		}
	}
	return domain.StageReport
}

func statusOf(stageStatus map[domain.Stage]string, s domain.Stage) string {
	if stageStatus == nil {
		return domain.StatusNotStarted
	}
	if v, ok := stageStatus[s]; ok && v != "" {
		return v
	}
	return domain.StatusNotStarted
}
