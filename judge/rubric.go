package judge

// Criterion is one scored dimension of a rubric.
type Criterion struct {
	Name        string  `json:"name" yaml:"name" validate:"required"`
	Description string  `json:"description" yaml:"description"`
	Weight      float64 `json:"weight" yaml:"weight" validate:"gt=0,lte=1"`
}

// Rubric is a weighted set of criteria.
type Rubric struct {
	ID       string      `json:"id" yaml:"id" validate:"required"`
	Name     string      `json:"name" yaml:"name"`
	Criteria []Criterion `json:"criteria" yaml:"criteria" validate:"required,min=1,dive"`
}

// DefaultRubrics are the built-in rubrics.
var DefaultRubrics = []Rubric{
	{
		ID:   "general",
		Name: "General",
		Criteria: []Criterion{
			{Name: "Relevance", Description: "Does the output address the prompt?", Weight: 0.3},
			{Name: "Accuracy", Description: "Is the information correct?", Weight: 0.3},
			{Name: "Completeness", Description: "Does it answer the whole question?", Weight: 0.2},
			{Name: "Clarity", Description: "Is it clear and easy to follow?", Weight: 0.2},
		},
	},
	{
		ID:   "code",
		Name: "Code",
		Criteria: []Criterion{
			{Name: "Correctness", Description: "Does the code run and do what was asked?", Weight: 0.4},
			{Name: "Readability", Description: "Is the code easy to understand?", Weight: 0.2},
			{Name: "Efficiency", Description: "Is the algorithm efficient?", Weight: 0.2},
			{Name: "Conventions", Description: "Does it follow the language's conventions?", Weight: 0.2},
		},
	},
	{
		ID:   "creative",
		Name: "Creative",
		Criteria: []Criterion{
			{Name: "Originality", Description: "Is the content original?", Weight: 0.3},
			{Name: "Coherence", Description: "Does the piece hold together?", Weight: 0.25},
			{Name: "Expressiveness", Description: "Is the language vivid?", Weight: 0.25},
			{Name: "Fit", Description: "Does it match the requested theme?", Weight: 0.2},
		},
	},
}

// LookupRubric returns the built-in rubric with the given id.
func LookupRubric(id string) (Rubric, bool) {
	for _, r := range DefaultRubrics {
		if r.ID == id {
			return r, true
		}
	}
	return Rubric{}, false
}

// Weighted recomputes the total score from per-criterion scores using the
// rubric's weights. Criteria missing from scores count as zero.
func (r Rubric) Weighted(scores []CriterionScore) float64 {
	byName := make(map[string]float64, len(scores))
	for _, s := range scores {
		byName[s.CriteriaName] = s.Score
	}
	var total, weights float64
	for _, c := range r.Criteria {
		total += byName[c.Name] * c.Weight
		weights += c.Weight
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}
