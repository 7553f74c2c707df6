package signals

// Framework names one psychometric model the extractor reports on.
type Framework string

const (
	BigFive       Framework = "big_five"
	Attachment    Framework = "attachment"
	EQ            Framework = "eq"
	Cognitive     Framework = "cognitive"
	MBTI          Framework = "mbti"
	Enneagram     Framework = "enneagram"
	DISC          Framework = "disc"
	LoveLanguages Framework = "love_languages"
	Values        Framework = "values"
	LifeVision    Framework = "life_vision"
)

// TraitKind decides how readings of a trait are validated and aggregated.
type TraitKind int

const (
	// Dimensional traits are numbers on a fixed scale (0-100).
	Dimensional TraitKind = iota
	// Categorical traits take one value from a closed option set.
	Categorical
	// OpenEnded traits are free-form lists of short items.
	OpenEnded
)

func (k TraitKind) String() string {
	switch k {
	case Dimensional:
		return "dimensional"
	case Categorical:
		return "categorical"
	case OpenEnded:
		return "open_ended"
	default:
		return "unknown"
	}
}

// TraitSpec describes one trait of a framework.
type TraitSpec struct {
	Name        string
	Kind        TraitKind
	Min, Max    float64
	Options     []string
	Description string
}

// FrameworkSpec is the closed trait set of one framework.
type FrameworkSpec struct {
	Name        Framework
	Description string
	Traits      []TraitSpec
}

// Trait returns the trait spec with the given name.
func (f FrameworkSpec) Trait(name string) (TraitSpec, bool) {
	for _, t := range f.Traits {
		if t.Name == name {
			return t, true
		}
	}
	return TraitSpec{}, false
}

func dim(name, desc string) TraitSpec {
	return TraitSpec{Name: name, Kind: Dimensional, Min: 0, Max: 100, Description: desc}
}

func cat(name, desc string, options ...string) TraitSpec {
	return TraitSpec{Name: name, Kind: Categorical, Options: options, Description: desc}
}

func open(name, desc string) TraitSpec {
	return TraitSpec{Name: name, Kind: OpenEnded, Description: desc}
}

var mbtiTypes = []string{
	"INTJ", "INTP", "ENTJ", "ENTP",
	"INFJ", "INFP", "ENFJ", "ENFP",
	"ISTJ", "ISFJ", "ESTJ", "ESFJ",
	"ISTP", "ISFP", "ESTP", "ESFP",
}

var enneagramNumbers = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}

// Taxonomy is the fixed set of frameworks the extractor may report.
// Anything outside it is dropped at the parse boundary.
var Taxonomy = []FrameworkSpec{
	{
		Name:        BigFive,
		Description: "Big Five personality dimensions",
		Traits: []TraitSpec{
			dim("openness", "curiosity, imagination, openness to new experiences"),
			dim("conscientiousness", "organisation, reliability, self-discipline"),
			dim("extraversion", "sociability, assertiveness, energy drawn from others"),
			dim("agreeableness", "warmth, cooperation, trust"),
			dim("neuroticism", "emotional volatility, anxiety, stress reactivity"),
		},
	},
	{
		Name:        Attachment,
		Description: "adult attachment style",
		Traits: []TraitSpec{
			cat("style", "dominant attachment style", "secure", "anxious", "avoidant", "fearful_avoidant"),
			dim("anxiety", "fear of abandonment, need for reassurance"),
			dim("avoidance", "discomfort with closeness and dependence"),
		},
	},
	{
		Name:        EQ,
		Description: "emotional intelligence subscales",
		Traits: []TraitSpec{
			dim("self_awareness", "recognising own emotions"),
			dim("self_regulation", "managing own emotions"),
			dim("motivation", "inner drive beyond external reward"),
			dim("empathy", "reading and relating to others' emotions"),
			dim("social_skills", "managing relationships and conflict"),
		},
	},
	{
		Name:        Cognitive,
		Description: "cognitive style indicators",
		Traits: []TraitSpec{
			dim("analytical_thinking", "structured, logical reasoning"),
			dim("abstract_reasoning", "comfort with ideas and concepts"),
			dim("verbal_fluency", "precision and richness of expression"),
			dim("intellectual_curiosity", "appetite for learning"),
		},
	},
	{
		Name:        MBTI,
		Description: "Myers-Briggs type",
		Traits: []TraitSpec{
			cat("type", "four-letter type", mbtiTypes...),
		},
	},
	{
		Name:        Enneagram,
		Description: "Enneagram type, wing and level of health",
		Traits: []TraitSpec{
			cat("type", "core type 1-9", enneagramNumbers...),
			cat("wing", "adjacent wing type 1-9", enneagramNumbers...),
			cat("health", "level of development", "healthy", "average", "unhealthy"),
		},
	},
	{
		Name:        DISC,
		Description: "DISC behavioural profile",
		Traits: []TraitSpec{
			dim("dominance", "direct, results-oriented"),
			dim("influence", "outgoing, persuasive"),
			dim("steadiness", "patient, dependable"),
			dim("conscientiousness", "precise, analytical"),
		},
	},
	{
		Name:        LoveLanguages,
		Description: "preferred ways of giving and receiving love",
		Traits: []TraitSpec{
			cat("primary", "dominant love language",
				"words_of_affirmation", "acts_of_service", "receiving_gifts", "quality_time", "physical_touch"),
		},
	},
	{
		Name:        Values,
		Description: "core values and deal-breakers",
		Traits: []TraitSpec{
			open("core_values", "short value statements, e.g. honesty, family"),
			open("deal_breakers", "things the user will not accept in a partner"),
		},
	},
	{
		Name:        LifeVision,
		Description: "where the user wants their life to go",
		Traits: []TraitSpec{
			open("summary", "short statements of the life the user is building"),
			cat("family_plans", "stance on having children", "wants_children", "open", "no_children", "undecided"),
		},
	},
}

// Lookup returns the spec for fw.
func Lookup(fw Framework) (FrameworkSpec, bool) {
	for _, f := range Taxonomy {
		if f.Name == fw {
			return f, true
		}
	}
	return FrameworkSpec{}, false
}

// SafetyCategory is one class of relational red flag.
type SafetyCategory string

const (
	SafetyAttached         SafetyCategory = "attached"
	SafetyNarcissism       SafetyCategory = "narcissism"
	SafetyMachiavellianism SafetyCategory = "machiavellianism"
	SafetyPsychopathy      SafetyCategory = "psychopathy"
	SafetyInconsistency    SafetyCategory = "inconsistency"
)

// SafetyCategories lists every category in a stable order.
var SafetyCategories = []SafetyCategory{
	SafetyAttached,
	SafetyNarcissism,
	SafetyMachiavellianism,
	SafetyPsychopathy,
	SafetyInconsistency,
}

var safetyDescriptions = map[SafetyCategory]string{
	SafetyAttached:         "already in a relationship or married",
	SafetyNarcissism:       "grandiosity, entitlement, lack of empathy",
	SafetyMachiavellianism: "manipulation, strategic deceit, cynicism",
	SafetyPsychopathy:      "callousness, impulsivity, lack of remorse",
	SafetyInconsistency:    "contradicts earlier answers",
}

// Describe returns a one-line description of the category.
func (c SafetyCategory) Describe() string {
	return safetyDescriptions[c]
}

// Confidence bands shared by the prompt and by reporting.
const (
	HighConfidence   = 0.8
	MediumConfidence = 0.5
	LowConfidence    = 0.3
)

// Band names the confidence band c falls into.
func Band(c float64) string {
	switch {
	case c >= HighConfidence:
		return "high"
	case c >= MediumConfidence:
		return "medium"
	case c >= LowConfidence:
		return "low"
	default:
		return "very_low"
	}
}
