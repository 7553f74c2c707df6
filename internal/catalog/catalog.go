package catalog

import (
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed definitions/*.yaml
var definitionsFS embed.FS

// ErrUnknownQuestion is returned for a question id the catalog does not define.
var ErrUnknownQuestion = errors.New("unknown question")

// Mode is the traversal mode of a catalog.
type Mode string

const (
	// Linear walks every question in order.
	Linear Mode = "linear"
	// Conditional branches on the chosen answer option.
	Conditional Mode = "conditional"
)

// Option is one selectable answer of a conditional question.
type Option struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
	Next  string `yaml:"next,omitempty" json:"next,omitempty"`
}

// Question is a single prompt shown to the user.
type Question struct {
	ID      string   `yaml:"id" json:"id"`
	Text    string   `yaml:"text" json:"text"`
	Options []Option `yaml:"options,omitempty" json:"options,omitempty"`
	Next    string   `yaml:"next,omitempty" json:"next,omitempty"`
}

// ChapterInfo describes the chapter a question belongs to.
type ChapterInfo struct {
	Index int    `json:"index"` // 1-based
	ID    string `json:"id"`
	Title string `json:"title"`
	Intro string `json:"intro"`
}

type chapterDef struct {
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Intro     string     `yaml:"intro"`
	Questions []Question `yaml:"questions"`
}

type definition struct {
	Name     string       `yaml:"name"`
	Mode     Mode         `yaml:"mode"`
	Opening  string       `yaml:"opening"`
	Closing  string       `yaml:"closing"`
	Chapters []chapterDef `yaml:"chapters"`
}

// Catalog is the ordered set of chapters and questions an interview walks.
// Both traversal modes expose the same contract so callers need not know
// which one they hold.
type Catalog interface {
	Name() string
	Mode() Mode
	// First returns the id of the opening question.
	First() string
	// Next returns the question that follows currentID given answerID.
	// An empty id means the interview is complete.
	Next(currentID, answerID string) (string, error)
	// Resolve maps free user text to an answer id. ok is false when the
	// text does not select any option of a conditional question.
	Resolve(questionID, text string) (answerID string, ok bool, err error)
	Question(id string) (Question, error)
	ChapterOf(id string) (ChapterInfo, error)
	Chapters() []ChapterInfo
	// Total is the upper bound on questions asked in one pass.
	Total() int
	Opening() string
	Closing() string
}

// base holds what both modes share.
type base struct {
	def       definition
	questions map[string]Question
	chapterOf map[string]ChapterInfo
	order     []string
}

func newBase(def definition) (*base, error) {
	b := &base{
		def:       def,
		questions: make(map[string]Question),
		chapterOf: make(map[string]ChapterInfo),
	}
	for i, ch := range def.Chapters {
		info := ChapterInfo{Index: i + 1, ID: ch.ID, Title: ch.Title, Intro: ch.Intro}
		for _, q := range ch.Questions {
			if q.ID == "" {
				return nil, fmt.Errorf("chapter %q: question without id", ch.ID)
			}
			if _, dup := b.questions[q.ID]; dup {
				return nil, fmt.Errorf("duplicate question id %q", q.ID)
			}
			b.questions[q.ID] = q
			b.chapterOf[q.ID] = info
			b.order = append(b.order, q.ID)
		}
	}
	if len(b.order) == 0 {
		return nil, fmt.Errorf("catalog %q has no questions", def.Name)
	}
	return b, nil
}

func (b *base) Name() string    { return b.def.Name }
func (b *base) Mode() Mode      { return b.def.Mode }
func (b *base) First() string   { return b.order[0] }
func (b *base) Total() int      { return len(b.order) }
func (b *base) Opening() string { return b.def.Opening }
func (b *base) Closing() string { return b.def.Closing }

func (b *base) Question(id string) (Question, error) {
	q, ok := b.questions[id]
	if !ok {
		return Question{}, fmt.Errorf("%w: %q", ErrUnknownQuestion, id)
	}
	return q, nil
}

func (b *base) ChapterOf(id string) (ChapterInfo, error) {
	info, ok := b.chapterOf[id]
	if !ok {
		return ChapterInfo{}, fmt.Errorf("%w: %q", ErrUnknownQuestion, id)
	}
	return info, nil
}

func (b *base) Chapters() []ChapterInfo {
	out := make([]ChapterInfo, len(b.def.Chapters))
	for i, ch := range b.def.Chapters {
		out[i] = ChapterInfo{Index: i + 1, ID: ch.ID, Title: ch.Title, Intro: ch.Intro}
	}
	return out
}

// linearCatalog walks questions in declaration order and ignores answers.
type linearCatalog struct {
	*base
	position map[string]int
}

func (c *linearCatalog) Next(currentID, _ string) (string, error) {
	i, ok := c.position[currentID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownQuestion, currentID)
	}
	if i+1 >= len(c.order) {
		return "", nil
	}
	return c.order[i+1], nil
}

func (c *linearCatalog) Resolve(questionID, _ string) (string, bool, error) {
	if _, err := c.Question(questionID); err != nil {
		return "", false, err
	}
	return "", true, nil
}

// conditionalCatalog follows option.Next, then question.Next; an empty
// target ends the questionnaire.
type conditionalCatalog struct {
	*base
}

func (c *conditionalCatalog) Next(currentID, answerID string) (string, error) {
	q, err := c.Question(currentID)
	if err != nil {
		return "", err
	}
	for _, o := range q.Options {
		if o.ID == answerID && o.Next != "" {
			return o.Next, nil
		}
	}
	return q.Next, nil
}

// Resolve accepts an option id, an option label (case-insensitive) or the
// 1-based option number.
func (c *conditionalCatalog) Resolve(questionID, text string) (string, bool, error) {
	q, err := c.Question(questionID)
	if err != nil {
		return "", false, err
	}
	if len(q.Options) == 0 {
		return "", true, nil
	}
	t := strings.TrimSpace(text)
	for _, o := range q.Options {
		if strings.EqualFold(o.ID, t) || strings.EqualFold(o.Label, t) {
			return o.ID, true, nil
		}
	}
	if n, err := strconv.Atoi(t); err == nil && n >= 1 && n <= len(q.Options) {
		return q.Options[n-1].ID, true, nil
	}
	return "", false, nil
}

// Parse builds a Catalog from a YAML definition.
func Parse(data []byte) (Catalog, error) {
	var def definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if def.Mode == "" {
		def.Mode = Linear
	}
	b, err := newBase(def)
	if err != nil {
		return nil, err
	}

	switch def.Mode {
	case Linear:
		pos := make(map[string]int, len(b.order))
		for i, id := range b.order {
			pos[id] = i
		}
		return &linearCatalog{base: b, position: pos}, nil
	case Conditional:
		c := &conditionalCatalog{base: b}
		if err := c.validate(); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("catalog %q: unknown mode %q", def.Name, def.Mode)
	}
}

// validate checks that every branch target exists and that the question
// graph has no cycles, so no path is longer than Total.
func (c *conditionalCatalog) validate() error {
	edges := make(map[string][]string, len(c.questions))
	for id, q := range c.questions {
		targets := []string{q.Next}
		for _, o := range q.Options {
			targets = append(targets, o.Next)
		}
		for _, t := range targets {
			if t == "" {
				continue
			}
			if _, ok := c.questions[t]; !ok {
				return fmt.Errorf("question %q branches to unknown question %q", id, t)
			}
			edges[id] = append(edges[id], t)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.questions))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("question graph has a cycle through %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range edges[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range c.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Interview returns the built-in free-text onboarding interview.
func Interview() (Catalog, error) {
	return loadEmbedded("interview.yaml")
}

// Questionnaire returns the built-in branching multiple-choice questionnaire.
func Questionnaire() (Catalog, error) {
	return loadEmbedded("questionnaire.yaml")
}

// ForMode returns the built-in catalog for mode.
func ForMode(mode Mode) (Catalog, error) {
	switch mode {
	case Linear, "":
		return Interview()
	case Conditional:
		return Questionnaire()
	default:
		return nil, fmt.Errorf("unknown catalog mode %q", mode)
	}
}

func loadEmbedded(name string) (Catalog, error) {
	data, err := definitionsFS.ReadFile("definitions/" + name)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return Parse(data)
}
