package pipeline

import (
	"os"
	"strings"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Family is a named group of phrases describing one kind of non-lead message
// (a vacancy, a services offer, a resume). Triggers are phrases that, when
// present in a tenant's criteria prompt, mean the tenant is looking for this
// kind of message and the family must not be used against it.
type Family struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
	Triggers []string `yaml:"triggers"`
}

// Patterns holds the pre-filter families (Offer) and the smart double-check
// risk families (Risk).
type Patterns struct {
	Offer []Family `yaml:"offer"`
	Risk  []Family `yaml:"risk"`
}

// DefaultPatterns returns the compiled-in families.
func DefaultPatterns() Patterns {
	return Patterns{
		Offer: []Family{
			{
				Name: "vacancy",
				Patterns: []string{
					"требуется", "требуются", "вакансия", "в штат", "зп", "з/п", "зарплата",
					"оклад", "ищем сотрудника", "приглашаем на работу", "открыта вакансия",
					"we are hiring", "we're hiring", "job opening", "salary", "full-time position",
				},
				Triggers: []string{"ваканс", "найм", "рекрут", "соискател", "hiring", "recruit", "job post"},
			},
			{
				Name: "services_offer",
				Patterns: []string{
					"предлагаю услуги", "предлагаем услуги", "оказываю услуги", "оказываем услуги",
					"возьму заказ", "возьму проект", "беру заказы", "выполню под ключ", "портфолио в лс",
					"i offer", "we offer", "offering my services", "dm for services",
				},
				Triggers: []string{"исполнител", "подрядчик", "фрилансер", "freelancer", "contractor", "offering services"},
			},
			{
				Name: "self_promotion",
				Patterns: []string{
					"подписывайтесь", "подпишись на канал", "переходи по ссылке", "ссылка в профиле",
					"пассивный доход", "заработок без вложений", "ставки на спорт",
					"subscribe to my channel", "link in bio", "passive income", "crypto signals",
				},
				Triggers: []string{"реклам", "промо", "advertis", "promo"},
			},
		},
		Risk: []Family{
			{
				Name:     "vacancy",
				Patterns: []string{"требуется", "вакансия", "в штат", "зп", "зарплата", "hiring", "vacancy", "salary"},
			},
			{
				Name: "resume",
				Patterns: []string{
					"ищу работу", "резюме", "рассмотрю предложения", "мой опыт", "open to work",
					"looking for a job", "my resume", "my cv",
				},
			},
			{
				Name: "selling_offer",
				Patterns: []string{
					"продам", "продаю", "недорого", "прайс", "скидка", "акция", "в наличии",
					"for sale", "selling", "discount", "price list",
				},
			},
			{
				Name: "subscription_ad",
				Patterns: []string{
					"подписывайтесь", "подпишись", "наш канал", "наш чат", "ссылка в профиле",
					"subscribe", "join our channel", "link in bio",
				},
			},
		},
	}
}

// LoadPatterns reads families from a YAML file. A section left empty in the
// file keeps its compiled-in default.
func LoadPatterns(path string) (Patterns, error) {
	defaults := DefaultPatterns()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Patterns{}, eris.Wrapf(err, "pipeline: read patterns file %s", path)
	}

	var p Patterns
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Patterns{}, eris.Wrapf(err, "pipeline: parse patterns file %s", path)
	}
	for _, f := range append(p.Offer, p.Risk...) {
		if f.Name == "" {
			return Patterns{}, eris.Errorf("pipeline: patterns file %s: family without name", path)
		}
	}

	if len(p.Offer) == 0 {
		p.Offer = defaults.Offer
	}
	if len(p.Risk) == 0 {
		p.Risk = defaults.Risk
	}
	return p, nil
}

// Matcher finds pattern families in normalized text with one Aho-Corasick
// pass. It is safe for concurrent use.
type Matcher struct {
	families []Family

	patterns      *ahocorasick.Matcher
	patternFamily []int

	triggers      *ahocorasick.Matcher
	triggerFamily []int
}

// NewMatcher compiles families. Empty phrases are ignored.
func NewMatcher(families []Family) *Matcher {
	m := &Matcher{families: families}

	var pats, trigs []string
	for i, f := range families {
		for _, p := range f.Patterns {
			if n := normalize(p); strings.TrimSpace(n) != "" {
				pats = append(pats, n)
				m.patternFamily = append(m.patternFamily, i)
			}
		}
		for _, t := range f.Triggers {
			if n := strings.TrimSpace(normalize(t)); n != "" {
				trigs = append(trigs, n)
				m.triggerFamily = append(m.triggerFamily, i)
			}
		}
	}

	if len(pats) > 0 {
		m.patterns = ahocorasick.NewStringMatcher(pats)
	}
	if len(trigs) > 0 {
		m.triggers = ahocorasick.NewStringMatcher(trigs)
	}
	return m
}

// Match returns the names of families with at least one pattern in text,
// in family declaration order.
func (m *Matcher) Match(text string) []string {
	return m.hits(m.patterns, m.patternFamily, normalize(text), nil)
}

// MatchExcept is Match with some families switched off.
func (m *Matcher) MatchExcept(text string, disabled map[string]bool) []string {
	return m.hits(m.patterns, m.patternFamily, normalize(text), disabled)
}

// DisabledBy returns the families a criteria prompt targets: the prompt
// contains one of the family's triggers or one of its own patterns.
func (m *Matcher) DisabledBy(criteria string) map[string]bool {
	text := normalize(criteria)
	out := make(map[string]bool)
	for _, name := range m.hits(m.triggers, m.triggerFamily, text, nil) {
		out[name] = true
	}
	for _, name := range m.hits(m.patterns, m.patternFamily, text, nil) {
		out[name] = true
	}
	return out
}

func (m *Matcher) hits(ac *ahocorasick.Matcher, owner []int, text string, disabled map[string]bool) []string {
	if ac == nil || text == "" {
		return nil
	}
	seen := make([]bool, len(m.families))
	for _, idx := range ac.MatchThreadSafe([]byte(text)) {
		if idx < len(owner) {
			seen[owner[idx]] = true
		}
	}
	var names []string
	for i, ok := range seen {
		if ok && !disabled[m.families[i].Name] {
			names = append(names, m.families[i].Name)
		}
	}
	return names
}

// normalize folds case and compatibility forms, maps ё to е, turns
// punctuation into spaces and pads the result with single spaces so phrases
// only match on word boundaries. Words are matched as prefixes: "ваканс"
// matches "вакансия".
func normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.ReplaceAll(s, "ё", "е")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\'' || r == '-':
			return r
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			return ' '
		}
		return r
	}, s)
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ")
}
