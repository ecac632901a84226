package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wemdio/lead-scanner/internal/model"
)

func msgs(texts ...string) []model.Message {
	out := make([]model.Message, len(texts))
	for i, t := range texts {
		out[i] = model.Message{ID: int64(1001 + i), Text: t}
	}
	return out
}

func TestPreFilter_Rules(t *testing.T) {
	f := NewPreFilter(0, DefaultPatterns().Offer)

	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"empty", "   ", "empty"},
		{"short", "привет!", "too_short"},
		{"exactly min length", "0123456789", ""},
		{"vacancy", "Требуется менеджер по продажам в штат, ЗП 80к", "offer:vacancy"},
		{"services offer", "Оказываю услуги таргетолога, портфолио в лс", "offer:services_offer"},
		{"self promo", "Подписывайтесь на мой канал про пассивный доход", "offer:self_promotion"},
		{"lead request", "Ищу агентство для холодного аутрича, бюджет 100к/мес", ""},
		{"selling is left to the classifier", "Продам базу лидов, недорого", ""},
		{"english hiring", "We're hiring a growth marketer, salary negotiable", "offer:vacancy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			passed, rejected := f.Filter(msgs(tt.text), "Find people asking for marketing help.")
			if tt.reason == "" {
				assert.Len(t, passed, 1)
				assert.Empty(t, rejected)
				return
			}
			assert.Empty(t, passed)
			require.Len(t, rejected, 1)
			assert.Equal(t, tt.reason, rejected[0].Reason)
		})
	}
}

func TestPreFilter_CriteriaTargetsFamily(t *testing.T) {
	f := NewPreFilter(10, DefaultPatterns().Offer)
	vacancy := "Требуется менеджер по продажам в штат, ЗП 80к"

	passed, _ := f.Filter(msgs(vacancy), "Ищем компании, которые публикуют вакансии продажников")
	assert.Len(t, passed, 1, "a recruiter tenant wants vacancies")

	passed, _ = f.Filter(msgs(vacancy), "Companies hiring sales managers")
	assert.Len(t, passed, 1)

	passed, _ = f.Filter(msgs(vacancy), "Люди, которым нужен маркетинг")
	assert.Empty(t, passed)
}

func TestPreFilter_PreservesOrderAndIsDeterministic(t *testing.T) {
	f := NewPreFilter(10, DefaultPatterns().Offer)
	in := msgs("нужен сайт для кофейни", "ok", "посоветуйте подрядчика по SEO", "Требуется курьер")

	p1, r1 := f.Filter(in, "web")
	p2, r2 := f.Filter(in, "web")
	assert.Equal(t, p1, p2)
	assert.Equal(t, r1, r2)

	require.Len(t, p1, 2)
	assert.Equal(t, int64(1001), p1[0].ID)
	assert.Equal(t, int64(1003), p1[1].ID)
	assert.Len(t, r1, 2)
}

func TestMatcher_RiskFamilies(t *testing.T) {
	m := NewMatcher(DefaultPatterns().Risk)
	assert.Equal(t, []string{"selling_offer"}, m.Match("Продам базу лидов, недорого"))
	assert.Equal(t, []string{"resume"}, m.Match("Ищу работу маркетологом, резюме в профиле"))
	assert.Empty(t, m.Match("Ищу агентство для холодного аутрича"))
	assert.Empty(t, m.Match(""))
}

func TestMatcher_WordStartBoundary(t *testing.T) {
	m := NewMatcher([]Family{{Name: "x", Patterns: []string{"зп"}}})
	assert.NotEmpty(t, m.Match("ЗП: 80к"))
	assert.Empty(t, m.Match("козп"), "pattern must start a word")
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, " еще е", normalize("ЕЩЁ, Ё!"))
	assert.Equal(t, " hiring now", normalize("  HIRING —  now!! "))
	assert.Equal(t, " з/п 80к", normalize("З/П: 80к"))
	assert.Empty(t, normalize(" ... "))
}

func TestLoadPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
offer:
  - name: crypto
    patterns: ["airdrop", "pump"]
    triggers: ["crypto"]
`), 0o600))

	p, err := LoadPatterns(path)
	require.NoError(t, err)
	require.Len(t, p.Offer, 1)
	assert.Equal(t, "crypto", p.Offer[0].Name)
	assert.Equal(t, DefaultPatterns().Risk, p.Risk, "risk section keeps defaults")

	p, err = LoadPatterns("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns(), p)

	_, err = LoadPatterns(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("offer:\n  - patterns: [x]\n"), 0o600))
	_, err = LoadPatterns(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "family without name")
}
