package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/roundtable-ai/roundtable/pkg/models"
)

// canonExtractPrompt asks for the structured extraction. The reply is
// parsed as a bare JSON array; anything else trips the heuristic fallback.
const canonExtractPrompt = `Extract durable project knowledge from the text below: decisions, changelog entries, backlog tasks, glossary terms, plans.
Reply with a JSON array only. Each element: {"type":"ADR|CHANGELOG|BACKLOG|GLOSSARY|PMD","title":"...","body":"...","tags":["..."],"terms":["..."]}.
Use [] when nothing qualifies. No prose, no code fences.

Text:
`

const (
	canonExtractMaxChars  = 12000
	canonExtractMaxTokens = 1000
	defaultCanonTopK      = 20
)

// canonDraft is the extraction wire shape, before validation.
type canonDraft struct {
	Type  string   `json:"type"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
	Terms []string `json:"terms"`
}

// ExtractCanon pulls durable knowledge items out of arbitrary text and
// persists them for the scope. The structured LLM path is tried first;
// on a parse failure or an empty result the line-scanning heuristic
// takes over. Both paths are best-effort: an extraction that finds
// nothing returns an empty slice, not an error.
func (e *Engine) ExtractCanon(ctx context.Context, scope models.Scope, text string) ([]models.CanonItem, error) {
	if !e.cfg.Features.CanonEnabled {
		return nil, nil
	}

	drafts := e.llmExtract(ctx, text)
	if len(drafts) == 0 {
		drafts = heuristicExtract(text)
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	items := make([]models.CanonItem, 0, len(drafts))
	for _, d := range drafts {
		typ := models.CanonType(strings.ToUpper(strings.TrimSpace(d.Type)))
		if !models.ValidCanonType(typ) || strings.TrimSpace(d.Title) == "" {
			continue
		}
		items = append(items, models.CanonItem{
			ID:        uuid.New().String(),
			Project:   scope.Project,
			Role:      scope.Role,
			Type:      typ,
			Title:     strings.TrimSpace(d.Title),
			Body:      strings.TrimSpace(d.Body),
			Tags:      d.Tags,
			Terms:     d.Terms,
			Active:    true,
			CreatedAt: now,
		})
	}
	if len(items) == 0 {
		return nil, nil
	}

	if err := e.store.AppendCanonItems(ctx, items); err != nil {
		return nil, err
	}
	log.Info().Str("project", scope.Project).Int("items", len(items)).Msg("Canon items extracted")
	return items, nil
}

// llmExtract runs the structured extraction. Returns nil on any failure
// so the caller falls through to the heuristic.
func (e *Engine) llmExtract(ctx context.Context, text string) []canonDraft {
	if e.llm == nil {
		return nil
	}
	res, err := e.llm.Ask(ctx, &models.AskRequest{
		Messages: []models.ChatMessage{{
			Role:    models.ChatRoleUser,
			Content: canonExtractPrompt + truncateText(text, canonExtractMaxChars),
		}},
		MaxOutputTokens: intPtr(canonExtractMaxTokens),
	})
	if err != nil || res.Degraded {
		log.Warn().Err(err).Msg("Canon extraction call failed, falling back to heuristic")
		return nil
	}

	cleaned := strings.TrimSpace(res.Text)
	// Models wrap JSON in code fences despite instructions.
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.Trim(cleaned, "`")
		cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, "json"))
	}

	var drafts []canonDraft
	if err := json.Unmarshal([]byte(cleaned), &drafts); err != nil {
		log.Debug().Err(err).Msg("Canon extraction reply unparseable, falling back to heuristic")
		return nil
	}
	return drafts
}

// canonTriggers maps leading line tokens to canon types for the
// heuristic extractor.
var canonTriggers = []struct {
	prefixes []string
	typ      models.CanonType
}{
	{[]string{"decision:", "decided:", "adr:"}, models.CanonADR},
	{[]string{"changelog:", "changed:", "added:", "fixed:"}, models.CanonChangelog},
	{[]string{"todo:", "task:", "backlog:"}, models.CanonBacklog},
	{[]string{"term:", "define:", "glossary:"}, models.CanonGlossary},
	{[]string{"pmd:", "plan:", "milestone:"}, models.CanonPMD},
}

// heuristicExtract scans lines for trigger tokens. It never fails; an
// input with no triggers yields no drafts.
func heuristicExtract(text string) []canonDraft {
	var drafts []canonDraft
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, trig := range canonTriggers {
			for _, p := range trig.prefixes {
				if !strings.HasPrefix(lower, p) {
					continue
				}
				rest := strings.TrimSpace(line[len(p):])
				if rest == "" {
					continue
				}
				title, body := splitDraft(rest)
				drafts = append(drafts, canonDraft{
					Type:  string(trig.typ),
					Title: title,
					Body:  body,
					Tags:  []string{strings.ToLower(string(trig.typ))},
					Terms: extractTerms(rest),
				})
			}
		}
	}
	return drafts
}

// splitDraft takes "title - body" / "title: body" / "term = meaning"
// shaped lines apart; a line with no separator is its own title.
func splitDraft(rest string) (string, string) {
	for _, sep := range []string{" - ", ": ", " = "} {
		if i := strings.Index(rest, sep); i > 0 {
			return strings.TrimSpace(rest[:i]), strings.TrimSpace(rest[i+len(sep):])
		}
	}
	return truncateText(rest, 80), rest
}

// extractTerms picks up to eight lowercase search terms from a line.
func extractTerms(s string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?()[]{}\"'")
		if len(w) < 4 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
		if len(terms) == 8 {
			break
		}
	}
	return terms
}

// ── Search ──────────────────────────────────────────────────

// CanonQuery filters a canon search.
type CanonQuery struct {
	// Terms must all match (AND); each term matches by case-insensitive
	// substring against title, body, or any stored search term (OR).
	Terms []string

	// Types restricts to an allow-list when non-empty.
	Types []models.CanonType

	// TopK caps the result count.
	TopK int

	// IncludeGlobal widens the search to items of every role. When false
	// only items carrying the scope's exact role match.
	IncludeGlobal bool
}

// SearchCanon returns the scope's active items matching the query,
// newest first, capped at TopK.
func (e *Engine) SearchCanon(ctx context.Context, scope models.Scope, q CanonQuery) ([]models.CanonItem, error) {
	if !e.cfg.Features.CanonEnabled {
		return nil, nil
	}
	items, err := e.store.ListCanon(ctx, scope.Project)
	if err != nil {
		return nil, err
	}

	topK := q.TopK
	if topK <= 0 {
		topK = defaultCanonTopK
	}

	out := make([]models.CanonItem, 0, topK)
	for _, item := range items {
		if !roleMatches(scope, q, &item) || !typeAllowed(q.Types, item.Type) || !termsMatch(&item, q.Terms) {
			continue
		}
		out = append(out, item)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// DeactivateCanon retires an item from every future search.
func (e *Engine) DeactivateCanon(ctx context.Context, id string) error {
	return e.store.DeactivateCanonItem(ctx, id)
}

// roleMatches applies the role scoping rule: a roleless search or an
// IncludeGlobal query sees everything, otherwise only the exact role.
func roleMatches(scope models.Scope, q CanonQuery, item *models.CanonItem) bool {
	if q.IncludeGlobal || scope.Role == 0 {
		return true
	}
	return item.Role == scope.Role
}

func typeAllowed(allow []models.CanonType, t models.CanonType) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == t {
			return true
		}
	}
	return false
}

// termsMatch requires every query term to hit at least one field.
func termsMatch(item *models.CanonItem, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	title := strings.ToLower(item.Title)
	body := strings.ToLower(item.Body)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.Contains(title, term) || strings.Contains(body, term) {
			continue
		}
		hit := false
		for _, t := range item.Terms {
			if strings.Contains(strings.ToLower(t), term) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// ── Digest ──────────────────────────────────────────────────

// Digest is a rendered knowledge block plus the items behind it.
type Digest struct {
	Text  string             `json:"text"`
	Items []models.CanonItem `json:"items"`
}

// CanonDigest renders the scope's matching canon as one text block,
// grouped by type, for embedding into prompts. Results are cached under
// the query shape for the configured TTL.
func (e *Engine) CanonDigest(ctx context.Context, scope models.Scope, q CanonQuery) (*Digest, error) {
	if !e.cfg.Features.CanonEnabled {
		return &Digest{}, nil
	}

	key := digestCacheKey(scope, q)
	if e.cache != nil {
		var cached Digest
		if ok, err := e.cache.Get(ctx, key, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	items, err := e.SearchCanon(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	d := &Digest{Text: formatDigest(items), Items: items}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, d, 0); err != nil {
			log.Debug().Err(err).Msg("Digest cache write failed")
		}
	}
	return d, nil
}

func digestCacheKey(scope models.Scope, q CanonQuery) string {
	types := make([]string, 0, len(q.Types))
	for _, t := range q.Types {
		types = append(types, string(t))
	}
	return fmt.Sprintf("canon:digest:%s:%d:%s:%s:%d:%s",
		scope.Project, scope.Role,
		strings.Join(q.Terms, ","), strings.Join(types, ","),
		q.TopK, strconv.FormatBool(q.IncludeGlobal))
}

// formatDigest groups items by type in display order.
func formatDigest(items []models.CanonItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, typ := range models.CanonTypes {
		wrote := false
		for _, item := range items {
			if item.Type != typ {
				continue
			}
			if !wrote {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString("## ")
				b.WriteString(string(typ))
				b.WriteString("\n")
				wrote = true
			}
			b.WriteString("- ")
			b.WriteString(item.Title)
			if item.Body != "" && item.Body != item.Title {
				b.WriteString(": ")
				b.WriteString(truncateText(item.Body, 200))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
