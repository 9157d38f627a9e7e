package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber redacts secrets. A nil *Scrubber passes content through.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp

	mu       sync.Mutex // gitleaks detectors are not safe for concurrent use
	detector *detect.Detector
}

// New creates a scrubber from cfg.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.RedactionString}
	if !cfg.Enabled {
		return s, nil
	}
	if s.redaction == "" {
		s.redaction = "[REDACTED]"
	}

	var err error
	if s.rules, err = compileRules(cfg.Rules); err != nil {
		return nil, err
	}
	if s.allow, err = compileAllowList(cfg.AllowList); err != nil {
		return nil, err
	}
	if cfg.Gitleaks {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("gitleaks detector: %w", err)
		}
		s.detector = d
	}
	return s, nil
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.enabled
}

// String redacts content and returns only the scrubbed text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

// Scrub redacts secrets from content.
func (s *Scrubber) Scrub(content string) Result {
	start := time.Now()
	res := Result{Scrubbed: content}
	if !s.Enabled() || content == "" {
		return res
	}

	var spans []span
	for _, rule := range s.rules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			spans = append(spans, span{m[0], m[1]})
			res.add(Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
				Source:      "rules",
			})
		}
	}
	spans = append(spans, s.gitleaks(content, &res)...)

	res.Scrubbed = redact(content, spans, s.redaction)
	res.Duration = time.Since(start)
	return res
}

func (s *Scrubber) gitleaks(content string, res *Result) []span {
	if s.detector == nil {
		return nil
	}
	s.mu.Lock()
	findings := s.detector.DetectString(content)
	s.mu.Unlock()

	var spans []span
	for _, f := range findings {
		if f.Secret == "" || s.allowed(f.Secret) {
			continue
		}
		found := false
		for off := 0; ; {
			i := strings.Index(content[off:], f.Secret)
			if i < 0 {
				break
			}
			spans = append(spans, span{off + i, off + i + len(f.Secret)})
			off += i + len(f.Secret)
			found = true
		}
		if found {
			res.add(Finding{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine + 1, Source: "gitleaks"})
		}
	}
	return spans
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func (r compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func (r *Result) add(f Finding) {
	if r.ByRule == nil {
		r.ByRule = make(map[string]int)
	}
	r.Findings = append(r.Findings, f)
	r.ByRule[f.RuleID]++
}

type span struct{ start, end int }

// redact replaces the union of spans with the redaction string.
func redact(content string, spans []span, with string) string {
	if len(spans) == 0 {
		return content
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(content[prev:sp.start])
		b.WriteString(with)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}
