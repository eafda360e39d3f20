package admission

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BotDetector classifies automated clients.
type BotDetector interface {
	IsBot(r Request) bool
}

// Shield detects hostile requests.
type Shield interface {
	Triggered(r Request) bool
}

// DefaultBotSignatures are User-Agent fragments of automated clients.
var DefaultBotSignatures = []string{
	"bot", "crawler", "spider", "scraper", "curl", "wget", "python-requests",
	"python-urllib", "aiohttp", "httpx", "go-http-client", "java/", "okhttp",
	"libwww-perl", "scrapy", "headlesschrome", "phantomjs", "selenium",
	"puppeteer", "playwright", "postmanruntime", "insomnia", "httpie",
}

// DefaultBotAllowList lets search engines through.
var DefaultBotAllowList = []string{
	"googlebot", "bingbot", "duckduckbot", "yandexbot", "baiduspider", "applebot",
}

// UserAgentDetector flags requests whose User-Agent is empty or matches a bot
// signature, unless it also matches the allow-list. Matching is
// case-insensitive.
type UserAgentDetector struct {
	signatures []string
	allow      []string
}

// NewUserAgentDetector creates a detector. Nil signatures select
// DefaultBotSignatures.
func NewUserAgentDetector(signatures, allow []string) *UserAgentDetector {
	if signatures == nil {
		signatures = DefaultBotSignatures
	}
	return &UserAgentDetector{
		signatures: lowerAll(signatures),
		allow:      lowerAll(allow),
	}
}

// IsBot implements BotDetector.
func (d *UserAgentDetector) IsBot(r Request) bool {
	ua := strings.ToLower(strings.TrimSpace(r.UserAgent))
	if ua == "" {
		return true
	}
	for _, a := range d.allow {
		if strings.Contains(ua, a) {
			return false
		}
	}
	for _, s := range d.signatures {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// attackSignatures match common injection and traversal payloads in the
// decoded path, query and JSON body.
var attackSignatures = []*regexp.Regexp{
	// SQL injection
	regexp.MustCompile(`(?i)(\bunion\b[\s(]+(all\s+)?select\b|\bselect\b.+\bfrom\b.+\bwhere\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+|;\s*(drop|delete|insert|update)\s|\bsleep\s*\(\s*\d+\s*\)|--\s*$)`),
	// XSS
	regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|mouseover)\s*=|<\s*iframe\b)`),
	// Path traversal
	regexp.MustCompile(`(\.\./|\.\.\\|/etc/passwd|/proc/self/)`),
	// Command injection
	regexp.MustCompile(`(?i)(;\s*(cat|ls|id|whoami|uname)\b|\$\(|` + "`" + `)`),
}

// PatternShield combines attack signature matching with a per-IP flood guard.
type PatternShield struct {
	patterns []*regexp.Regexp

	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*ipLimiter
	now      func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPatternShield creates a shield that also triggers when an IP exceeds
// perSecond requests per second with the given burst. A non-positive
// perSecond disables the flood guard.
func NewPatternShield(perSecond float64, burst int) *PatternShield {
	return &PatternShield{
		patterns: attackSignatures,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*ipLimiter),
		now:      time.Now,
	}
}

// Triggered implements Shield.
func (s *PatternShield) Triggered(r Request) bool {
	if s.matches(r) {
		return true
	}
	return s.flooding(r.IP)
}

func (s *PatternShield) matches(r Request) bool {
	targets := []string{r.Path, r.RawQuery, r.Body}
	if p, err := url.PathUnescape(r.Path); err == nil {
		targets = append(targets, p)
	}
	if q, err := url.QueryUnescape(r.RawQuery); err == nil {
		targets = append(targets, q)
	}

	for _, target := range targets {
		if target == "" {
			continue
		}
		for _, re := range s.patterns {
			if re.MatchString(target) {
				return true
			}
		}
	}
	return false
}

func (s *PatternShield) flooding(ip string) bool {
	if s.rate <= 0 || ip == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[ip] = l
	}
	l.lastSeen = now
	return !l.limiter.AllowN(now, 1)
}

// Sweep drops flood guard state for IPs idle longer than maxAge.
func (s *PatternShield) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0
	for ip, l := range s.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(s.limiters, ip)
			removed++
		}
	}
	return removed
}
