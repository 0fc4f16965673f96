package risk

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"pricefeed/internal/risk/model"
)

// Assessment is the outcome of scoring one subject. It is computed per
// request and never cached; callers persist it themselves if they care.
type Assessment struct {
	SubjectID   string    `json:"subject_id"`
	IsFlagged   bool      `json:"is_flagged"`
	RiskScore   int       `json:"risk_score"`  // 0..100
	Confidence  int       `json:"confidence"`  // 0..100
	Reasons     []string  `json:"reasons"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Predictor is the delegated scoring mode, implemented by model.Client.
type Predictor interface {
	Predict(ctx context.Context, subjectID string) (model.Prediction, error)
}

// Config for the scorer.
type Config struct {
	// FlagThreshold: scores at or above it set IsFlagged. Default 70.
	FlagThreshold int
	// Stablecoins bypass scoring entirely and get a fixed low-risk result.
	Stablecoins []string
}

// Scorer assesses token risk. With a model client configured it delegates
// to the external service and maps the probability to a 0-100 score; on a
// transport failure it falls back to the local heuristic for that single
// call. Without a model client the heuristic is the only mode.
type Scorer struct {
	predictor   Predictor // nil means heuristic-only
	threshold   int
	stablecoins map[string]struct{}
	log         *slog.Logger

	nowFunc func() time.Time
}

func New(predictor Predictor, cfg Config, log *slog.Logger) *Scorer {
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 70
	}
	if len(cfg.Stablecoins) == 0 {
		cfg.Stablecoins = []string{"USDC", "USDT", "DAI", "BUSD", "TUSD"}
	}
	if log == nil {
		log = slog.Default()
	}
	stable := make(map[string]struct{}, len(cfg.Stablecoins))
	for _, s := range cfg.Stablecoins {
		stable[strings.ToUpper(s)] = struct{}{}
	}
	return &Scorer{
		predictor:   predictor,
		threshold:   cfg.FlagThreshold,
		stablecoins: stable,
		log:         log,
		nowFunc:     time.Now,
	}
}

// Assess scores a subject. It never fails: the delegated mode degrades to
// the heuristic, and the heuristic always produces a result.
func (s *Scorer) Assess(ctx context.Context, subjectID, name, symbol string) Assessment {
	now := s.nowFunc().UTC()

	if _, ok := s.stablecoins[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return Assessment{
			SubjectID:   subjectID,
			IsFlagged:   false,
			RiskScore:   5,
			Confidence:  90,
			Reasons:     []string{"stablecoin policy"},
			EvaluatedAt: now,
		}
	}

	if s.predictor != nil {
		pred, err := s.predictor.Predict(ctx, subjectID)
		if err == nil {
			score := clamp(int(math.Round(pred.Probability*100)), 0, 100)
			return Assessment{
				SubjectID:   subjectID,
				IsFlagged:   score >= s.threshold,
				RiskScore:   score,
				Confidence:  clamp(int(math.Round(pred.Confidence*100)), 0, 100),
				Reasons:     []string{"model prediction"},
				EvaluatedAt: now,
			}
		}
		// Fall back for this call only; the next call tries the model again.
		s.log.Warn("risk model call failed, using heuristic", "subject", subjectID, "err", err)
	}

	score, reasons := s.heuristic(subjectID, name, symbol)
	confidence := 50
	if n := len(reasons); n > 0 {
		confidence = clamp(50+10*n, 50, 90)
	}
	return Assessment{
		SubjectID:   subjectID,
		IsFlagged:   score >= s.threshold,
		RiskScore:   score,
		Confidence:  confidence,
		Reasons:     reasons,
		EvaluatedAt: now,
	}
}

// wellFormedID matches a 0x-prefixed hex account address.
var wellFormedID = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)

// sameHexDigit reports ids like 0x000...0 or 0xfff...f where every hex
// digit is identical.
func sameHexDigit(id string) bool {
	hex := strings.TrimPrefix(id, "0x")
	if len(hex) < 2 {
		return false
	}
	for i := 1; i < len(hex); i++ {
		if hex[i] != hex[0] {
			return false
		}
	}
	return true
}

// hasRepeatedRun reports four or more of the same character in a row.
func hasRepeatedRun(s string) bool {
	run := 1
	for i := 1; i < len(s); i++ {
		if s[i] == s[i-1] {
			run++
			if run >= 4 {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

var hypeWords = []string{"moon", "pump", "elon", "inu", "safe", "100x", "1000x", "gem", "airdrop", "rocket"}

// heuristic scores a subject from independent additive signals and caps
// the sum at 100. Each contributing signal is recorded as a reason.
func (s *Scorer) heuristic(subjectID, name, symbol string) (int, []string) {
	score := 0
	var reasons []string

	id := strings.TrimSpace(subjectID)
	if !wellFormedID.MatchString(id) {
		score += 50
		reasons = append(reasons, "malformed identifier")
	} else if sameHexDigit(strings.ToLower(id)) {
		score += 25
		reasons = append(reasons, "degenerate identifier pattern")
	}

	lexical := strings.ToLower(name + " " + symbol)
	for _, w := range hypeWords {
		if strings.Contains(lexical, w) {
			score += 15
			reasons = append(reasons, "hype keyword: "+w)
		}
	}
	if hasRepeatedRun(lexical) {
		score += 20
		reasons = append(reasons, "excessive repeated characters")
	}

	if score > 100 {
		score = 100
	}
	return score, reasons
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
