package verify

import (
	"fmt"
	"time"
)

// Level buckets a raw confidence score for presentation.
type Level string

const (
	LevelVeryLow  Level = "VERY_LOW"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelVeryHigh Level = "VERY_HIGH"
)

// Freshness thresholds in days per plan category. Fast-changing plan types go
// stale quickly; established ones do not.
const (
	ThresholdFastDays     = 30
	ThresholdSlowDays     = 90
	ThresholdStandardDays = 60
)

const (
	maxSourcePoints    = 25
	maxRecencyPoints   = 30
	maxCountPoints     = 25
	maxAgreementPoints = 20

	// corroborationThreshold is the number of independent submissions at
	// which the count component tops out and the level cap lifts.
	corroborationThreshold = 3

	staleFloorDays = 180
)

// ScoreInput carries everything the scorer needs. The scorer never reads
// shared state: callers hand it the full non-expired submission set for one
// (provider, plan) pair.
type ScoreInput struct {
	Submissions   []Submission
	ThresholdDays int
	Now           time.Time
}

// ScoreResult is the scorer output plus the explanatory metadata exposed by
// the read API. All fields are derived; nothing here is stored beyond the
// cached total on the Aggregate.
type ScoreResult struct {
	Score             int
	Level             Level
	VerificationCount int
	LastVerifiedAt    *time.Time

	SourcePoints    int
	RecencyPoints   int
	CountPoints     int
	AgreementPoints int

	ThresholdDays     int
	DaysUntilStale    int
	IsStale           bool
	RecommendReverify bool

	Explanation []string
}

// ComputeScore is the confidence scorer: four additive components, each
// clamped to its documented range, summed and clamped to [0,100]. It is a
// total function; missing data maps to the documented zero or default values
// and never produces an error.
func ComputeScore(input ScoreInput) ScoreResult {
	threshold := input.ThresholdDays
	if threshold <= 0 {
		threshold = ThresholdStandardDays
	}

	// Source and recency track the most recent report of any kind; the
	// count component only credits moderation-approved submissions, so a
	// fresh but uncorroborated report scores on freshness alone.
	approved := approvedSubmissions(input.Submissions)
	latest := latestSubmission(input.Submissions)

	result := ScoreResult{
		VerificationCount: len(approved),
		ThresholdDays:     threshold,
	}

	sourcePoints := 0
	if latest != nil {
		sourcePoints = clampComponent(latest.Source.Points(), maxSourcePoints)
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("data source %s: %d/%d", latest.Source, sourcePoints, maxSourcePoints))
	} else {
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("no submissions: 0/%d source points", maxSourcePoints))
	}
	result.SourcePoints = sourcePoints

	recencyPoints := 0
	if latest != nil {
		createdAt := latest.CreatedAt.UTC()
		result.LastVerifiedAt = &createdAt
		ageDays := daysBetween(latest.CreatedAt, input.Now)
		recencyPoints = clampComponent(recencyTier(ageDays, threshold), maxRecencyPoints)
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("last verified %d days ago (threshold %d): %d/%d", ageDays, threshold, recencyPoints, maxRecencyPoints))

		result.IsStale = ageDays > threshold
		result.DaysUntilStale = threshold - ageDays
		if result.DaysUntilStale < 0 {
			result.DaysUntilStale = 0
		}
		result.RecommendReverify = result.IsStale || ageDays*10 >= threshold*8
	} else {
		result.IsStale = true
		result.RecommendReverify = true
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("never verified: 0/%d recency points", maxRecencyPoints))
	}
	result.RecencyPoints = recencyPoints

	countPoints := clampComponent(countTier(len(approved)), maxCountPoints)
	result.CountPoints = countPoints
	result.Explanation = append(result.Explanation,
		fmt.Sprintf("%d independent submissions: %d/%d", len(approved), countPoints, maxCountPoints))

	upvotes, downvotes := tallyVotes(input.Submissions)
	agreementPoints := clampComponent(agreementTier(upvotes, downvotes), maxAgreementPoints)
	result.AgreementPoints = agreementPoints
	result.Explanation = append(result.Explanation,
		fmt.Sprintf("community votes %d up / %d down: %d/%d", upvotes, downvotes, agreementPoints, maxAgreementPoints))

	total := sourcePoints + recencyPoints + countPoints + agreementPoints
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	result.Score = total
	result.Level = levelFor(total, len(approved))

	return result
}

// levelFor maps a raw score to a level. Pairs with one or two submissions are
// capped at MEDIUM: a single well-sourced but uncorroborated report must not
// present as maximally trustworthy.
func levelFor(score int, verificationCount int) Level {
	level := LevelVeryLow
	switch {
	case score >= 91:
		level = LevelVeryHigh
	case score >= 76:
		level = LevelHigh
	case score >= 51:
		level = LevelMedium
	case score >= 26:
		level = LevelLow
	}

	if verificationCount > 0 && verificationCount < corroborationThreshold {
		if level == LevelHigh || level == LevelVeryHigh {
			return LevelMedium
		}
	}
	return level
}

// recencyTier maps days-since-last-submission to the tiered decay component.
func recencyTier(ageDays int, thresholdDays int) int {
	tier1 := thresholdDays / 2
	if tier1 > 30 {
		tier1 = 30
	}
	switch {
	case ageDays <= tier1:
		return 30
	case ageDays <= thresholdDays:
		return 20
	case ageDays <= thresholdDays+thresholdDays/2:
		return 10
	case ageDays <= staleFloorDays:
		return 5
	default:
		return 0
	}
}

func countTier(count int) int {
	switch {
	case count >= corroborationThreshold:
		return 25
	case count == 2:
		return 15
	case count == 1:
		return 10
	default:
		return 0
	}
}

// agreementTier scores pooled community agreement. An exact 50/50 split falls
// in the 40-59% tier and scores 5.
func agreementTier(upvotes int, downvotes int) int {
	total := upvotes + downvotes
	if total == 0 {
		return 0
	}
	switch {
	case downvotes == 0:
		return 20
	case upvotes*5 >= total*4: // >= 80%
		return 15
	case upvotes*5 >= total*3: // >= 60%
		return 10
	case upvotes*5 >= total*2: // >= 40%
		return 5
	default:
		return 0
	}
}

func approvedSubmissions(submissions []Submission) []Submission {
	approved := make([]Submission, 0, len(submissions))
	for _, submission := range submissions {
		if submission.Approved {
			approved = append(approved, submission)
		}
	}
	return approved
}

func latestSubmission(submissions []Submission) *Submission {
	var latest *Submission
	for index := range submissions {
		candidate := &submissions[index]
		if latest == nil || candidate.CreatedAt.After(latest.CreatedAt) {
			latest = candidate
		}
	}
	return latest
}

func tallyVotes(submissions []Submission) (int, int) {
	upvotes, downvotes := 0, 0
	for _, submission := range submissions {
		upvotes += submission.Upvotes
		downvotes += submission.Downvotes
	}
	return upvotes, downvotes
}

func daysBetween(earlier time.Time, later time.Time) int {
	if later.Before(earlier) {
		return 0
	}
	return int(later.Sub(earlier).Hours() / 24)
}

func clampComponent(points int, maximum int) int {
	if points < 0 {
		return 0
	}
	if points > maximum {
		return maximum
	}
	return points
}
