package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSubmitCreatesSubmissionAndPendingAggregate(t *testing.T) {
	service, db, _ := newTestService(t)

	result, err := service.Submit(context.Background(), submissionRequest(t, "origin-1"))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if result.SubmissionID == "" {
		t.Fatalf("expected a submission id")
	}

	// crowd source 15 + fresh 30 + one submission 10 = 55
	if result.Aggregate.Score != 55 {
		t.Fatalf("expected score 55, got %d", result.Aggregate.Score)
	}
	if result.Aggregate.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", result.Aggregate.Status)
	}
	if result.Aggregate.VerificationCount != 1 {
		t.Fatalf("expected verification count 1, got %d", result.Aggregate.VerificationCount)
	}

	var stored Submission
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored submission: %v", err)
	}
	if stored.Fingerprint != "origin-1" {
		t.Fatalf("unexpected fingerprint: %s", stored.Fingerprint)
	}
	if !stored.ExpiresAt.After(stored.CreatedAt) {
		t.Fatalf("expected a future expiry")
	}
}

func TestSubmitRejectsDuplicateOriginInsideWindow(t *testing.T) {
	service, _, clock := newTestService(t)

	if _, err := service.Submit(context.Background(), submissionRequest(t, "origin-1")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	clock.Advance(24 * time.Hour)
	_, err := service.Submit(context.Background(), submissionRequest(t, "origin-1"))
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "verify.submit.duplicate_submission" {
		t.Fatalf("expected stable duplicate code, got %v", err)
	}
}

func TestSubmitRejectsDuplicateSubmitterEmailFromNewOrigin(t *testing.T) {
	service, _, _ := newTestService(t)

	first := submissionRequest(t, "origin-1")
	first.SubmitterEmail = "alex@example.com"
	if _, err := service.Submit(context.Background(), first); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	second := submissionRequest(t, "origin-2")
	second.SubmitterEmail = "alex@example.com"
	_, err := service.Submit(context.Background(), second)
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate rejection via submitter email, got %v", err)
	}
}

func TestSubmitAllowsSameOriginAfterLookbackWindow(t *testing.T) {
	service, _, clock := newTestService(t)

	if _, err := service.Submit(context.Background(), submissionRequest(t, "origin-1")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)
	if _, err := service.Submit(context.Background(), submissionRequest(t, "origin-1")); err != nil {
		t.Fatalf("expected resubmission after window to succeed, got %v", err)
	}
}

func TestSubmitRejectsUnknownProviderAndPlan(t *testing.T) {
	service, _, _ := newTestService(t)

	request := submissionRequest(t, "origin-1")
	request.ProviderID = mustProviderID(t, "prov-unknown")
	if _, err := service.Submit(context.Background(), request); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected provider not found, got %v", err)
	}

	request = submissionRequest(t, "origin-1")
	request.PlanID = mustPlanID(t, "plan-unknown")
	if _, err := service.Submit(context.Background(), request); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected plan not found, got %v", err)
	}
}

func TestSubmitRejectsMalformedOptionalFields(t *testing.T) {
	service, _, _ := newTestService(t)

	request := submissionRequest(t, "origin-1")
	request.EvidenceURL = "not a url"
	if _, err := service.Submit(context.Background(), request); !errors.Is(err, ErrInvalidEvidenceURL) {
		t.Fatalf("expected evidence url rejection, got %v", err)
	}

	request = submissionRequest(t, "origin-2")
	request.SubmitterEmail = "not-an-email"
	if _, err := service.Submit(context.Background(), request); !errors.Is(err, ErrInvalidSubmitterEmail) {
		t.Fatalf("expected submitter email rejection, got %v", err)
	}
}

func TestThreeCorroboratingSubmissionsReachAccepted(t *testing.T) {
	service, _, _ := newTestService(t)

	var last SubmitResult
	var err error
	for _, origin := range []string{"origin-1", "origin-2", "origin-3"} {
		last, err = service.Submit(context.Background(), submissionRequest(t, origin))
		if err != nil {
			t.Fatalf("unexpected submit error for %s: %v", origin, err)
		}
	}

	// crowd 15 + fresh 30 + three submissions 25 = 70, unanimous majority.
	if last.Aggregate.Score != 70 {
		t.Fatalf("expected score 70, got %d", last.Aggregate.Score)
	}
	if last.Aggregate.Status != StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", last.Aggregate.Status)
	}
}

func TestContestedMajorityStaysPending(t *testing.T) {
	service, _, _ := newTestService(t)

	for index, accepted := range []bool{true, true, false, false} {
		request := submissionRequest(t, "origin-"+string(rune('a'+index)))
		request.Accepted = accepted
		if _, err := service.Submit(context.Background(), request); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	view, err := service.GetVerification(context.Background(), mustProviderID(t, "prov-1"), mustPlanID(t, "plan-1"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if view.Aggregate.Status != StatusPending {
		t.Fatalf("an even split must stay PENDING, got %s", view.Aggregate.Status)
	}
}

func TestCastVoteCreatesSingleRowAndFlipsDirection(t *testing.T) {
	service, db, _ := newTestService(t)

	created, err := service.Submit(context.Background(), submissionRequest(t, "origin-1"))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	voter := mustFingerprint(t, "voter-1")
	first, err := service.CastVote(context.Background(), created.SubmissionID, voter, VoteUp)
	if err != nil {
		t.Fatalf("unexpected vote error: %v", err)
	}
	if first.Upvotes != 1 || first.Downvotes != 0 {
		t.Fatalf("expected 1/0 after first vote, got %d/%d", first.Upvotes, first.Downvotes)
	}

	repeat, err := service.CastVote(context.Background(), created.SubmissionID, voter, VoteUp)
	if err != nil {
		t.Fatalf("unexpected repeat vote error: %v", err)
	}
	if repeat.Upvotes != 1 || repeat.Downvotes != 0 {
		t.Fatalf("repeat vote must be a no-op, got %d/%d", repeat.Upvotes, repeat.Downvotes)
	}

	flipped, err := service.CastVote(context.Background(), created.SubmissionID, voter, VoteDown)
	if err != nil {
		t.Fatalf("unexpected flip vote error: %v", err)
	}
	if flipped.Upvotes != 0 || flipped.Downvotes != 1 {
		t.Fatalf("flip must move exactly one vote, got %d/%d", flipped.Upvotes, flipped.Downvotes)
	}

	var voteCount int64
	if err := db.Model(&Vote{}).Where("submission_id = ?", created.SubmissionID).Count(&voteCount).Error; err != nil {
		t.Fatalf("failed to count votes: %v", err)
	}
	if voteCount != 1 {
		t.Fatalf("expected exactly one vote row, got %d", voteCount)
	}
}

func TestCastVoteRecomputesAggregate(t *testing.T) {
	service, _, _ := newTestService(t)

	created, err := service.Submit(context.Background(), submissionRequest(t, "origin-1"))
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	result, err := service.CastVote(context.Background(), created.SubmissionID, mustFingerprint(t, "voter-1"), VoteUp)
	if err != nil {
		t.Fatalf("unexpected vote error: %v", err)
	}

	// base 55 plus unanimous agreement 20
	if result.Aggregate.Score != 75 {
		t.Fatalf("expected score 75 after unanimous upvote, got %d", result.Aggregate.Score)
	}
}

func TestCastVoteOnUnknownSubmissionFails(t *testing.T) {
	service, _, _ := newTestService(t)

	_, err := service.CastVote(context.Background(), "missing", mustFingerprint(t, "voter-1"), VoteUp)
	if !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected submission not found, got %v", err)
	}
}

func TestGetVerificationUnknownPairReadsUnknown(t *testing.T) {
	service, _, _ := newTestService(t)

	view, err := service.GetVerification(context.Background(), mustProviderID(t, "prov-1"), mustPlanID(t, "plan-1"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if view.Aggregate.Status != StatusUnknown {
		t.Fatalf("expected UNKNOWN for missing pair, got %s", view.Aggregate.Status)
	}
	if view.Aggregate.Score != 0 {
		t.Fatalf("expected zero score for missing pair, got %d", view.Aggregate.Score)
	}
	if len(view.Submissions) != 0 {
		t.Fatalf("expected no submissions, got %d", len(view.Submissions))
	}
}

func TestGetVerificationLabelsDriftedCachedScore(t *testing.T) {
	service, _, clock := newTestService(t)

	if _, err := service.Submit(context.Background(), submissionRequest(t, "origin-1")); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	// 40 days later the recency component has decayed but no write has
	// refreshed the stored aggregate, so the served score stays 55 while
	// a fresh recomputation yields 45.
	clock.Advance(40 * 24 * time.Hour)
	view, err := service.GetVerification(context.Background(), mustProviderID(t, "prov-1"), mustPlanID(t, "plan-1"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if view.Aggregate.Score != 55 {
		t.Fatalf("served score must come from the stored aggregate, got %d", view.Aggregate.Score)
	}
	if len(view.Aggregate.Explanation) == 0 {
		t.Fatalf("expected explanation lines")
	}
	last := view.Aggregate.Explanation[len(view.Aggregate.Explanation)-1]
	if !strings.Contains(last, "served score 55") || !strings.Contains(last, "45") {
		t.Fatalf("expected the cached/recomputed drift to be labelled, got %q", last)
	}
}

func TestGetVerificationStripsOriginAndEmail(t *testing.T) {
	service, _, _ := newTestService(t)

	request := submissionRequest(t, "origin-1")
	request.SubmitterEmail = "alex@example.com"
	request.Note = "confirmed by front desk"
	if _, err := service.Submit(context.Background(), request); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	view, err := service.GetVerification(context.Background(), mustProviderID(t, "prov-1"), mustPlanID(t, "plan-1"))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(view.Submissions) != 1 {
		t.Fatalf("expected one submission summary, got %d", len(view.Submissions))
	}
	if view.Submissions[0].Note != "confirmed by front desk" {
		t.Fatalf("expected note to survive, got %q", view.Submissions[0].Note)
	}
}
