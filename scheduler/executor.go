package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/store"
)

// ErrDoNotContact marks a lead that must not receive outreach. The
// scheduler cancels the sequence instead of retrying.
var ErrDoNotContact = errors.New("lead is marked do-not-contact")

// IntentScore is the decision layer's verdict on a lead.
type IntentScore struct {
	Score          float64 `json:"score"`
	Classification string  `json:"classification"`
}

// IntentScorer scores lead intent. Pure read, no side effects on
// sequence state.
type IntentScorer interface {
	Score(ctx context.Context, leadID string, history []string) (*IntentScore, error)
}

// ContentProvider produces the outreach message for a lead and day.
type ContentProvider interface {
	NextMessage(ctx context.Context, leadID string, day models.SequenceDay, score float64) (string, error)
}

// Deliverer sends content to a lead over one channel. Idempotent delivery
// is NOT guaranteed by the gateway; the completed-flag guard upstream is
// the only defense against double sends on retry.
type Deliverer interface {
	Deliver(ctx context.Context, lead *models.Lead, content string) error
}

// ActionExecutor turns a (lead, day, action) job into an outbound
// communication: score intent, fetch content, deliver. It never mutates
// sequence state; the scheduler owns that.
type ActionExecutor struct {
	Scorer     IntentScorer
	Content    ContentProvider
	Deliverers map[models.ActionType]Deliverer
	Leads      store.LeadDirectory
	Logger     *logrus.Logger

	// QualifyThreshold is the intent score at or above which the lead
	// short-circuits to QUALIFIED and skips delivery.
	QualifyThreshold float64
}

func NewActionExecutor(scorer IntentScorer, content ContentProvider, deliverers map[models.ActionType]Deliverer, leads store.LeadDirectory, logger *logrus.Logger, qualifyThreshold float64) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	return &ActionExecutor{
		Scorer:           scorer,
		Content:          content,
		Deliverers:       deliverers,
		Leads:            leads,
		Logger:           logger,
		QualifyThreshold: qualifyThreshold,
	}
}

// Execute produces and delivers the day's action. It returns
// qualified=true (and skips delivery) when the intent score clears the
// qualification threshold. Delivery and content failures are returned to
// the caller, which drives the retry path.
func (e *ActionExecutor) Execute(ctx context.Context, leadID string, day models.SequenceDay, action models.ActionType) (qualified bool, err error) {
	lead, err := e.Leads.FindLead(ctx, leadID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve lead %s: %w", leadID, err)
	}
	if lead == nil {
		return false, fmt.Errorf("no contact record for lead %s", leadID)
	}
	if lead.IsDoNotContact {
		return false, ErrDoNotContact
	}

	var score float64
	if e.Scorer != nil {
		verdict, err := e.Scorer.Score(ctx, leadID, nil)
		if err != nil {
			// Scoring is advisory; a scorer outage must not block outreach.
			e.Logger.WithError(err).WithField("lead_id", leadID).Warn("intent scorer unavailable, proceeding unscored")
		} else if verdict != nil {
			score = verdict.Score
			e.Logger.WithFields(logrus.Fields{
				"lead_id":        leadID,
				"score":          verdict.Score,
				"classification": verdict.Classification,
			}).Debug("lead intent scored")
		}
	}
	if e.QualifyThreshold > 0 && score >= e.QualifyThreshold {
		return true, nil
	}

	content, err := e.Content.NextMessage(ctx, leadID, day, score)
	if err != nil {
		return false, fmt.Errorf("failed to get message content for lead %s: %w", leadID, err)
	}

	deliverer, ok := e.Deliverers[action]
	if !ok {
		return false, fmt.Errorf("no delivery gateway for action %s", action)
	}
	if err := deliverer.Deliver(ctx, lead, content); err != nil {
		return false, fmt.Errorf("delivery failed for lead %s via %s: %w", leadID, action, err)
	}

	e.Logger.WithFields(logrus.Fields{
		"lead_id": leadID,
		"day":     day,
		"action":  action,
	}).Info("sequence action delivered")
	return false, nil
}
