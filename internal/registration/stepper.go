// ABOUTME: Registration stepper: the onboarding dialogue run before a customer is routed
// ABOUTME: Asks name, classification and, for customers, the tax id

package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/store"
)

// Answer ids offered by the classification question.
const (
	AnswerYes = "1"
	AnswerNo  = "2"
)

// Prompt is the next question for the customer.
type Prompt struct {
	Text    string
	Options []channel.Option
}

// Stepper advances customers through registration.
type Stepper struct {
	directory store.Directory
	catalog   *catalog.Catalog
	logger    *slog.Logger

	// Now returns the current time; it drives the period greeting.
	Now func() time.Time
}

// NewStepper creates a Stepper persisting through directory.
func NewStepper(directory store.Directory, cat *catalog.Catalog, logger *slog.Logger) *Stepper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stepper{
		directory: directory,
		catalog:   cat,
		logger:    logger.With("component", "registration"),
		Now:       time.Now,
	}
}

// Registered reports whether the customer finished registration.
func (s *Stepper) Registered(c *store.Customer) bool {
	return c.Step == store.StepRegistered
}

// Advance records answer for the customer's current step and returns the
// prompt for the next one. On first contact the answer is ignored and the
// dialogue starts. An invalid tax id leaves the customer untouched and
// returns the validation notice.
func (s *Stepper) Advance(ctx context.Context, c *store.Customer, answer string, firstContact bool) (Prompt, error) {
	if firstContact {
		if err := s.moveTo(ctx, c, store.StepAskName); err != nil {
			return Prompt{}, err
		}
		return s.promptFor(c), nil
	}

	answer = strings.TrimSpace(answer)

	switch c.Step {
	case store.StepFirstInteraction, store.StepAskName:
		if answer == "" {
			return s.promptFor(c), nil
		}
		c.Name = answer
		return s.advanceTo(ctx, c, store.StepAskIfCustomer)

	case store.StepAskIfCustomer:
		isCustomer := answer == AnswerYes
		c.IsCustomer = &isCustomer
		if isCustomer {
			return s.advanceTo(ctx, c, store.StepAskTaxID)
		}
		return s.advanceTo(ctx, c, store.StepRegistered)

	case store.StepAskTaxID:
		digits, err := NormalizeTaxID(answer)
		if errors.Is(err, ErrInvalidTaxID) {
			s.logger.Debug("rejected tax id", "customer", c.Address)
			return Prompt{Text: s.catalog.Text(catalog.InvalidTaxID, nil)}, nil
		}
		c.TaxID = digits
		return s.advanceTo(ctx, c, store.StepRegistered)

	case store.StepRegistered:
		return s.promptFor(c), nil
	}

	s.logger.Warn("customer in unknown registration step", "customer", c.Address, "step", c.Step)
	return Prompt{Text: s.catalog.Text(catalog.Unavailable, nil)}, nil
}

func (s *Stepper) advanceTo(ctx context.Context, c *store.Customer, step store.RegistrationStep) (Prompt, error) {
	if err := s.moveTo(ctx, c, step); err != nil {
		return Prompt{}, err
	}
	return s.promptFor(c), nil
}

// moveTo persists the customer's profile with the new step.
func (s *Stepper) moveTo(ctx context.Context, c *store.Customer, step store.RegistrationStep) error {
	prev := c.Step
	c.Step = step
	c.UpdatedAt = s.Now()
	if err := s.directory.UpdateCustomer(ctx, c); err != nil {
		c.Step = prev
		return fmt.Errorf("saving registration step: %w", err)
	}
	s.logger.Debug("registration advanced", "customer", c.Address, "from", prev, "to", step)
	return nil
}

func (s *Stepper) promptFor(c *store.Customer) Prompt {
	data := map[string]string{"Name": c.Name}

	switch c.Step {
	case store.StepFirstInteraction, store.StepAskName:
		data["Greeting"] = s.catalog.Text(greetingFor(s.Now()), nil)
		return Prompt{Text: s.catalog.Text(catalog.AskName, data)}
	case store.StepAskIfCustomer:
		return Prompt{
			Text: s.catalog.Text(catalog.AskIfCustomer, data),
			Options: []channel.Option{
				{ID: AnswerYes, Label: s.catalog.Text(catalog.OptionYes, nil)},
				{ID: AnswerNo, Label: s.catalog.Text(catalog.OptionNo, nil)},
			},
		}
	case store.StepAskTaxID:
		return Prompt{Text: s.catalog.Text(catalog.AskTaxID, data)}
	case store.StepRegistered:
		return Prompt{Text: s.catalog.Text(catalog.Registered, data)}
	}
	return Prompt{Text: s.catalog.Text(catalog.Unavailable, nil)}
}

// greetingFor picks the period greeting: morning before 12h, afternoon
// before 19h, evening otherwise.
func greetingFor(t time.Time) catalog.Key {
	switch h := t.Hour(); {
	case h < 12:
		return catalog.GreetingMorning
	case h < 19:
		return catalog.GreetingAfternoon
	default:
		return catalog.GreetingEvening
	}
}
