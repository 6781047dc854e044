package monetization

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrymomot/promokit/pkg/email"
)

// EmailReporter mails renewal failures to an operations address.
type EmailReporter struct {
	sender email.Sender
	to     string
}

var _ Reporter = (*EmailReporter)(nil)

func NewEmailReporter(sender email.Sender, to string) *EmailReporter {
	return &EmailReporter{sender: sender, to: to}
}

func (r *EmailReporter) ReportRenewalExhausted(ctx context.Context, f RenewalFailure) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Auto-renewal gave up after %d attempts.\n\n", f.Attempts)
	fmt.Fprintf(&b, "Profile:  %s\n", f.ProfileID)
	fmt.Fprintf(&b, "Plan:     %s\n", f.Plan)
	fmt.Fprintf(&b, "Provider: %s\n", f.Provider)
	fmt.Fprintf(&b, "Expired:  %s\n", f.ExpiredAt.UTC().Format(time.RFC3339))
	if f.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", f.LastError)
	}
	b.WriteString("\nThe profile is no longer promoted and auto-renewal is off.\n")

	return r.sender.Send(ctx, email.Message{
		To:      r.to,
		Subject: fmt.Sprintf("Renewal exhausted for profile %s", f.ProfileID),
		Text:    b.String(),
		Tag:     "renewal-exhausted",
	})
}
