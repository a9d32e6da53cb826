// Package messaging adapts the WhatsApp transports to the gateway the flow executor
// dispatches through.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/hexamarkco/kifersaude-sub001/internal/models"
)

// ErrGatewayStopped is returned by sends after Stop.
var ErrGatewayStopped = errors.New("gateway stopped")

// Phone number limits after canonicalization.
const (
	MinPhoneDigits = 6
	MaxPhoneDigits = 15
	// DefaultCountryCode is prepended to national numbers (area code plus subscriber).
	DefaultCountryCode = "55"
)

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Media is a single media item to deliver.
type Media struct {
	Type     models.MessageType
	URL      string
	Caption  string
	Filename string
}

// Gateway defines a pluggable message delivery abstraction. Sends return the
// provider's message id.
type Gateway interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Errors wrap models.ErrInvalidRecipient.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a text message to a canonical recipient.
	SendText(ctx context.Context, to string, text string) (string, error)

	// SendMedia sends one media item to a canonical recipient.
	SendMedia(ctx context.Context, to string, media Media) (string, error)
}

// CanonicalizePhone strips every non-digit and prefixes national numbers of 10 or 11
// digits with the default country code.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: recipient cannot be empty", models.ErrInvalidRecipient)
	}

	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in recipient %q", models.ErrInvalidRecipient, recipient)
	}
	if len(canonical) == 10 || len(canonical) == 11 {
		canonical = DefaultCountryCode + canonical
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", models.ErrInvalidRecipient, canonical, MinPhoneDigits)
	}
	if len(canonical) > MaxPhoneDigits {
		return "", fmt.Errorf("%w: %q is too long (maximum %d digits)", models.ErrInvalidRecipient, canonical, MaxPhoneDigits)
	}
	return canonical, nil
}

// dispatchError marks a transport failure as a dispatch failure while keeping the cause.
func dispatchError(err error) error {
	if err == nil || errors.Is(err, models.ErrDispatchFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrDispatchFailed, err)
}
