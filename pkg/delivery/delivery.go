// Package delivery pushes serialized messages to connected recipients.
package delivery

import (
	"context"
	"errors"

	"github.com/hashicorp/go-multierror"
	"github.com/kabili207/geochat/pkg/models"
)

// Transport delivers a payload to a single recipient. Implementations return
// models.ErrInvalidRecipient when the recipient is not reachable through
// them.
type Transport interface {
	Send(ctx context.Context, recipientID string, payload []byte) error
}

// Multi delivers through every transport the recipient is connected to.
type Multi []Transport

// Send succeeds if at least one transport accepted the payload. When no
// transport knows the recipient it returns models.ErrInvalidRecipient.
func (m Multi) Send(ctx context.Context, recipientID string, payload []byte) error {
	var (
		delivered bool
		result    *multierror.Error
	)
	for _, t := range m {
		err := t.Send(ctx, recipientID, payload)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, models.ErrInvalidRecipient):
		default:
			result = multierror.Append(result, err)
		}
	}
	if delivered {
		return nil
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	return models.ErrInvalidRecipient
}
