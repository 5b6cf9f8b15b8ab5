package gmail

import "context"

// Batched label mutations. Each call is one provider batchModify;
// partial failure inside the batch reports as a single error for the
// whole batch.

// MarkRead sets or clears the unread flag on a batch of messages.
func (c *Client) MarkRead(ctx context.Context, accountID string, ids []string, read bool) error {
	if len(ids) == 0 {
		return nil
	}
	if read {
		return c.BatchModify(ctx, accountID, ids, nil, []string{LabelUnread})
	}
	return c.BatchModify(ctx, accountID, ids, []string{LabelUnread}, nil)
}

// Archive removes a batch of messages from the inbox.
func (c *Client) Archive(ctx context.Context, accountID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.BatchModify(ctx, accountID, ids, nil, []string{LabelInbox})
}

// SetStar stars or unstars a batch of messages.
func (c *Client) SetStar(ctx context.Context, accountID string, ids []string, starred bool) error {
	if len(ids) == 0 {
		return nil
	}
	if starred {
		return c.BatchModify(ctx, accountID, ids, []string{LabelStarred}, nil)
	}
	return c.BatchModify(ctx, accountID, ids, nil, []string{LabelStarred})
}
