package helpers

import "context"

// CurrentStudent resolves the sender's Telegram chat id to a domain entity via
// a service that implements StudentByChatID. The generic type T allows callers
// to supply their own student model.
func CurrentStudent[T any](
	ctx context.Context,
	service interface {
		StudentByChatID(context.Context, int64) (T, error)
	},
	chatID int64,
) (T, error) {
	var zero T
	if service == nil {
		return zero, nil
	}
	return service.StudentByChatID(ctx, chatID)
}
