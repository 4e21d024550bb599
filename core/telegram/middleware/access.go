package middleware

import tele "gopkg.in/telebot.v4"

// AccessOptions defines who may talk to the bot and how rejections behave.
type AccessOptions struct {
	AdminID    int64
	AllowedIDs []int64
	OnReject   tele.HandlerFunc
}

// Allowed reports whether the given Telegram user id may use the bot.
// An empty allow-list admits everyone except when an admin id is set,
// in which case only the admin is admitted.
func (o AccessOptions) Allowed(id int64) bool {
	if o.AdminID != 0 && id == o.AdminID {
		return true
	}
	if len(o.AllowedIDs) == 0 {
		return o.AdminID == 0
	}
	for _, allowed := range o.AllowedIDs {
		if id == allowed {
			return true
		}
	}
	return false
}

// AllowListMiddleware drops updates from senders outside the allow-list.
func AllowListMiddleware(opts AccessOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil || !opts.Allowed(sender.ID) {
				if opts.OnReject != nil {
					return opts.OnReject(c)
				}
				return nil
			}
			return next(c)
		}
	}
}

// AdminOnlyMiddleware ensures that only the admin user can invoke downstream handlers.
func AdminOnlyMiddleware(opts AccessOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if opts.AdminID != 0 && c.Sender().ID != opts.AdminID {
				if opts.OnReject != nil {
					return opts.OnReject(c)
				}
				return nil
			}
			return next(c)
		}
	}
}
