package services

import "context"

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// truncateCode returns a short prefix of a submitted code safe to persist in
// audit metadata. The full value is a secret and must never be logged.
func truncateCode(code string) string {
	const visible = 4
	if len(code) <= visible {
		return code
	}
	return code[:visible] + "..."
}
