package domain

import "context"

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }
